// Package application contains use-case orchestration services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/ericfisherdev/reviewdesk/internal/domain/model"
	"github.com/ericfisherdev/reviewdesk/internal/domain/port/driven"
)

// ValidationError reports a rejected registration or update. Callers can
// distinguish user input errors from infrastructure failures with errors.As.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// RegistrationInput is the user-supplied configuration for one instance.
type RegistrationInput struct {
	Name         string
	BaseURL      string
	Username     string
	Password     string
	PollInterval time.Duration
}

// Registry manages the set of configured Gerrit instances: registration with
// credential encryption, connection testing, and active-instance switching.
type Registry struct {
	instances    driven.InstanceStore
	vault        driven.Vault
	client       driven.GerritClient
	events       driven.EventSink
	pollInterval time.Duration
}

// NewRegistry creates a Registry with all required dependencies.
// defaultPollInterval applies when a registration omits its own interval.
func NewRegistry(
	instances driven.InstanceStore,
	vault driven.Vault,
	client driven.GerritClient,
	events driven.EventSink,
	defaultPollInterval time.Duration,
) *Registry {
	return &Registry{
		instances:    instances,
		vault:        vault,
		client:       client,
		events:       events,
		pollInterval: defaultPollInterval,
	}
}

// Register validates the input, encrypts the credentials, and persists a new
// instance in the Disconnected state. The first connection test happens
// explicitly via TestConnection, never implicitly here.
func (r *Registry) Register(ctx context.Context, in RegistrationInput) (model.Instance, error) {
	if err := validateRegistration(in); err != nil {
		return model.Instance{}, err
	}

	blob, err := r.vault.Encrypt(encodeCredentials(in.Username, in.Password))
	if err != nil {
		return model.Instance{}, fmt.Errorf("encrypt credentials: %w", err)
	}

	interval := in.PollInterval
	if interval <= 0 {
		interval = r.pollInterval
	}

	inst, err := r.instances.Create(ctx, model.Instance{
		Name:           strings.TrimSpace(in.Name),
		BaseURL:        strings.TrimRight(in.BaseURL, "/"),
		CredentialBlob: blob,
		PollInterval:   interval,
		Status:         model.ConnectionDisconnected,
	})
	if err != nil {
		if errors.Is(err, driven.ErrInstanceNameTaken) {
			return model.Instance{}, &ValidationError{Field: "name", Msg: "already in use"}
		}
		return model.Instance{}, err
	}

	slog.Info("instance registered", "instance", inst.ID, "name", inst.Name)
	return inst, nil
}

// UpdateCredentials re-encrypts and replaces the stored credential material.
func (r *Registry) UpdateCredentials(ctx context.Context, id int64, username, password string) error {
	if username == "" || password == "" {
		return &ValidationError{Field: "credentials", Msg: "username and password are required"}
	}

	inst, err := r.instances.GetByID(ctx, id)
	if err != nil {
		return err
	}

	blob, err := r.vault.Encrypt(encodeCredentials(username, password))
	if err != nil {
		return fmt.Errorf("encrypt credentials: %w", err)
	}

	inst.CredentialBlob = blob
	return r.instances.Update(ctx, *inst)
}

// TestConnection probes the instance and records the typed outcome. Transport
// failures never surface as raw errors; they land in the ConnectionResult.
func (r *Registry) TestConnection(ctx context.Context, id int64) (model.ConnectionResult, error) {
	inst, err := r.instances.GetByID(ctx, id)
	if err != nil {
		return model.ConnectionResult{}, err
	}

	ep, err := r.Endpoint(*inst)
	if err != nil {
		return model.ConnectionResult{}, err
	}

	result := model.ConnectionResult{Status: model.ConnectionConnected}
	version, err := r.client.ProbeVersion(ctx, ep)
	result.ServerVersion = version

	if err != nil {
		result.Status, result.Detail = classifyConnectionError(err)
	}

	lastConnected := inst.LastConnected
	if result.Status == model.ConnectionConnected {
		lastConnected = time.Now().UTC()
	}
	if err := r.instances.UpdateConnectionState(ctx, id, result.Status, result.ServerVersion, lastConnected); err != nil {
		return model.ConnectionResult{}, err
	}

	r.events.Publish(model.Event{
		Kind:       model.EventInstanceStatus,
		InstanceID: id,
		Detail:     string(result.Status),
		At:         time.Now().UTC(),
	})

	slog.Info("connection tested",
		"instance", id,
		"status", string(result.Status),
		"server_version", result.ServerVersion,
	)
	return result, nil
}

// SetActive switches the active instance.
func (r *Registry) SetActive(ctx context.Context, id int64) error {
	if err := r.instances.SetActive(ctx, id); err != nil {
		return err
	}
	slog.Info("active instance switched", "instance", id)
	return nil
}

// GetActive returns the active instance, or nil when none is configured.
func (r *Registry) GetActive(ctx context.Context) (*model.Instance, error) {
	return r.instances.GetActive(ctx)
}

// List returns all configured instances.
func (r *Registry) List(ctx context.Context) ([]model.Instance, error) {
	return r.instances.ListAll(ctx)
}

// Delete removes an instance and everything imported under it.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if err := r.instances.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("instance deleted", "instance", id)
	return nil
}

// Endpoint decrypts the instance credentials into a per-call Endpoint. The
// plaintext lives only in the returned value; callers must not retain it.
func (r *Registry) Endpoint(inst model.Instance) (driven.Endpoint, error) {
	plaintext, err := r.vault.Decrypt(inst.CredentialBlob)
	if err != nil {
		return driven.Endpoint{}, fmt.Errorf("decrypt credentials for instance %d: %w", inst.ID, err)
	}

	username, password := decodeCredentials(plaintext)
	return driven.Endpoint{
		BaseURL:  inst.BaseURL,
		Username: username,
		Password: password,
	}, nil
}

// instanceNamePattern is the allowed shape of an instance name.
var instanceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._ -]{1,64}$`)

func validateRegistration(in RegistrationInput) error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return &ValidationError{Field: "name", Msg: "must not be empty"}
	}
	if !instanceNamePattern.MatchString(name) {
		return &ValidationError{Field: "name", Msg: "must be 1-64 characters of letters, digits, '.', '_', '-' or space"}
	}
	if in.Username == "" || in.Password == "" {
		return &ValidationError{Field: "credentials", Msg: "username and password are required"}
	}

	u, err := url.Parse(in.BaseURL)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "base_url", Msg: "must be a valid URL"}
	}
	if u.Scheme != "https" {
		return &ValidationError{Field: "base_url", Msg: "must use https"}
	}
	return nil
}

// classifyConnectionError maps a typed remote error to a connection status.
func classifyConnectionError(err error) (model.ConnectionStatus, string) {
	var re *driven.RemoteError
	if errors.As(err, &re) {
		switch re.Kind {
		case driven.RemoteAuthFailed:
			return model.ConnectionAuthFailed, re.Msg
		case driven.RemoteIncompatible:
			return model.ConnectionIncompatible, re.Msg
		}
	}
	return model.ConnectionNetworkError, err.Error()
}

// Credentials are stored as "username\npassword". Usernames cannot contain
// newlines; Gerrit HTTP passwords can, so only the first separator splits.
func encodeCredentials(username, password string) string {
	return username + "\n" + password
}

func decodeCredentials(plaintext string) (username, password string) {
	username, password, _ = strings.Cut(plaintext, "\n")
	return username, password
}
