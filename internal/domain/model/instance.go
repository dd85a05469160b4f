package model

import "time"

// Instance is a configured remote Gerrit authority. At most one instance is
// active at a time; the active instance is what the poll and dispatch loops
// talk to.
type Instance struct {
	ID             int64
	Name           string
	BaseURL        string // HTTPS only, validated at registration.
	CredentialBlob string // Encrypted credential material; opaque to the core.
	PollInterval   time.Duration
	IsActive       bool
	Status         ConnectionStatus
	ServerVersion  string
	LastConnected  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Reachable returns true when the last connection test succeeded.
func (i Instance) Reachable() bool {
	return i.Status == ConnectionConnected
}

// ConnectionResult is the typed outcome of a connection test. Network-level
// failures are reported through Status, never as a raw transport error.
type ConnectionResult struct {
	Status        ConnectionStatus
	ServerVersion string
	Detail        string // Human-readable failure detail, empty on success.
}
