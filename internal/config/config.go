// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	DBPath           string
	SecretKey        []byte // 32-byte AES-256 key; nil when not configured.
	PollInterval     time.Duration
	DispatchInterval time.Duration
	HTTPTimeout      time.Duration
	MaxRetries       int
}

// HasSecretKey returns true when a credential encryption key is configured.
// Without one the app starts, but instance registration is rejected until the
// key is provided.
func (c *Config) HasSecretKey() bool {
	return c.SecretKey != nil
}

// Load reads configuration from environment variables and returns a validated
// Config. REVIEWDESK_SECRET_KEY (64 hex chars) is optional at startup.
// Optional variables with defaults: REVIEWDESK_DB_PATH (reviewdesk.db),
// REVIEWDESK_POLL_INTERVAL (2m), REVIEWDESK_DISPATCH_INTERVAL (5s),
// REVIEWDESK_HTTP_TIMEOUT (30s), REVIEWDESK_MAX_RETRIES (5).
func Load() (*Config, error) {
	dbPath := "reviewdesk.db"
	if v, ok := os.LookupEnv("REVIEWDESK_DB_PATH"); ok {
		dbPath = v
	}

	var secretKey []byte
	if v, ok := os.LookupEnv("REVIEWDESK_SECRET_KEY"); ok && v != "" {
		decoded, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("REVIEWDESK_SECRET_KEY is not valid hex: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("REVIEWDESK_SECRET_KEY must decode to 32 bytes, got %d", len(decoded))
		}
		secretKey = decoded
	}

	pollInterval, err := durationEnv("REVIEWDESK_POLL_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	dispatchInterval, err := durationEnv("REVIEWDESK_DISPATCH_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	httpTimeout, err := durationEnv("REVIEWDESK_HTTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	maxRetries := 5
	if v, ok := os.LookupEnv("REVIEWDESK_MAX_RETRIES"); ok {
		var parsed int
		if _, err := fmt.Sscanf(v, "%d", &parsed); err != nil || parsed < 1 {
			return nil, fmt.Errorf("REVIEWDESK_MAX_RETRIES has invalid value %q", v)
		}
		maxRetries = parsed
	}

	return &Config{
		DBPath:           dbPath,
		SecretKey:        secretKey,
		PollInterval:     pollInterval,
		DispatchInterval: dispatchInterval,
		HTTPTimeout:      httpTimeout,
		MaxRetries:       maxRetries,
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s has invalid duration %q: %w", name, v, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %q", name, v)
	}
	return parsed, nil
}
