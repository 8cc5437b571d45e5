package config

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMissingCredentials = errors.New("gardena credentials missing")

// Validate checks field syntax. It does not require credentials; use
// RequireCredentials for commands that talk to the cloud.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.idle_timeout", cfg.HTTP.IdleTimeout},
		{"gardena.timeout", cfg.Gardena.Timeout},
		{"gardena.retry_max_elapsed", cfg.Gardena.RetryMaxElapsed},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.firing_timeout", cfg.Scheduler.FiringTimeout},
		{"relay.ping_interval", cfg.Relay.PingInterval},
		{"relay.pong_timeout", cfg.Relay.PongTimeout},
		{"relay.reconnect_delay", cfg.Relay.ReconnectDelay},
		{"relay.failure_delay", cfg.Relay.FailureDelay},
		{"devices.catalog_ttl", cfg.Devices.CatalogTTL},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Gardena.RatePerSec < 0 {
		errs = append(errs, errors.New("gardena.rate_per_sec must be >= 0"))
	}
	if cfg.Relay.FailureThreshold < 0 {
		errs = append(errs, errors.New("relay.failure_threshold must be >= 0"))
	}
	if cfg.Relay.ClientQueue < 0 {
		errs = append(errs, errors.New("relay.client_queue must be >= 0"))
	}
	return errors.Join(errs...)
}

// RequireCredentials reports which cloud credentials are still empty after
// the environment overlay.
func RequireCredentials(cfg *Config) error {
	var missing []string
	if strings.TrimSpace(cfg.Gardena.ClientID) == "" {
		missing = append(missing, EnvClientID)
	}
	if strings.TrimSpace(cfg.Gardena.ClientSecret) == "" {
		missing = append(missing, EnvClientSecret)
	}
	if strings.TrimSpace(cfg.Gardena.APIKey) == "" {
		missing = append(missing, EnvAPIKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	return nil
}
