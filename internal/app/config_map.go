package app

import (
	"fmt"
	"strings"
	"time"

	"gardend/internal/config"
	"gardend/internal/device"
	"gardend/internal/gardena"
	"gardend/internal/httpapi"
	"gardend/internal/relay"
	"gardend/internal/storage"
	"gardend/internal/task/scheduler"
	logx "gardend/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file", "json":
		if path == "" {
			path = storage.DefaultFilePath
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapGardenaConfig(cfg *config.Config) (gardena.Config, error) {
	g := cfg.Gardena
	timeout, err := config.ParseDurationOrDefault("gardena.timeout", g.Timeout, 30*time.Second)
	if err != nil {
		return gardena.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("gardena.retry_max_elapsed", g.RetryMaxElapsed, 30*time.Second)
	if err != nil {
		return gardena.Config{}, err
	}
	return gardena.Config{
		AuthURL:         g.AuthURL,
		BaseURL:         g.BaseURL,
		ClientID:        g.ClientID,
		ClientSecret:    g.ClientSecret,
		APIKey:          g.APIKey,
		Timeout:         timeout,
		RatePerSec:      g.RatePerSec,
		RetryMaxElapsed: retry,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	d, err := config.ParseDurationOrDefault("scheduler.firing_timeout", cfg.Scheduler.FiringTimeout, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{FiringTimeout: d}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	r := cfg.Relay
	var out relay.Config
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"relay.ping_interval", r.PingInterval, 150 * time.Second, &out.PingInterval},
		{"relay.pong_timeout", r.PongTimeout, 30 * time.Second, &out.PongTimeout},
		{"relay.reconnect_delay", r.ReconnectDelay, 15 * time.Second, &out.ReconnectDelay},
		{"relay.failure_delay", r.FailureDelay, 15 * time.Minute, &out.FailureDelay},
	}
	for _, f := range fields {
		d, err := config.ParseDurationOrDefault(f.path, f.raw, f.def)
		if err != nil {
			return relay.Config{}, err
		}
		*f.dst = d
	}
	out.FailureThreshold = r.FailureThreshold
	return out, nil
}

func mapHubConfig(cfg *config.Config) relay.HubConfig {
	return relay.HubConfig{Token: cfg.HTTP.Token, QueueSize: cfg.Relay.ClientQueue}
}

func mapCatalogTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("devices.catalog_ttl", cfg.Devices.CatalogTTL, device.DefaultTTL)
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// 0 keeps writes unbounded so /ws and pprof profiles work.
	write, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		Pprof:         h.Pprof,
		PprofPrefix:   h.PprofPrefix,
	}, nil
}

// validateForServe runs every mapping so a hot reload that would fail at
// the next restart is rejected up front.
func validateForServe(cfg *config.Config) error {
	if err := config.RequireCredentials(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGardenaConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCatalogTTL(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
