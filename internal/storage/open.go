package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

// Config configures the schedule backend.
//
// Driver values:
//   - "file" (default): JSON document at Path
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is a schedule.Backend that owns resources.
type Store interface {
	Load(ctx context.Context) ([]schedule.Record, error)
	Save(ctx context.Context, records []schedule.Record) error
	Close() error
}

var _ schedule.Backend = Store(nil)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
