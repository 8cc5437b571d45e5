package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite schedule store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) ([]schedule.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, cron, device_id, valve_service_id, device_name, action, value, device_type, enabled
		 FROM schedules ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []schedule.Record{}
	for rows.Next() {
		var (
			r       schedule.Record
			action  string
			value   int64
			enabled int64
		)
		if err := rows.Scan(&r.ID, &r.Cron, &r.DeviceID, &r.ValveServiceID, &r.DeviceName,
			&action, &value, &r.DeviceType, &enabled); err != nil {
			return nil, err
		}
		r.Action = schedule.Action(action)
		r.Value = schedule.Minutes(value)
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save replaces the whole table inside one transaction.
func (s *sqliteStore) Save(ctx context.Context, records []schedule.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO schedules(pos, id, cron, device_id, valve_service_id, device_name, action, value, device_type, enabled)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx, i, r.ID, r.Cron, r.DeviceID, r.ValveServiceID, r.DeviceName,
			string(r.Action), int64(r.Value), r.DeviceType, boolInt(r.Enabled)); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
