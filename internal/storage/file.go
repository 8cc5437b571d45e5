package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

// fileStore keeps the collection in a single JSON document.
//
// Saves go through a temp file in the same directory followed by a rename,
// so a failed write never leaves a truncated document behind.
type fileStore struct {
	path string
	log  logx.Logger
}

type document struct {
	Schedules []schedule.Record `json:"schedules"`
}

// DefaultFilePath is where the file driver keeps the document when no path is set.
const DefaultFilePath = "./db.json"

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path, log: log}, nil
}

func (s *fileStore) Close() error { return nil }

// Load reads the document. A missing file is created empty.
func (s *fileStore) Load(ctx context.Context) ([]schedule.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Info("schedule file missing; creating empty", logx.String("path", s.path))
		if err := s.write(document{Schedules: []schedule.Record{}}); err != nil {
			return nil, err
		}
		return []schedule.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return []schedule.Record{}, nil
	}

	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if doc.Schedules == nil {
		doc.Schedules = []schedule.Record{}
	}
	return doc.Schedules, nil
}

func (s *fileStore) Save(ctx context.Context, records []schedule.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = []schedule.Record{}
	}
	return s.write(document{Schedules: records})
}

func (s *fileStore) write(doc document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
