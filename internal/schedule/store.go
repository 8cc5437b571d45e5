package schedule

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	logx "gardend/pkg/logx"
)

// Backend persists the whole schedule collection as one unit.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, records []Record) error
}

// Reloader rebuilds the running scheduler from the persisted collection.
type Reloader interface {
	Reload(ctx context.Context, records []Record) error
}

// Store is the single writer of the schedule collection.
//
// Every mutation loads the full collection, transforms it, saves it and
// reloads the scheduler while holding one mutex, so concurrent requests
// cannot interleave and reloads never overlap.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	reloader Reloader
	log      logx.Logger

	newID func() string
}

func NewStore(backend Backend, reloader Reloader, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		backend:  backend,
		reloader: reloader,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Reload pushes the persisted collection to the scheduler without changing it.
// Called once at startup.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.backend.Load(ctx)
	if err != nil {
		return &PersistenceError{Op: "load", Err: err}
	}
	return s.reloadLocked(ctx, "startup", cur)
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.backend.Load(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	return cur, nil
}

// Add validates rec, assigns it a fresh id and appends it.
func (s *Store) Add(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	rec.ID = s.newID()
	_, err := s.mutate(ctx, "add", func(cur []Record) ([]Record, error) {
		return append(cur, rec), nil
	})
	if err != nil {
		return Record{}, err
	}
	s.log.Info("schedule added",
		logx.String("id", rec.ID),
		logx.String("device", rec.DeviceID),
		logx.String("action", string(rec.Action)),
		logx.String("cron", rec.Cron),
	)
	return rec, nil
}

// Toggle sets the enabled flag of one schedule.
func (s *Store) Toggle(ctx context.Context, id string, enabled bool) (Record, error) {
	var out Record
	_, err := s.mutate(ctx, "toggle", func(cur []Record) ([]Record, error) {
		i := indexOf(cur, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		cur[i].Enabled = enabled
		out = cur[i]
		return cur, nil
	})
	if err != nil {
		return Record{}, err
	}
	s.log.Info("schedule toggled", logx.String("id", id), logx.Bool("enabled", enabled))
	return out, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, "remove", func(cur []Record) ([]Record, error) {
		i := indexOf(cur, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return slices.Delete(cur, i, i+1), nil
	})
	if err == nil {
		s.log.Info("schedule removed", logx.String("id", id))
	}
	return err
}

// RemoveAll deletes every schedule and returns how many were removed.
func (s *Store) RemoveAll(ctx context.Context) (int, error) {
	n := 0
	_, err := s.mutate(ctx, "remove_all", func(cur []Record) ([]Record, error) {
		n = len(cur)
		return []Record{}, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("schedules removed", logx.Int("count", n))
	return n, nil
}

// RemoveByDevice deletes every schedule whose DeviceID is deviceID.
func (s *Store) RemoveByDevice(ctx context.Context, deviceID string) (int, error) {
	n := 0
	_, err := s.mutate(ctx, "remove_by_device", func(cur []Record) ([]Record, error) {
		before := len(cur)
		cur = slices.DeleteFunc(cur, func(r Record) bool { return r.DeviceID == deviceID })
		n = before - len(cur)
		return cur, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("schedules removed", logx.String("device", deviceID), logx.Int("count", n))
	return n, nil
}

// SetEnabledAll flips every schedule and returns how many changed.
func (s *Store) SetEnabledAll(ctx context.Context, enabled bool) (int, error) {
	return s.setEnabled(ctx, "set_enabled_all", enabled, func(Record) bool { return true })
}

// SetEnabledByDevice flips every schedule of one device and returns how many changed.
func (s *Store) SetEnabledByDevice(ctx context.Context, deviceID string, enabled bool) (int, error) {
	return s.setEnabled(ctx, "set_enabled_by_device", enabled, func(r Record) bool { return r.DeviceID == deviceID })
}

func (s *Store) setEnabled(ctx context.Context, op string, enabled bool, match func(Record) bool) (int, error) {
	n := 0
	_, err := s.mutate(ctx, op, func(cur []Record) ([]Record, error) {
		for i := range cur {
			if match(cur[i]) && cur[i].Enabled != enabled {
				cur[i].Enabled = enabled
				n++
			}
		}
		return cur, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("schedules updated", logx.String("op", op), logx.Bool("enabled", enabled), logx.Int("changed", n))
	return n, nil
}

func (s *Store) mutate(ctx context.Context, op string, fn func([]Record) ([]Record, error)) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.backend.Load(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: op, Err: err}
	}
	next, err := fn(slices.Clone(cur))
	if err != nil {
		return nil, err
	}
	if err := s.backend.Save(ctx, next); err != nil {
		s.log.Error("schedule save failed", logx.String("op", op), logx.Err(err))
		return nil, &PersistenceError{Op: op, Err: err}
	}
	if err := s.reloadLocked(ctx, op, next); err != nil {
		return next, err
	}
	return next, nil
}

func (s *Store) reloadLocked(ctx context.Context, op string, records []Record) error {
	if s.reloader == nil {
		return nil
	}
	if err := s.reloader.Reload(ctx, slices.Clone(records)); err != nil {
		s.log.Error("scheduler reload failed", logx.String("op", op), logx.Err(err))
		return fmt.Errorf("schedule %s: reload: %w", op, err)
	}
	return nil
}

func indexOf(records []Record, id string) int {
	return slices.IndexFunc(records, func(r Record) bool { return r.ID == id })
}
