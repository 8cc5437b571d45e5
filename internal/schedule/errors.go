package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("schedule not found")
	ErrInvalidRecord = errors.New("invalid schedule")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// PersistenceError reports that the schedule document could not be read or
// written. The mutation that produced it was not applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("schedule store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
