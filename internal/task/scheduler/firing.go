package scheduler

import (
	"context"
	"errors"
	"time"

	"gardend/internal/command"
	"gardend/internal/eventbus"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

const failWarnThrottle = 5 * time.Second

type firing struct {
	s   *Service
	rec schedule.Record
}

func (f firing) Run() { f.s.fire(f.rec) }

// fire dispatches one schedule. Errors are reported, never returned; the job
// stays registered.
func (s *Service) fire(rec schedule.Record) {
	ctx, cancel := context.WithTimeout(s.context(), s.cfg.FiringTimeout)
	defer cancel()

	start := time.Now()
	err := s.disp.Dispatch(ctx, command.FromRecord(rec))
	took := time.Since(start)

	ev := eventbus.Firing{
		ScheduleID: rec.ID,
		DeviceID:   rec.DeviceID,
		Action:     string(rec.Action),
		Took:       took,
		Err:        err,
	}
	if err != nil {
		s.reportFiringError(rec, err)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFailed, Data: ev})
		return
	}
	s.log.Info("schedule fired",
		logx.String("schedule", rec.ID),
		logx.String("device", rec.DeviceID),
		logx.String("action", string(rec.Action)),
		logx.Duration("took", took),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: ev})
}

func (s *Service) reportFiringError(rec schedule.Record, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Debug("schedule firing cancelled", logx.String("schedule", rec.ID))
		return
	}

	now := time.Now()
	s.failMu.Lock()
	last := s.lastFailWarn[rec.ID]
	if !last.IsZero() && now.Sub(last) < failWarnThrottle {
		s.failMu.Unlock()
		return
	}
	s.lastFailWarn[rec.ID] = now
	s.failMu.Unlock()

	s.log.Error("schedule firing failed",
		logx.String("schedule", rec.ID),
		logx.String("device", rec.DeviceID),
		logx.String("action", string(rec.Action)),
		logx.Err(err),
	)
}
