package scheduler

import (
	"context"
	"sort"
	"strings"
	"time"

	"gardend/internal/eventbus"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

// Reload replaces every registered job with one job per enabled record.
// Records whose expression does not parse are logged and skipped.
func (s *Service) Reload(ctx context.Context, records []schedule.Record) error {
	_ = ctx

	s.mu.Lock()
	for _, j := range s.active {
		s.c.Remove(j.EntryID)
	}
	s.active = make(map[string]ActiveJob, len(records))

	skipped := 0
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		sched, err := s.parser.Parse(strings.TrimSpace(rec.Cron))
		if err != nil {
			skipped++
			s.log.Warn("schedule skipped",
				logx.String("schedule", rec.ID),
				logx.String("cron", rec.Cron),
				logx.Err(err),
			)
			continue
		}
		if old, dup := s.active[rec.ID]; dup {
			s.c.Remove(old.EntryID)
		}
		eid := s.c.Schedule(sched, firing{s: s, rec: rec})
		s.active[rec.ID] = ActiveJob{
			RecordID:  rec.ID,
			Spec:      rec.Cron,
			DeviceID:  rec.DeviceID,
			ServiceID: rec.ServiceID(),
			Action:    rec.Action,
			EntryID:   eid,
		}
		if next := s.previewNextRunsLocked(rec.Cron, 3); next != "" {
			s.log.Debug("schedule registered",
				logx.String("schedule", rec.ID),
				logx.String("cron", rec.Cron),
				logx.String("next", next),
			)
		}
	}
	n := len(s.active)
	s.mu.Unlock()

	s.log.Info("schedules reloaded", logx.Int("active", n), logx.Int("skipped", skipped))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulesReset, Data: eventbus.Reload{Active: n}})
	return nil
}

// Active lists the registered jobs ordered by record id.
func (s *Service) Active() []ActiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveJob, 0, len(s.active))
	for _, j := range s.active {
		if s.running {
			j.Next = s.c.Entry(j.EntryID).Next
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RecordID < out[k].RecordID })
	return out
}

// NextInvocation returns the earliest fire time after now across the
// active jobs targeting deviceID, either as device or as valve service.
func (s *Service) NextInvocation(deviceID string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best time.Time
	for _, j := range s.active {
		if j.DeviceID != deviceID && j.ServiceID != deviceID {
			continue
		}
		e := s.c.Entry(j.EntryID)
		if e.Schedule == nil {
			continue
		}
		next := e.Schedule.Next(now.UTC())
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best, !best.IsZero()
}

// previewNextRunsLocked renders the next n fire times for debug logs.
// Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().UTC()
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}
