package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gardend/internal/recurrence"
)

// Action is the logical command a schedule fires. Values are the wire names
// stored in the schedule document.
type Action string

const (
	ActionStartMow               Action = "start"
	ActionParkUntilNextTask      Action = "parkUntilNextTask"
	ActionParkUntilFurtherNotice Action = "parkUntilFurtherNotice"
	ActionStartWater             Action = "startWatering"
	ActionStopWater              Action = "stopWatering"
	ActionPowerOn                Action = "turnOn"
	ActionPowerOff               Action = "turnOff"
)

const (
	MaxMowMinutes   = 360
	MaxWaterMinutes = 90
)

// MaxMinutes returns the duration bound for duration-bound actions and 0 otherwise.
func (a Action) MaxMinutes() int {
	switch a {
	case ActionStartMow:
		return MaxMowMinutes
	case ActionStartWater:
		return MaxWaterMinutes
	default:
		return 0
	}
}

func (a Action) DurationBound() bool { return a.MaxMinutes() > 0 }

// CheckMinutes enforces 1 <= m <= MaxMinutes for duration-bound actions.
// Other actions accept any value.
func (a Action) CheckMinutes(m Minutes) error {
	limit := a.MaxMinutes()
	if limit == 0 {
		return nil
	}
	if m < 1 || int(m) > limit {
		return invalid("value for %s must be between 1 and %d minutes, got %d", a, limit, m)
	}
	return nil
}

func (a Action) Known() bool {
	switch a {
	case ActionStartMow, ActionParkUntilNextTask, ActionParkUntilFurtherNotice,
		ActionStartWater, ActionStopWater, ActionPowerOn, ActionPowerOff:
		return true
	}
	return false
}

// Minutes is a duration in whole minutes. Clients send it either as a
// JSON number or as a numeric string.
type Minutes int

func (m *Minutes) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*m = 0
			return nil
		}
		b = []byte(s)
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("minutes: %q is not a number", b)
	}
	*m = Minutes(int(f))
	return nil
}

// Record is one persisted schedule.
type Record struct {
	ID             string  `json:"id"`
	Cron           string  `json:"cron"`
	DeviceID       string  `json:"deviceId"`
	ValveServiceID string  `json:"valveServiceId"`
	DeviceName     string  `json:"deviceName"`
	Action         Action  `json:"action"`
	Value          Minutes `json:"value"`
	DeviceType     string  `json:"deviceType"`
	Enabled        bool    `json:"enabled"`
}

// ServiceID is the vendor service the command is sent to.
func (r Record) ServiceID() string {
	if r.ValveServiceID != "" {
		return r.ValveServiceID
	}
	return r.DeviceID
}

// Validate checks a record before it is persisted and normalizes Value
// for actions that take no duration.
func (r *Record) Validate() error {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.ValveServiceID = strings.TrimSpace(r.ValveServiceID)
	r.Cron = strings.TrimSpace(r.Cron)
	if r.DeviceID == "" {
		return invalid("deviceId is required")
	}
	if !r.Action.Known() {
		return invalid("unknown action %q", r.Action)
	}
	if _, err := recurrence.Decode(r.Cron); err != nil {
		return invalid("cron: %v", err)
	}
	if err := r.Action.CheckMinutes(r.Value); err != nil {
		return err
	}
	if !r.Action.DurationBound() {
		r.Value = 0
	}
	return nil
}

// WindowRequest describes a schedule by its local time window instead of a
// precomputed expression.
type WindowRequest struct {
	Start            string `json:"start"`
	End              string `json:"end"`
	Days             []int  `json:"days"`
	UTCOffsetMinutes int    `json:"utcOffsetMinutes"`
}

// ApplyWindow fills r.Cron (and r.Value for duration-bound actions) from w.
func (r *Record) ApplyWindow(w WindowRequest) error {
	start, err := recurrence.ParseClock(w.Start)
	if err != nil {
		return err
	}
	end, err := recurrence.ParseClock(w.End)
	if err != nil {
		return err
	}
	days := make([]time.Weekday, 0, len(w.Days))
	for _, d := range w.Days {
		days = append(days, time.Weekday(d))
	}
	enc, err := recurrence.Encode(recurrence.Window{Start: start, End: end, Days: days},
		recurrence.Offset(time.Duration(w.UTCOffsetMinutes)*time.Minute))
	if err != nil {
		return err
	}
	r.Cron = enc.Expr.String()
	if r.Action.DurationBound() {
		r.Value = Minutes(enc.DurationMinutes)
	}
	return nil
}
