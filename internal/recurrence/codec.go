package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidWindow  = errors.New("recurrence: end time must be after start time")
	ErrNoWeekdays     = errors.New("recurrence: at least one weekday required")
	ErrInvalidClock   = errors.New("recurrence: invalid HH:MM time")
	ErrInvalidWeekday = errors.New("recurrence: weekday out of range")
	ErrInvalidExpr    = errors.New("recurrence: invalid expression")
)

const minutesPerDay = 24 * 60

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (Clock, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	c := Clock{Hour: h, Minute: m}
	if !c.valid() {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return c, nil
}

func (c Clock) valid() bool {
	return c.Hour >= 0 && c.Hour <= 23 && c.Minute >= 0 && c.Minute <= 59
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Offset is a signed UTC offset, truncated to whole minutes when used.
type Offset time.Duration

// OffsetHours returns the offset for a whole-hour zone such as UTC+2.
func OffsetHours(h int) Offset { return Offset(time.Duration(h) * time.Hour) }

// OffsetOf returns the UTC offset in effect for t's location at t.
func OffsetOf(t time.Time) Offset {
	_, sec := t.Zone()
	return Offset(time.Duration(sec) * time.Second)
}

func (o Offset) minutes() int { return int(time.Duration(o) / time.Minute) }

func (o Offset) String() string {
	m := o.minutes()
	sign := '+'
	if m < 0 {
		sign = '-'
		m = -m
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, m/60, m%60)
}

// Window is a local time window repeated on the selected weekdays.
type Window struct {
	Start Clock
	End   Clock
	Days  []time.Weekday
}

// Expr is a decoded recurrence expression in UTC.
type Expr struct {
	Minute int
	Hour   int
	Days   []time.Weekday
}

// String renders the cron wire format.
func (e Expr) String() string {
	days := make([]string, len(e.Days))
	for i, d := range e.Days {
		days[i] = strconv.Itoa(int(d))
	}
	return fmt.Sprintf("%d %d * * %s", e.Minute, e.Hour, strings.Join(days, ","))
}

// Encoded is the result of Encode.
type Encoded struct {
	Expr            Expr
	DurationMinutes int
}

// Encode converts a local window to a UTC expression.
// UTC minute-of-day is local minute-of-day minus the offset; when that
// leaves the day every selected weekday moves with it.
func Encode(w Window, off Offset) (Encoded, error) {
	if !w.Start.valid() || !w.End.valid() {
		return Encoded{}, ErrInvalidClock
	}
	if len(w.Days) == 0 {
		return Encoded{}, ErrNoWeekdays
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return Encoded{}, fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
		}
	}
	start, end := w.Start.minutes(), w.End.minutes()
	if end <= start {
		return Encoded{}, fmt.Errorf("%w: %s-%s", ErrInvalidWindow, w.Start, w.End)
	}

	utc := start - off.minutes()
	shift := floorDiv(utc, minutesPerDay)
	utc -= shift * minutesPerDay

	return Encoded{
		Expr: Expr{
			Minute: utc % 60,
			Hour:   utc / 60,
			Days:   shiftDays(w.Days, shift),
		},
		DurationMinutes: end - start,
	}, nil
}

// Local converts the expression back to a local start time and weekdays.
func (e Expr) Local(off Offset) (Clock, []time.Weekday) {
	local := e.Hour*60 + e.Minute + off.minutes()
	shift := floorDiv(local, minutesPerDay)
	local -= shift * minutesPerDay
	return Clock{Hour: local / 60, Minute: local % 60}, shiftDays(e.Days, shift)
}

// LocalWindow rebuilds the full local window given the stored duration.
// End times past midnight are clamped to 23:59.
func (e Expr) LocalWindow(off Offset, durationMinutes int) Window {
	start, days := e.Local(off)
	end := start.minutes() + durationMinutes
	if end >= minutesPerDay {
		end = minutesPerDay - 1
	}
	return Window{Start: start, End: Clock{Hour: end / 60, Minute: end % 60}, Days: days}
}

var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Decode parses an expression produced by Encode.
func Decode(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if _, err := standardParser.Parse(s); err != nil {
		return Expr{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, s, err)
	}
	f := strings.Fields(s)
	if len(f) != 5 || f[2] != "*" || f[3] != "*" {
		return Expr{}, fmt.Errorf("%w: %q: want \"<min> <hour> * * <days>\"", ErrInvalidExpr, s)
	}
	minute, err := strconv.Atoi(f[0])
	if err != nil || minute < 0 || minute > 59 {
		return Expr{}, fmt.Errorf("%w: %q: minute", ErrInvalidExpr, s)
	}
	hour, err := strconv.Atoi(f[1])
	if err != nil || hour < 0 || hour > 23 {
		return Expr{}, fmt.Errorf("%w: %q: hour", ErrInvalidExpr, s)
	}
	days, err := ParseWeekdays(f[4])
	if err != nil {
		return Expr{}, fmt.Errorf("%w: %q: %v", ErrInvalidExpr, s, err)
	}
	return Expr{Minute: minute, Hour: hour, Days: days}, nil
}

// ParseWeekdays parses a comma-separated list of weekday indices 0-6.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	parts := strings.Split(s, ",")
	out := make([]time.Weekday, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidWeekday, p)
		}
		out = append(out, time.Weekday(n))
	}
	if len(out) == 0 {
		return nil, ErrNoWeekdays
	}
	return normalizeDays(out), nil
}

func shiftDays(days []time.Weekday, shift int) []time.Weekday {
	out := make([]time.Weekday, len(days))
	for i, d := range days {
		out[i] = time.Weekday(((int(d)+shift)%7 + 7) % 7)
	}
	return normalizeDays(out)
}

func normalizeDays(days []time.Weekday) []time.Weekday {
	slices.Sort(days)
	return slices.Compact(days)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
