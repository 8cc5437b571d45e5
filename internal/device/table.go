package device

import (
	"sync"

	logx "gardend/pkg/logx"
)

// Table holds the canonical device state. Snapshots handed out are deep
// copies; only Replace and MergeDelta mutate it.
type Table struct {
	mu    sync.RWMutex
	byID  map[string]*Device
	order []string
	log   logx.Logger
}

func NewTable(log logx.Logger) *Table {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Table{byID: map[string]*Device{}, log: log.With(logx.String("comp", "device.table"))}
}

// Replace swaps the whole table for a freshly normalized device list.
func (t *Table) Replace(devices []Device) {
	byID := make(map[string]*Device, len(devices))
	order := make([]string, 0, len(devices))
	for _, d := range devices {
		if _, dup := byID[d.ID]; dup {
			continue
		}
		c := d.Clone()
		if c.Attributes == nil {
			c.Attributes = Attributes{}
		}
		byID[d.ID] = &c
		order = append(order, d.ID)
	}
	t.mu.Lock()
	t.byID = byID
	t.order = order
	t.mu.Unlock()
}

func (t *Table) Snapshot() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Device, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id].Clone())
	}
	return out
}

func (t *Table) Get(id string) (Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.byID[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// MergeDelta applies one real-time service event to the table and returns
// the id of the device it changed. Events that cannot be attributed to a
// known device or valve change nothing.
func (t *Table) MergeDelta(ev Service) (string, bool) {
	owner := OwnerID(ev)
	if owner == "" {
		t.log.Warn("event without owner ignored",
			logx.String("service", ev.ID),
			logx.String("type", ev.Type),
		)
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.byID[owner]
	if d == nil {
		t.log.Warn("event for unknown device ignored",
			logx.String("device", owner),
			logx.String("type", ev.Type),
		)
		return "", false
	}

	k := ev.Kind()
	switch {
	case k.IsValve():
		v := d.valve(ev.ID)
		if v == nil {
			t.log.Warn("event for unknown valve ignored",
				logx.String("device", owner),
				logx.String("valve", ev.ID),
			)
			return "", false
		}
		v.Attributes.Merge(ev.Attributes)
		if name := ev.Attributes.Text("name"); name != "" {
			v.Name = name
		}
	case k.IsPrimary():
		d.Attributes.Merge(ev.Attributes)
		if k == KindCommon {
			if name := ev.Attributes.Text("name"); name != "" {
				d.Name = name
				d.CommonServiceID = ev.ID
			}
		}
		if pv := d.pseudoValve(); pv != nil {
			pv.Attributes.Merge(ev.Attributes)
			if k == KindCommon && d.Name != "" {
				pv.Name = d.Name
			}
		}
	default:
		t.log.Warn("unsupported event type ignored",
			logx.String("device", owner),
			logx.String("type", ev.Type),
		)
		return "", false
	}
	return owner, true
}
