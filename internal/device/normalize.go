package device

import (
	"strings"

	logx "gardend/pkg/logx"
)

// Category is the canonical device kind exposed to clients.
type Category string

const (
	CategoryMower      Category = "MOWER"
	CategoryIrrigation Category = "SMART_WATERING_COMPUTER"
	CategoryPlug       Category = "SMART_PLUG"
	CategoryUnknown    Category = "UNKNOWN"
)

// Valve is one controllable valve of an irrigation controller. A pseudo
// valve stands in for the controller itself when it exposes no valve
// services; it has the controller's id.
type Valve struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Pseudo     bool       `json:"pseudo,omitempty"`
	Attributes Attributes `json:"attributes"`
}

// Device is the canonical view of one physical device.
type Device struct {
	ID              string     `json:"id"`
	Kind            Category   `json:"kind"`
	Name            string     `json:"name"`
	CommonServiceID string     `json:"commonServiceId,omitempty"`
	Attributes      Attributes `json:"attributes"`
	Valves          []Valve    `json:"valves,omitempty"`
}

func (d Device) Clone() Device {
	out := d
	out.Attributes = d.Attributes.Clone()
	if d.Valves != nil {
		out.Valves = make([]Valve, len(d.Valves))
		for i, v := range d.Valves {
			v.Attributes = v.Attributes.Clone()
			out.Valves[i] = v
		}
	}
	return out
}

func (d *Device) valve(id string) *Valve {
	for i := range d.Valves {
		if d.Valves[i].ID == id {
			return &d.Valves[i]
		}
	}
	return nil
}

func (d *Device) pseudoValve() *Valve {
	if len(d.Valves) == 1 && d.Valves[0].Pseudo {
		return &d.Valves[0]
	}
	return nil
}

type build struct {
	dev  *Device
	seen map[ServiceKind]bool
}

// Normalize groups raw services into canonical devices, in order of first
// appearance of each device's anchoring service.
func Normalize(services []Service, log logx.Logger) []Device {
	if log.IsZero() {
		log = logx.Nop()
	}
	byID := map[string]*build{}
	order := make([]string, 0, len(services))

	for _, s := range services {
		if !s.Kind().anchors() {
			continue
		}
		owner := OwnerID(s)
		if owner == "" || byID[owner] != nil {
			continue
		}
		byID[owner] = &build{
			dev:  &Device{ID: owner, Attributes: Attributes{}},
			seen: map[ServiceKind]bool{},
		}
		order = append(order, owner)
	}

	for _, s := range services {
		owner := OwnerID(s)
		b := byID[owner]
		if b == nil {
			log.Warn("service without device dropped",
				logx.String("service", s.ID),
				logx.String("type", s.Type),
			)
			continue
		}
		k := s.Kind()
		b.seen[k] = true
		switch {
		case k.IsValve():
			name := s.Attributes.Text("name")
			if name == "" {
				name = s.ID
			}
			if v := b.dev.valve(s.ID); v != nil {
				v.Attributes.Merge(s.Attributes)
				continue
			}
			b.dev.Valves = append(b.dev.Valves, Valve{ID: s.ID, Name: name, Attributes: s.Attributes.Clone()})
		case k == KindCommon:
			b.dev.Attributes.Merge(s.Attributes)
			if name := s.Attributes.Text("name"); name != "" {
				b.dev.Name = name
				b.dev.CommonServiceID = s.ID
			}
		default:
			b.dev.Attributes.Merge(s.Attributes)
		}
	}

	out := make([]Device, 0, len(order))
	for _, id := range order {
		b := byID[id]
		b.dev.Kind = categorize(b.seen)
		if b.dev.Kind == CategoryIrrigation && len(b.dev.Valves) == 0 {
			b.dev.Valves = []Valve{{
				ID:         b.dev.ID,
				Name:       b.dev.Name,
				Pseudo:     true,
				Attributes: b.dev.Attributes.Clone(),
			}}
		}
		out = append(out, *b.dev)
	}
	return out
}

func categorize(seen map[ServiceKind]bool) Category {
	switch {
	case seen[KindMower]:
		return CategoryMower
	case seen[KindValve] || seen[KindValveSet] || seen[KindIrrigationControl]:
		return CategoryIrrigation
	case seen[KindPowerSocket]:
		return CategoryPlug
	default:
		return CategoryUnknown
	}
}

// MowingFinished reports a mower activity change from cutting to parked or charging.
func MowingFinished(before, after Attributes) bool {
	prev := strings.ToUpper(before.Text("activity"))
	cur := strings.ToUpper(after.Text("activity"))
	wasMowing := prev == "MOWING" || strings.HasPrefix(prev, "OK_CUTTING")
	nowParked := strings.HasPrefix(cur, "PARKED") || cur == "OK_CHARGING" || cur == "CHARGING"
	return wasMowing && nowParked
}
