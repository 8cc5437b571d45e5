package device

import (
	"encoding/json"
	"strings"
)

// ServiceKind is the recognized vendor service type of a raw record.
type ServiceKind int

const (
	KindOther ServiceKind = iota
	KindDevice
	KindMower
	KindPowerSocket
	KindIrrigationControl
	KindCommon
	KindValveSet
	KindValve
)

var kindNames = map[ServiceKind]string{
	KindDevice:            "DEVICE",
	KindMower:             "MOWER",
	KindPowerSocket:       "POWER_SOCKET",
	KindIrrigationControl: "SMART_IRRIGATION_CONTROL",
	KindCommon:            "COMMON",
	KindValveSet:          "VALVE_SET",
	KindValve:             "VALVE",
}

// ParseKind maps a vendor type string to a ServiceKind.
func ParseKind(t string) ServiceKind {
	t = strings.ToUpper(strings.TrimSpace(t))
	for k, name := range kindNames {
		if name == t {
			return k
		}
	}
	return KindOther
}

func (k ServiceKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "OTHER"
}

// IsPrimary reports whether the kind identifies a device or its top-level
// control surface.
func (k ServiceKind) IsPrimary() bool {
	switch k {
	case KindDevice, KindMower, KindPowerSocket, KindIrrigationControl, KindCommon, KindValveSet:
		return true
	}
	return false
}

func (k ServiceKind) IsValve() bool { return k == KindValve }

// anchors a canonical device during a full fetch.
func (k ServiceKind) anchors() bool {
	switch k {
	case KindDevice, KindMower, KindPowerSocket, KindIrrigationControl:
		return true
	}
	return false
}

func (k ServiceKind) irrigation() bool {
	return k == KindValve || k == KindValveSet || k == KindIrrigationControl
}

// Attribute is one vendor attribute value with its last-changed timestamp.
type Attribute struct {
	Value     any    `json:"value"`
	Timestamp string `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts the vendor {"value", "timestamp"} object and, for
// robustness, a bare JSON value.
func (a *Attribute) UnmarshalJSON(b []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err == nil {
		if raw, ok := obj["value"]; ok {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			a.Value = v
			a.Timestamp = ""
			if ts, ok := obj["timestamp"]; ok {
				_ = json.Unmarshal(ts, &a.Timestamp)
			}
			return nil
		}
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = Attribute{Value: v}
	return nil
}

// Attributes maps attribute keys to their latest value.
type Attributes map[string]Attribute

// Merge overwrites the keys present in delta and leaves every other key alone.
func (a Attributes) Merge(delta Attributes) {
	for k, v := range delta {
		a[k] = v
	}
}

func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Text returns the attribute value as a string, or "" when absent or not a string.
func (a Attributes) Text(key string) string {
	s, _ := a[key].Value.(string)
	return s
}

type ResourceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type Relationships struct {
	Device *struct {
		Data *ResourceRef `json:"data"`
	} `json:"device,omitempty"`
}

// Service is one raw vendor service record, as found in a location's
// "included" list and in every real-time event.
type Service struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Relationships Relationships `json:"relationships"`
	Attributes    Attributes    `json:"attributes"`
}

func (s Service) Kind() ServiceKind { return ParseKind(s.Type) }

const uuidLen = 36

// OwnerID resolves the device a service belongs to: the explicit device
// relationship, else the service itself for primary kinds, else the UUID
// prefix of a composite "<uuid>:<n>" id. It returns "" when none applies.
func OwnerID(s Service) string {
	if rel := s.Relationships.Device; rel != nil && rel.Data != nil && rel.Data.ID != "" {
		return rel.Data.ID
	}
	if s.Kind().IsPrimary() {
		return s.ID
	}
	if prefix, _, ok := strings.Cut(s.ID, ":"); ok && len(prefix) == uuidLen {
		return prefix
	}
	return ""
}
