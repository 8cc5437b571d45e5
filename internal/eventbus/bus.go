package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside gardend.
const (
	TypeScheduleFired  = "schedule.fired"
	TypeScheduleFailed = "schedule.failed"
	TypeSchedulesReset = "schedule.reloaded"
	TypeDeviceUpdated  = "device.updated"
	TypeDeviceDropped  = "device.dropped"
	TypeMowingFinished = "device.mowing_finished"
	TypeRelayState     = "relay.state"
	TypeRelayClients   = "relay.clients"
)

// Event is a lightweight in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels and may miss events when slow.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Firing is the payload of schedule.fired and schedule.failed.
type Firing struct {
	ScheduleID string
	DeviceID   string
	Action     string
	Took       time.Duration
	Err        error
}

// Reload is the payload of schedule.reloaded.
type Reload struct {
	Active int
}

// DeviceUpdate is the payload of device.updated, device.dropped and
// device.mowing_finished. Reason is set on drops only.
type DeviceUpdate struct {
	DeviceID    string
	ServiceType string
	Reason      string
}

// RelayState is the payload of relay.state.
type RelayState struct {
	State   string
	Attempt int
	Code    int
}

// RelayClients is the payload of relay.clients.
type RelayClients struct {
	Count int
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so sends happen without the lock.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
