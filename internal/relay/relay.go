package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gardend/internal/device"
	"gardend/internal/eventbus"
	logx "gardend/pkg/logx"
)

// Config controls the upstream side.
type Config struct {
	PingInterval     time.Duration // default 150s
	PongTimeout      time.Duration // default 30s
	ReconnectDelay   time.Duration // default 15s
	FailureDelay     time.Duration // default 15m
	FailureThreshold int           // consecutive failed attempts before FailureDelay; default 3
	WriteTimeout     time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 150 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 15 * time.Second
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 15 * time.Minute
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Refresher performs a full device fetch and reports the location it used.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// StreamOpener obtains a real-time stream URL for a location.
type StreamOpener interface {
	OpenEventStream(ctx context.Context, locationID string) (string, error)
}

// DialFunc opens the upstream socket.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	return conn, err
}

// Relay keeps one upstream event stream open, merges every event into the
// device table and forwards the raw frame to the hub. Nothing is buffered
// while disconnected.
type Relay struct {
	cfg     Config
	catalog Refresher
	stream  StreamOpener
	table   *device.Table
	hub     *Hub
	log     logx.Logger
	bus     eventbus.Bus

	dial  DialFunc
	after func(time.Duration) <-chan time.Time

	state   atomic.Int32
	attempt int
}

func New(cfg Config, catalog Refresher, stream StreamOpener, table *device.Table, hub *Hub, log logx.Logger, bus eventbus.Bus) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Relay{
		cfg:     cfg.withDefaults(),
		catalog: catalog,
		stream:  stream,
		table:   table,
		hub:     hub,
		log:     log.With(logx.String("comp", "relay")),
		bus:     bus,
		dial:    defaultDial,
		after:   time.After,
	}
}

func (r *Relay) State() State { return State(r.state.Load()) }

// Run drives the connection state machine until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	bo := newTieredBackOff(r.cfg.ReconnectDelay, r.cfg.FailureDelay, r.cfg.FailureThreshold)
	for {
		r.attempt++
		r.setState(Connecting, 0)
		conn, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.setState(Disconnected, 0)
				return nil
			}
			r.log.Warn("upstream connect failed", logx.Int("attempt", r.attempt), logx.Err(err))
		} else {
			bo.Reset()
			r.setState(Connected, 0)
			r.log.Info("upstream connected")
			err = r.serve(ctx, conn)
			code := 0
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			r.setState(Disconnected, code)
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("upstream closed", logx.Int("code", code), logx.Err(err))
		}
		r.setState(Disconnected, 0)

		wait := bo.NextBackOff()
		r.log.Info("upstream reconnect scheduled", logx.Duration("in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-r.after(wait):
		}
	}
}

func (r *Relay) setState(s State, code int) {
	if State(r.state.Swap(int32(s))) == s && code == 0 {
		return
	}
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRelayState,
		Data: eventbus.RelayState{State: s.String(), Attempt: r.attempt, Code: code},
	})
}

func (r *Relay) connect(ctx context.Context) (*websocket.Conn, error) {
	loc, err := r.catalog.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	url, err := r.stream.OpenEventStream(ctx, loc)
	if err != nil {
		return nil, err
	}
	return r.dial(ctx, url)
}

// serve reads frames until the socket fails, a pong is overdue or ctx ends.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) error {
	deadline := r.cfg.PingInterval + r.cfg.PongTimeout
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(deadline)) }
	extend()
	conn.SetPongHandler(func(string) error { extend(); return nil })

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
					time.Now().Add(r.cfg.WriteTimeout))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(r.cfg.WriteTimeout)); err != nil {
					r.log.Debug("ping failed", logx.Err(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		extend()
		r.handle(data)
	}
}

// handle merges one upstream frame and forwards it verbatim.
func (r *Relay) handle(data []byte) {
	var svc device.Service
	if err := json.Unmarshal(data, &svc); err != nil {
		r.log.Warn("malformed upstream frame dropped", logx.Int("bytes", len(data)), logx.Err(err))
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeviceDropped, Data: eventbus.DeviceUpdate{Reason: "malformed"}})
		return
	}

	owner := device.OwnerID(svc)
	before, known := device.Device{}, false
	if owner != "" && svc.Kind() == device.KindMower {
		before, known = r.table.Get(owner)
	}

	if id, ok := r.table.MergeDelta(svc); ok {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeviceUpdated, Data: eventbus.DeviceUpdate{DeviceID: id, ServiceType: svc.Type}})
		if known {
			if after, ok := r.table.Get(id); ok && device.MowingFinished(before.Attributes, after.Attributes) {
				r.log.Info("mowing finished", logx.String("device", id), logx.String("name", after.Name))
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeMowingFinished, Data: eventbus.DeviceUpdate{DeviceID: id, ServiceType: svc.Type}})
			}
		}
	} else {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeviceDropped, Data: eventbus.DeviceUpdate{DeviceID: owner, ServiceType: svc.Type, Reason: "unresolved"}})
	}

	if r.hub != nil {
		r.hub.Broadcast(data)
	}
}
