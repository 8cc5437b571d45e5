// Package metrics exposes Prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gardend/internal/eventbus"
	logx "gardend/pkg/logx"
)

// Collector owns a private registry so tests and multiple instances never
// collide on the global one.
type Collector struct {
	reg *prometheus.Registry

	firings      *prometheus.CounterVec
	relayEvents  *prometheus.CounterVec
	reconnects   prometheus.Counter
	mowsFinished prometheus.Counter
	activeJobs   prometheus.Gauge
	clients      prometheus.Gauge
	relayState   prometheus.Gauge
	firingTime   prometheus.Histogram
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardend_schedule_firings_total",
			Help: "Scheduled firings by result",
		}, []string{"result"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gardend_relay_events_total",
			Help: "Upstream events by result",
		}, []string{"result"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gardend_relay_reconnects_total",
			Help: "Upstream reconnect attempts after the first",
		}),
		mowsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gardend_mowing_finished_total",
			Help: "Mower sessions that ended parked or charging",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gardend_scheduler_active_jobs",
			Help: "Jobs registered after the last reload",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gardend_relay_clients",
			Help: "Connected downstream clients",
		}),
		relayState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gardend_relay_state",
			Help: "Upstream state: 0 disconnected, 1 connecting, 2 connected",
		}),
		firingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gardend_schedule_firing_seconds",
			Help:    "Time spent dispatching one firing",
			Buckets: prometheus.DefBuckets,
		}),
	}
	c.reg.MustRegister(
		c.firings, c.relayEvents, c.reconnects, c.mowsFinished,
		c.activeJobs, c.clients, c.relayState, c.firingTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Observe updates collectors from one bus event.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypeScheduleFired, eventbus.TypeScheduleFailed:
		result := "ok"
		if e.Type == eventbus.TypeScheduleFailed {
			result = "error"
		}
		c.firings.WithLabelValues(result).Inc()
		if f, ok := e.Data.(eventbus.Firing); ok {
			c.firingTime.Observe(f.Took.Seconds())
		}
	case eventbus.TypeSchedulesReset:
		if r, ok := e.Data.(eventbus.Reload); ok {
			c.activeJobs.Set(float64(r.Active))
		}
	case eventbus.TypeDeviceUpdated:
		c.relayEvents.WithLabelValues("applied").Inc()
	case eventbus.TypeDeviceDropped:
		reason := "unresolved"
		if d, ok := e.Data.(eventbus.DeviceUpdate); ok && d.Reason != "" {
			reason = d.Reason
		}
		c.relayEvents.WithLabelValues(reason).Inc()
	case eventbus.TypeMowingFinished:
		c.mowsFinished.Inc()
	case eventbus.TypeRelayClients:
		if r, ok := e.Data.(eventbus.RelayClients); ok {
			c.clients.Set(float64(r.Count))
		}
	case eventbus.TypeRelayState:
		if r, ok := e.Data.(eventbus.RelayState); ok {
			c.relayState.Set(stateValue(r.State))
			if r.State == "connecting" && r.Attempt > 1 {
				c.reconnects.Inc()
			}
		}
	}
}

// Consume feeds the collector from bus until ctx is cancelled.
func (c *Collector) Consume(ctx context.Context, bus eventbus.Bus, log logx.Logger) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	log.Debug("metrics consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}

func stateValue(s string) float64 {
	switch s {
	case "connecting":
		return 1
	case "connected":
		return 2
	default:
		return 0
	}
}
