package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"gardend/internal/command"
	"gardend/internal/config"
	"gardend/internal/device"
	"gardend/internal/eventbus"
	"gardend/internal/gardena"
	"gardend/internal/httpapi"
	"gardend/internal/metrics"
	"gardend/internal/relay"
	rtsup "gardend/internal/runtime/supervisor"
	"gardend/internal/schedule"
	"gardend/internal/storage"
	"gardend/internal/task/scheduler"
	logx "gardend/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	schedules *schedule.Store
	sched     *scheduler.Service
	gw        *gardena.Client
	catalog   *device.Catalog
	hub       *relay.Hub
	relay     *relay.Relay
	metrics   *metrics.Collector
	http      *httpapi.Service
}

// NewApp loads the config (and optional dotenv file) and builds every
// component. Nothing runs until Start.
func NewApp(cfgPath, envPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvFile(envPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validateForServe(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg))
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	gcfg, _ := mapGardenaConfig(cfg)
	gw := gardena.New(gcfg, comp("gardena"))

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, command.NewDispatcher(gw, comp("command")), comp("scheduler"), bus)
	schedules := schedule.NewStore(store, sched, comp("schedules"))

	ttl, _ := mapCatalogTTL(cfg)
	table := device.NewTable(comp("devices"))
	catalog := device.NewCatalog(gw, table, ttl, comp("catalog"))

	hub := relay.NewHub(mapHubConfig(cfg), comp("hub"), bus)
	rcfg, _ := mapRelayConfig(cfg)
	rl := relay.New(rcfg, catalog, gw, table, hub, comp("relay"), bus)

	a := &App{
		cfgm:      cfgm,
		log:       comp("app"),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		schedules: schedules,
		sched:     sched,
		gw:        gw,
		catalog:   catalog,
		hub:       hub,
		relay:     rl,
		metrics:   metrics.NewCollector(),
	}

	hcfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(hcfg, httpapi.Deps{
		Schedules: schedules,
		Planner:   sched,
		Devices:   catalog,
		Commands:  command.NewDispatcher(gw, comp("control")),
		Renamer:   gw,
		Relay:     rl,
		Live:      hub,
		Metrics:   a.metrics.Handler(),
		Health:    a.health,
	}, log)
	return a, nil
}

// HTTPAddr is the bound control surface address, empty until it listens.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// HTTPReady is closed once the control surface listens.
func (a *App) HTTPReady() <-chan struct{} { return a.http.Ready() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateForServe(cfg) })

	if err := a.schedules.Reload(ctx); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("load schedules: %w", err)
	}
	a.sched.Start(a.sup.Context())

	a.sup.Go("metrics.consume", func(c context.Context) error {
		return a.metrics.Consume(c, a.bus, a.log)
	})
	a.sup.GoRestart("relay", a.relay.Run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(true),
	)
	a.http.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("schedules", len(a.sched.Active())))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(newCfg))
	if slices.Contains(sections, "http") {
		// Already validated by validateForServe.
		hc, _ := mapHTTPConfig(newCfg)
		a.hub.SetToken(hc.Token)
		a.http.Reconfigure(ctx, hc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config changes require restart to take effect", logx.Strings("sections", pending))
	}
}

func (a *App) health() any {
	out := map[string]any{
		"schedules_active": len(a.sched.Active()),
		"live_clients":     a.hub.Clients(),
		"location":         a.catalog.LocationID(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.http.Supervisor(); sup != nil {
		out["http"] = sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each step gets an upper bound so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("hub", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
