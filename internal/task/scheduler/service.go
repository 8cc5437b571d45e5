package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"gardend/internal/eventbus"
	logx "gardend/pkg/logx"
)

const defaultFiringTimeout = 30 * time.Second

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if cfg.FiringTimeout <= 0 {
		cfg.FiringTimeout = defaultFiringTimeout
	}
	log = log.With(logx.String("comp", "scheduler"))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		disp:   disp,
		parser: parser,
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger{log: log}),
			cron.WithChain(cron.Recover(cronLogger{log: log})),
		),
		active:       map[string]ActiveJob{},
		runCtx:       runCtx,
		runCancel:    cancel,
		lastFailWarn: map[string]time.Time{},
	}
}

// Start starts cron triggering. Jobs registered by an earlier Reload begin
// firing from now on.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.c.Start()
	s.log.Info("service started", logx.Int("jobs", len(s.active)))
}

// Stop stops triggering and cancels in-flight firings. Registered jobs are
// kept; a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	running := s.running
	s.running = false
	cancel := s.runCancel
	s.mu.Unlock()

	cancel()
	if running {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}
