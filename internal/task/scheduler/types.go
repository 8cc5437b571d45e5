package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"gardend/internal/command"
	"gardend/internal/eventbus"
	"gardend/internal/schedule"
	logx "gardend/pkg/logx"
)

// Config controls the job runner.
type Config struct {
	FiringTimeout time.Duration // per-firing dispatch deadline; default 30s
}

// Dispatcher sends the command a firing produces.
type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) error
}

// ActiveJob is one registered schedule.
type ActiveJob struct {
	RecordID  string
	Spec      string
	DeviceID  string
	ServiceID string
	Action    schedule.Action
	EntryID   cron.EntryID
	Next      time.Time
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	bus  eventbus.Bus
	disp Dispatcher

	parser  cron.Parser
	c       *cron.Cron
	running bool
	active  map[string]ActiveJob

	runCtx    context.Context
	runCancel context.CancelFunc

	failMu       sync.Mutex
	lastFailWarn map[string]time.Time
}
