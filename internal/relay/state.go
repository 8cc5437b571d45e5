package relay

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v3"
)

// State is the upstream connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// tieredBackOff waits short after isolated failures and long once
// consecutive failures reach the threshold.
type tieredBackOff struct {
	mu        sync.Mutex
	short     time.Duration
	long      time.Duration
	threshold int
	failures  int
}

var _ backoff.BackOff = (*tieredBackOff)(nil)

func newTieredBackOff(short, long time.Duration, threshold int) *tieredBackOff {
	if threshold < 1 {
		threshold = 1
	}
	return &tieredBackOff{short: short, long: long, threshold: threshold}
}

func (b *tieredBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures < b.threshold {
		return b.short
	}
	return b.long
}

func (b *tieredBackOff) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}
