package device

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "gardend/pkg/logx"
)

// DefaultTTL is how long a full fetch is served from cache.
const DefaultTTL = 5 * time.Second

var ErrNoLocation = errors.New("device: account has no location")

// Fetcher reads the raw device tree from the vendor cloud.
type Fetcher interface {
	PrimaryLocation(ctx context.Context) (string, error)
	DeviceTree(ctx context.Context, locationID string) ([]Service, error)
}

// Catalog keeps a Table filled from full fetches, refetching at most once
// per TTL unless invalidated.
type Catalog struct {
	fetcher Fetcher
	table   *Table
	ttl     time.Duration
	log     logx.Logger
	now     func() time.Time

	mu         sync.Mutex
	fetchedAt  time.Time
	locationID string
}

func NewCatalog(f Fetcher, t *Table, ttl time.Duration, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{
		fetcher: f,
		table:   t,
		ttl:     ttl,
		log:     log.With(logx.String("comp", "device.catalog")),
		now:     time.Now,
	}
}

func (c *Catalog) Table() *Table { return c.table }

// Devices returns the current device list, fetching when the cache is stale.
func (c *Catalog) Devices(ctx context.Context) ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh() {
		return c.table.Snapshot(), nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return c.table.Snapshot(), nil
}

// Refresh forces a full fetch and returns the location it came from.
func (c *Catalog) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.locationID, nil
}

// Invalidate makes the next Devices call refetch.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) LocationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locationID
}

func (c *Catalog) fresh() bool {
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
}

func (c *Catalog) refreshLocked(ctx context.Context) error {
	loc, err := c.fetcher.PrimaryLocation(ctx)
	if err != nil {
		return err
	}
	if loc == "" {
		return ErrNoLocation
	}
	services, err := c.fetcher.DeviceTree(ctx, loc)
	if err != nil {
		return err
	}
	devices := Normalize(services, c.log)
	c.table.Replace(devices)
	c.fetchedAt = c.now()
	c.locationID = loc
	c.log.Debug("device tree fetched",
		logx.String("location", loc),
		logx.Int("services", len(services)),
		logx.Int("devices", len(devices)),
	)
	return nil
}
