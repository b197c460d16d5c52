// Package coordinator runs independently scheduled, single-flight refreshes of one data domain.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/autopeer-io/tripsync/internal/pkg/errdefs"
	"github.com/autopeer-io/tripsync/internal/pkg/metrics"
	"github.com/autopeer-io/tripsync/internal/pkg/wallclock"
	"github.com/autopeer-io/tripsync/pkg/log"
)

// Fetcher retrieves one snapshot of the domain.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Bounds limits the polling interval.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

func (b Bounds) Contains(d time.Duration) bool {
	return d >= b.Min && d <= b.Max
}

// Snapshot is the published state of a coordinator. Data is the last good value and survives failures.
type Snapshot[T any] struct {
	Data      T
	HasData   bool
	FetchedAt time.Time

	LastErr   error
	LastErrAt time.Time
	// Healthy is false when the latest refresh failed.
	Healthy bool
}

// Config describes one coordinator instance.
type Config struct {
	// Name labels logs and metrics, e.g. "trips".
	Name         string
	Interval     time.Duration
	Bounds       Bounds
	FetchTimeout time.Duration
	// Midnight additionally refreshes at every local midnight.
	Midnight bool
}

// Coordinator owns the refresh schedule of one domain.
type Coordinator[T any] struct {
	name         string
	fetch        Fetcher[T]
	bounds       Bounds
	fetchTimeout time.Duration
	midnight     bool
	clock        clock.WithTicker

	group singleflight.Group
	// inflight is set while the fetch itself runs.
	inflight atomic.Bool

	mu       sync.RWMutex
	interval time.Duration
	snap     Snapshot[T]
	subs     []func(Snapshot[T])

	trigger  chan struct{}
	rescheds chan struct{}
}

// New validates cfg and returns a coordinator that is not yet running.
func New[T any](cfg Config, fetch Fetcher[T], clk clock.WithTicker) (*Coordinator[T], error) {
	if !cfg.Bounds.Contains(cfg.Interval) {
		return nil, errdefs.ConfigInvalid("%s interval %s outside [%s, %s]", cfg.Name, cfg.Interval, cfg.Bounds.Min, cfg.Bounds.Max)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Coordinator[T]{
		name:         cfg.Name,
		fetch:        fetch,
		bounds:       cfg.Bounds,
		fetchTimeout: cfg.FetchTimeout,
		midnight:     cfg.Midnight,
		clock:        clk,
		interval:     cfg.Interval,
		trigger:      make(chan struct{}, 1),
		rescheds:     make(chan struct{}, 1),
	}, nil
}

// Name returns the coordinator label.
func (c *Coordinator[T]) Name() string { return c.name }

// Refresh fetches now. Concurrent callers share one fetch and its result.
// The fetch itself is detached from ctx; ctx only bounds how long this caller waits.
func (c *Coordinator[T]) Refresh(ctx context.Context) (T, error) {
	ch := c.group.DoChan(c.name, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		start := c.clock.Now()
		c.inflight.Store(true)
		data, err := c.fetch(fctx)
		c.inflight.Store(false)
		metrics.RefreshLatency.WithLabelValues(c.name).Observe(c.clock.Since(start).Seconds())

		snap := c.record(data, err)
		c.notify(snap)
		return snap, err
	})

	select {
	case res := <-ch:
		snap := res.Val.(Snapshot[T])
		return snap.Data, res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Coordinator[T]) record(data T, err error) Snapshot[T] {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		metrics.RefreshTotal.WithLabelValues(c.name, "failed").Inc()
		c.snap.LastErr = err
		c.snap.LastErrAt = now
		c.snap.Healthy = false
		return c.snap
	}

	metrics.RefreshTotal.WithLabelValues(c.name, "success").Inc()
	c.snap = Snapshot[T]{Data: data, HasData: true, FetchedAt: now, Healthy: true}
	return c.snap
}

func (c *Coordinator[T]) notify(snap Snapshot[T]) {
	c.mu.RLock()
	subs := make([]func(Snapshot[T]), len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// Snapshot returns the current published state.
func (c *Coordinator[T]) Snapshot() Snapshot[T] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Subscribe registers fn, called after every refresh on the refreshing goroutine.
func (c *Coordinator[T]) Subscribe(fn func(Snapshot[T])) {
	c.mu.Lock()
	c.subs = append(c.subs, fn)
	c.mu.Unlock()
}

// Trigger requests a refresh from the run loop. A request made while a fetch is in flight joins
// that fetch instead of queueing another one. Requests made while one is pending are coalesced.
func (c *Coordinator[T]) Trigger() {
	if c.inflight.Load() {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the current polling interval.
func (c *Coordinator[T]) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// Bounds returns the accepted interval range.
func (c *Coordinator[T]) Bounds() Bounds { return c.bounds }

// SetInterval changes the polling interval. Out-of-bounds values are rejected and the previous interval is kept.
func (c *Coordinator[T]) SetInterval(d time.Duration) error {
	if !c.bounds.Contains(d) {
		return errdefs.ConfigInvalid("%s interval %s outside [%s, %s]", c.name, d, c.bounds.Min, c.bounds.Max)
	}

	c.mu.Lock()
	changed := c.interval != d
	c.interval = d
	c.mu.Unlock()

	if changed {
		log.Info("Refresh interval changed", "coordinator", c.name, "interval", d)
		select {
		case c.rescheds <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run refreshes once, then on every tick, trigger and (optionally) local midnight until ctx is done.
func (c *Coordinator[T]) Run(ctx context.Context) error {
	log.Info("Starting coordinator", "coordinator", c.name, "interval", c.Interval())

	ticker := c.clock.NewTicker(c.Interval())
	defer func() { ticker.Stop() }()

	var midnight clock.Timer
	if c.midnight {
		midnight = c.clock.NewTimer(c.untilMidnight())
		defer midnight.Stop()
	}

	c.refresh(ctx)
	for {
		var midnightC <-chan time.Time
		if midnight != nil {
			midnightC = midnight.C()
		}

		select {
		case <-ctx.Done():
			log.Info("Stopping coordinator", "coordinator", c.name)
			return nil
		case <-ticker.C():
			c.refresh(ctx)
		case <-c.trigger:
			c.refresh(ctx)
		case <-midnightC:
			c.refresh(ctx)
			midnight.Reset(c.untilMidnight())
		case <-c.rescheds:
			ticker.Stop()
			ticker = c.clock.NewTicker(c.Interval())
		}
	}
}

func (c *Coordinator[T]) untilMidnight() time.Duration {
	now := c.clock.Now()
	return wallclock.NextMidnight(now).Sub(now)
}

func (c *Coordinator[T]) refresh(ctx context.Context) {
	if _, err := c.Refresh(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
		case errdefs.IsRetryable(err):
			log.Warn("Refresh failed, keeping previous data", "coordinator", c.name, "error", err)
		default:
			log.Error(err, "Refresh failed", "coordinator", c.name)
		}
	}
}
