// Package coordinator drives synchronization cycles between the local store
// and every configured backend. Only one cycle runs at a time.
package coordinator

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/msconstructor/data-sync/backend"
	"github.com/msconstructor/data-sync/resolver"
	"github.com/msconstructor/data-sync/store"
)

// Store is the local side of a cycle.
type Store interface {
	store.ChangeTracker
	Lookup(ctx context.Context, table, id string) (store.Record, error)
	Apply(ctx context.Context, table string, rec store.Record, origin string) (store.Record, error)
	MarkFailed(ctx context.Context, table, id, backend, reason string) (int, error)
	MarkError(ctx context.Context, table, id, backend, reason string) error
	Cursor(ctx context.Context, table, backend string) (string, error)
	SaveCursor(ctx context.Context, table, backend, cursor string) error
	Tables(ctx context.Context) ([]string, error)
	SetBackends(names []string)
	PurgeSynced(ctx context.Context, table string) (int, error)
}

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
)

// RetryPolicy bounds the attempts made for a record or a call.
type RetryPolicy struct {
	// MaxAttempts is the number of tries per call within a cycle and the
	// number of rejections tolerated per record before it is marked error.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   5 * time.Second,
	MaxDelay:    time.Minute,
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	return b
}

type Option func(*Coordinator)

func WithResolver(r resolver.Resolver) Option {
	return func(c *Coordinator) {
		c.resolver = r
	}
}

func WithConnectivity(conn Connectivity) Option {
	return func(c *Coordinator) {
		c.connectivity = conn
	}
}

func WithRetry(p RetryPolicy) Option {
	return func(c *Coordinator) {
		c.retry = p
	}
}

// WithInterval sets the delay between scheduled cycles of Run.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.interval = d
	}
}

// WithTables adds tables synchronized even before they hold local records.
func WithTables(tables ...string) Option {
	return func(c *Coordinator) {
		c.tables = append(c.tables, tables...)
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithPurge removes tombstones confirmed by every backend after each cycle.
func WithPurge(enabled bool) Option {
	return func(c *Coordinator) {
		c.purge = enabled
	}
}

type Coordinator struct {
	store        Store
	adapters     []backend.Adapter
	resolver     resolver.Resolver
	connectivity Connectivity
	retry        RetryPolicy
	interval     time.Duration
	tables       []string
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
	purge        bool

	flight  singleflight.Group
	trigger chan struct{}

	mu    sync.Mutex
	state State
	last  *CycleResult
}

// New returns a coordinator syncing st with adapters. The store is told the
// adapter names so it knows when a record is synced everywhere.
func New(st Store, adapters []backend.Adapter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        st,
		adapters:     adapters,
		resolver:     resolver.Func(resolver.RemoteWins),
		connectivity: AlwaysOnline,
		retry:        DefaultRetryPolicy,
		interval:     5 * time.Minute,
		logger:       slog.Default(),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.interval <= 0 {
		c.interval = 5 * time.Minute
	}
	if len(c.tables) == 0 {
		c.tables = slices.Clone(store.DefaultTables)
	}
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	st.SetBackends(names)
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastResult returns the result of the last finished cycle, or nil.
func (c *Coordinator) LastResult() *CycleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) setState(s State, result *CycleResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	if result != nil {
		c.last = result
	}
}

// SyncOnce runs a cycle. While a cycle is in flight, further calls wait for
// it and return its result.
func (c *Coordinator) SyncOnce(ctx context.Context) *CycleResult {
	v, _, _ := c.flight.Do("cycle", func() (any, error) {
		c.setState(StateSyncing, nil)
		result := c.cycle(ctx)
		c.setState(StateIdle, result)
		return result, nil
	})
	return v.(*CycleResult)
}

// Trigger requests a cycle from Run as soon as possible.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// ConnectivityRestored requests a cycle after the network came back.
func (c *Coordinator) ConnectivityRestored() {
	c.logger.Info("connectivity restored, scheduling sync")
	c.Trigger()
}

// Run syncs on start, every interval and on Trigger until ctx is done.
// Cycles ending in partial failure are retried with exponential backoff
// unless only records in error remain; those and offline cycles wait for the
// next tick or trigger.
func (c *Coordinator) Run(ctx context.Context) error {
	for _, a := range c.adapters {
		if w, ok := a.(backend.Watcher); ok {
			go c.watch(ctx, a.Name(), w)
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	retry := c.retry.backOff()
	retryTimer := time.NewTimer(c.interval)
	retryTimer.Stop()
	defer retryTimer.Stop()

	runCycle := func() {
		result := c.SyncOnce(ctx)
		retryTimer.Stop()
		if result.Status == StatusPartialFailure && result.Retryable && ctx.Err() == nil {
			delay := retry.NextBackOff()
			c.logger.Info("sync incomplete, retrying", "in", delay)
			retryTimer.Reset(delay)
			return
		}
		retry.Reset()
	}

	runCycle()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.trigger:
		case <-retryTimer.C:
		}
		runCycle()
	}
}

func (c *Coordinator) watch(ctx context.Context, name string, w backend.Watcher) {
	b := c.retry.backOff()
	for {
		err := w.Watch(ctx, func(table string) {
			c.logger.Debug("remote change announced", "backend", name, "table", table)
			c.Trigger()
		})
		if ctx.Err() != nil {
			return
		}
		delay := b.NextBackOff()
		c.logger.Warn("change stream interrupted", "backend", name, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
