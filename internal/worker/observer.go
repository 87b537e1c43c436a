// Package worker contains the Observer sync loop: a background poller that
// periodically recomputes aggregate statistics and hands them to the caller,
// and resolves individual tracking ids on demand. It depends only on the
// narrow StatsSource and RecordSource interfaces, so the same loop runs
// in-process against the store or remotely against the HTTP API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// ─── SOURCES ──────────────────────────────────────────────────────────────────

// StatsSource produces the current aggregate. *tracking.Aggregator and
// *client.Client both satisfy it.
type StatsSource interface {
	Compute(ctx context.Context) (tracking.AggregateStats, error)
}

// RecordSource looks up a single record. It must return an error wrapping
// tracking.ErrNotFound for an unknown id.
type RecordSource interface {
	Get(ctx context.Context, id string) (tracking.EmailRecord, error)
}

// ─── CONFIG ───────────────────────────────────────────────────────────────────

// ObserverConfig holds tuning parameters. Zero fields take the defaults from
// DefaultObserverConfig.
type ObserverConfig struct {
	// Interval between periodic refreshes. Default: 5s.
	Interval time.Duration

	// FetchTimeout is the per-fetch context deadline. Default: 10s.
	FetchTimeout time.Duration

	// Wake, when set, triggers an early refresh for every event received.
	// Typically fed by a notify.Bus subscription.
	Wake <-chan tracking.ClickEvent
}

func DefaultObserverConfig() ObserverConfig {
	return ObserverConfig{
		Interval:     5 * time.Second,
		FetchTimeout: 10 * time.Second,
	}
}

// Sinks receive the Observer's output. Any of them may be nil. Sinks are
// called from the Observer's goroutines (or from the Resolve caller) and never
// concurrently with each other.
type Sinks struct {
	OnStats   func(tracking.AggregateStats)
	OnTracked func(tracking.EmailRecord)
	OnError   func(error)
}

// ─── STATE ────────────────────────────────────────────────────────────────────

type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "stopped"
}

type TickState int

const (
	Idle TickState = iota
	Fetching
)

func (s TickState) String() string {
	if s == Fetching {
		return "fetching"
	}
	return "idle"
}

var (
	ErrAlreadyRunning = errors.New("worker: observer already running")
	ErrStopped        = errors.New("worker: observer stopped")
)

// ─── OBSERVER ─────────────────────────────────────────────────────────────────

// Observer polls a StatsSource on a fixed interval. At most one fetch is in
// flight at any time: a tick, wake or Refresh that arrives while a fetch is
// running is skipped and counted, never queued.
type Observer struct {
	stats   StatsSource
	records RecordSource
	cfg     ObserverConfig
	sinks   Sinks
	logger  *slog.Logger

	mu      sync.Mutex // guards runCtx, cancel, wg membership across Start/Stop
	runCtx  context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	kick     chan struct{}
	fetching atomic.Bool
	skipped  atomic.Uint64

	// deliverMu serialises sink calls and, with live, guarantees no sink runs
	// once Stop has returned.
	deliverMu sync.Mutex
	live      bool
}

// NewObserver constructs an Observer. Call Start to begin polling.
func NewObserver(stats StatsSource, records RecordSource, cfg ObserverConfig, sinks Sinks, logger *slog.Logger) *Observer {
	def := DefaultObserverConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Observer{
		stats:   stats,
		records: records,
		cfg:     cfg,
		sinks:   sinks,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// State reports whether the loop is running.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return Running
	}
	return Stopped
}

// TickState reports whether a fetch is currently in flight.
func (o *Observer) TickState() TickState {
	if o.fetching.Load() {
		return Fetching
	}
	return Idle
}

// Skipped returns how many triggers were dropped because a fetch was in flight.
func (o *Observer) Skipped() uint64 {
	return o.skipped.Load()
}

// Start launches the loop and performs an immediate first fetch. It returns
// without blocking. Cancelling ctx stops the Observer like Stop does: the
// state returns to Stopped, sinks go quiet and Start may be called again. Only
// Stop waits for in-flight fetches to wind down.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return ErrAlreadyRunning
	}

	o.runCtx, o.cancel = context.WithCancel(ctx)
	o.running = true

	o.deliverMu.Lock()
	o.live = true
	o.deliverMu.Unlock()

	o.logger.Info("observer: starting", "interval", o.cfg.Interval)
	o.wg.Add(1)
	go o.loop(o.runCtx)
	return nil
}

// Stop cancels the loop and any in-flight fetch and waits for them to exit.
// After Stop returns no sink is invoked. Stop on a stopped Observer is a no-op.
func (o *Observer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.cancel()
	o.running = false
	o.mu.Unlock()

	o.wg.Wait()

	o.deliverMu.Lock()
	o.live = false
	o.deliverMu.Unlock()

	o.logger.Info("observer: stopped", "skipped_ticks", o.skipped.Load())
}

// Refresh requests an immediate fetch. It never blocks.
func (o *Observer) Refresh() {
	select {
	case o.kick <- struct{}{}:
	default:
		o.skipped.Add(1)
	}
}

// Resolve is a one-shot lookup of a single tracking id. A found record is
// delivered to OnTracked and a stats refresh is requested; an unknown id
// returns an error wrapping tracking.ErrNotFound without touching any sink.
func (o *Observer) Resolve(ctx context.Context, id string) (tracking.EmailRecord, error) {
	if o.State() != Running {
		return tracking.EmailRecord{}, ErrStopped
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	rec, err := o.records.Get(ctx, id)
	if errors.Is(err, tracking.ErrNotFound) {
		return tracking.EmailRecord{}, fmt.Errorf("resolve %q: %w", id, err)
	}
	if err != nil {
		err = fmt.Errorf("resolve %q: %w", id, err)
		o.logger.Warn("observer: resolve failed", "tracking_id", id, "error", err)
		o.deliver(func() {
			if o.sinks.OnError != nil {
				o.sinks.OnError(err)
			}
		})
		return tracking.EmailRecord{}, err
	}

	if !o.deliver(func() {
		if o.sinks.OnTracked != nil {
			o.sinks.OnTracked(rec)
		}
	}) {
		return tracking.EmailRecord{}, ErrStopped
	}
	o.Refresh()
	return rec, nil
}

// deliver runs fn under deliverMu if the Observer is still live. It reports
// whether fn ran.
func (o *Observer) deliver(fn func()) bool {
	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()
	if !o.live {
		return false
	}
	fn()
	return true
}

// ─── LOOP ─────────────────────────────────────────────────────────────────────

func (o *Observer) loop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.trigger(ctx, "start")

	wake := o.cfg.Wake
	for {
		select {
		case <-ctx.Done():
			o.stopped(ctx)
			return
		case <-ticker.C:
			o.trigger(ctx, "tick")
		case <-o.kick:
			o.trigger(ctx, "refresh")
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			o.trigger(ctx, "wake")
		}
	}
}

// stopped moves the Observer to Stopped when the run that ctx belongs to ends,
// whether through Stop or through the caller's context. A run that has already
// been replaced by a newer Start is left alone.
func (o *Observer) stopped(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != ctx {
		return
	}
	o.running = false

	o.deliverMu.Lock()
	o.live = false
	o.deliverMu.Unlock()
}

// trigger starts a fetch unless one is already in flight.
func (o *Observer) trigger(ctx context.Context, reason string) {
	if !o.fetching.CompareAndSwap(false, true) {
		o.skipped.Add(1)
		o.logger.Debug("observer: fetch in flight, skipping", "reason", reason)
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.fetching.Store(false)
		o.fetch(ctx)
	}()
}

func (o *Observer) fetch(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	stats, err := o.stats.Compute(fetchCtx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		o.logger.Warn("observer: fetch stats failed", "error", err)
		o.deliver(func() {
			if o.sinks.OnError != nil {
				o.sinks.OnError(err)
			}
		})
		return
	}

	o.deliver(func() {
		if o.sinks.OnStats != nil {
			o.sinks.OnStats(stats)
		}
	})
}
