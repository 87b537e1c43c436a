package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// RetryConfig tunes the Retrying decorator. Zero fields take defaults.
type RetryConfig struct {
	// InitialInterval is the first back-off delay. Default: 100ms.
	InitialInterval time.Duration
	// MaxElapsed bounds the total time spent retrying one call. Default: 10s.
	MaxElapsed time.Duration
	// IDs mints tracking ids for Create. Default: tracking.UUIDGenerator.
	IDs tracking.IDGenerator
}

// Retrying wraps a Repository and replays calls that fail with a
// tracking.TransientError. Validation, not-found, and every other error are
// returned on the first attempt.
type Retrying struct {
	inner tracking.Repository
	cfg   RetryConfig
}

func NewRetrying(inner tracking.Repository, cfg RetryConfig) *Retrying {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 10 * time.Second
	}
	if cfg.IDs == nil {
		cfg.IDs = tracking.UUIDGenerator{}
	}
	return &Retrying{inner: inner, cfg: cfg}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxElapsedTime = r.cfg.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// do runs op until it succeeds, fails permanently, or the policy gives up.
func (r *Retrying) do(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !tracking.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx))
}

// Create fixes the id and SentAt before the first attempt, so a replay after
// a commit that was never acknowledged finds its own row instead of adding a
// second one. A collision with another record still draws a fresh id.
func (r *Retrying) Create(ctx context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	in, err := in.Normalize()
	if err != nil {
		return tracking.EmailRecord{}, err
	}
	return tracking.CreateRecord(r.cfg.IDs, in, func(in tracking.NewEmail) (tracking.EmailRecord, error) {
		var rec tracking.EmailRecord
		err := r.do(ctx, func() (err error) {
			rec, err = r.inner.Create(ctx, in)
			return err
		})
		return rec, err
	})
}

func (r *Retrying) Get(ctx context.Context, id string) (tracking.EmailRecord, error) {
	var rec tracking.EmailRecord
	err := r.do(ctx, func() (err error) {
		rec, err = r.inner.Get(ctx, id)
		return err
	})
	return rec, err
}

// MarkClicked keeps the time of the first attempt so a replayed click is
// stamped with when it actually arrived. If an attempt failed after its
// update had committed, the replay sees the record already clicked at exactly
// that time and reports the click as the one that changed it.
func (r *Retrying) MarkClicked(ctx context.Context, id string, at time.Time) (tracking.EmailRecord, bool, error) {
	at = at.Truncate(tracking.Precision)

	var (
		rec      tracking.EmailRecord
		changed  bool
		attempts int
	)
	err := r.do(ctx, func() (err error) {
		attempts++
		rec, changed, err = r.inner.MarkClicked(ctx, id, at)
		return err
	})
	if err != nil {
		return rec, changed, err
	}
	if !changed && attempts > 1 && rec.ClickedAt != nil && rec.ClickedAt.Equal(rec.ClickTime(at)) {
		changed = true
	}
	return rec, changed, nil
}

func (r *Retrying) List(ctx context.Context) ([]tracking.EmailRecord, error) {
	var out []tracking.EmailRecord
	err := r.do(ctx, func() (err error) {
		out, err = r.inner.List(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) Discard(ctx context.Context, id string) error {
	return r.do(ctx, func() error {
		return r.inner.Discard(ctx, id)
	})
}

func (r *Retrying) AppendClick(ctx context.Context, ev tracking.ClickEvent) error {
	return r.do(ctx, func() error {
		return r.inner.AppendClick(ctx, ev)
	})
}

func (r *Retrying) CountClicks(ctx context.Context, id string) (int, error) {
	var n int
	err := r.do(ctx, func() (err error) {
		n, err = r.inner.CountClicks(ctx, id)
		return err
	})
	return n, err
}

// CountStats forwards to the inner store's counter when it has one so the
// decorator does not hide the fast path from tracking.Aggregator.
func (r *Retrying) CountStats(ctx context.Context) (int, int, error) {
	var total, clicked int
	err := r.do(ctx, func() error {
		if sc, ok := r.inner.(tracking.StatsCounter); ok {
			var err error
			total, clicked, err = sc.CountStats(ctx)
			return err
		}
		recs, err := r.inner.List(ctx)
		if err != nil {
			return err
		}
		s := tracking.ComputeStats(recs)
		total, clicked = s.Total, s.ClickedCount
		return nil
	})
	return total, clicked, err
}
