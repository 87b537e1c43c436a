package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Publisher receives first-click events. The notify package provides Redis
// and in-process implementations; a nil Publisher disables publishing.
type Publisher interface {
	PublishClick(ctx context.Context, ev ClickEvent) error
}

// Recorder is the Click Recorder. It owns the timestamp source used for
// ClickedAt and delegates the state transition to Repository.MarkClicked.
type Recorder struct {
	repo   Repository
	pub    Publisher
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder constructs a Recorder using the wall clock in UTC.
func NewRecorder(repo Repository, pub Publisher, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		pub:    pub,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock replaces the timestamp source. Tests only.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// RecordClick marks id as clicked and reports which of the three outcomes
// occurred. Duplicate clicks and unknown ids are normal results, not errors;
// the returned error is reserved for store failures.
//
// The click log and the notification bus are best-effort: a failure there is
// logged but never changes the outcome, because the state transition has
// already been made durable.
func (r *Recorder) RecordClick(ctx context.Context, id string, meta ClickMeta) (ClickResult, error) {
	id = strings.TrimSpace(id)
	at := r.now()

	ev := ClickEvent{
		TrackingID: id,
		At:         at,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
		Device:     DetectDevice(meta.UserAgent),
	}

	if id == "" {
		ev.Status = ClickUnknownID
		r.logClick(ctx, ev)
		return ClickResult{Status: ClickUnknownID}, nil
	}

	rec, changed, err := r.repo.MarkClicked(ctx, id, at)
	switch {
	case errors.Is(err, ErrNotFound):
		ev.Status = ClickUnknownID
		r.logClick(ctx, ev)
		return ClickResult{Status: ClickUnknownID}, nil
	case err != nil:
		return ClickResult{}, fmt.Errorf("record click %q: %w", id, err)
	}

	result := ClickResult{Status: ClickAlreadyRecorded, Record: rec}
	if changed {
		result.Status = ClickRecorded
		ev.At = *rec.ClickedAt
	}
	ev.Status = result.Status
	r.logClick(ctx, ev)

	if changed && r.pub != nil {
		if err := r.pub.PublishClick(ctx, ev); err != nil {
			r.logger.Warn("recorder: publish click failed", "tracking_id", id, "error", err)
		}
	}

	r.logger.Info("recorder: click",
		"tracking_id", id,
		"status", result.Status,
		"device", ev.Device,
	)
	return result, nil
}

func (r *Recorder) logClick(ctx context.Context, ev ClickEvent) {
	if err := r.repo.AppendClick(ctx, ev); err != nil {
		r.logger.Warn("recorder: append click log failed",
			"tracking_id", ev.TrackingID,
			"status", ev.Status,
			"error", err,
		)
	}
}
