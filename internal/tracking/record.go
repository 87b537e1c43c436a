// Package tracking holds the click-tracking domain: the EmailRecord model, the
// tracking identifier generators, the click recorder, and the statistics
// aggregator. It has no knowledge of HTTP, SQL or mail transports. Storage
// backends implement Repository and live in the store package.
//
// Dependency rule: tracking imports no other internal package.
package tracking

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ─── MODEL ───────────────────────────────────────────────────────────────────

// EmailRecord is one tracked send. Everything except Clicked and ClickedAt is
// fixed at creation time.
type EmailRecord struct {
	ID        string
	Recipient string
	Subject   string
	SentAt    time.Time

	// Clicked flips false → true exactly once. ClickedAt is nil until then.
	Clicked   bool
	ClickedAt *time.Time
}

// Clone returns a deep copy so callers never share the ClickedAt pointer with
// a store's internal state.
func (r EmailRecord) Clone() EmailRecord {
	if r.ClickedAt != nil {
		t := *r.ClickedAt
		r.ClickedAt = &t
	}
	return r
}

// Precision is the coarsest timestamp resolution among the stores (Mongo keeps
// milliseconds). Times are truncated to it before they are written so a record
// reads back exactly as it was returned.
const Precision = time.Millisecond

// NewEmail is the input to Repository.Create.
type NewEmail struct {
	// ID, when set, is used as the tracking id instead of minting one. Creating
	// the same ID twice with the same content returns the stored record, which
	// makes a replayed insert harmless. The same ID with different content is
	// ErrDuplicateID.
	ID string

	Recipient string
	Subject   string
	// SentAt defaults to the store's clock when zero.
	SentAt time.Time
}

// Normalize trims whitespace, truncates SentAt to Precision and validates the
// required fields. The recipient must be a bare address such as a@x.com. Every store calls it before persisting so the rule lives in
// one place. It is idempotent.
func (n NewEmail) Normalize() (NewEmail, error) {
	n.Recipient = strings.TrimSpace(n.Recipient)
	n.Subject = strings.TrimSpace(n.Subject)

	if n.Recipient == "" {
		return n, fmt.Errorf("%w: recipient is required", ErrValidation)
	}
	if addr, err := mail.ParseAddress(n.Recipient); err != nil || addr.Address != n.Recipient {
		return n, fmt.Errorf("%w: recipient %q is not an email address", ErrValidation, n.Recipient)
	}
	if n.Subject == "" {
		return n, fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	n.SentAt = n.SentAt.Truncate(Precision)
	return n, nil
}

// Matches reports whether r is what creating n would have stored. Stores use
// it to tell a replayed insert of their own record from an id collision.
func (r EmailRecord) Matches(n NewEmail) bool {
	return r.ID == n.ID &&
		r.Recipient == n.Recipient &&
		r.Subject == n.Subject &&
		r.SentAt.Equal(n.SentAt)
}

// ClickTime clamps at so that SentAt <= ClickedAt always holds, even when the
// recorder's clock is slightly behind the clock that stamped SentAt.
func (r EmailRecord) ClickTime(at time.Time) time.Time {
	if at.Before(r.SentAt) {
		return r.SentAt
	}
	return at
}

// ─── REPOSITORY ──────────────────────────────────────────────────────────────

// Repository is the Email Record Store contract. Implementations must make
// every mutation durable before returning and must serialise MarkClicked per
// id so the false → true transition happens at most once.
type Repository interface {
	// Create mints a tracking id and persists a new unclicked record.
	// Returns ErrValidation for an empty recipient or subject.
	Create(ctx context.Context, in NewEmail) (EmailRecord, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id string) (EmailRecord, error)

	// MarkClicked sets Clicked and ClickedAt if the record is unclicked and
	// reports changed=true. An already-clicked record is returned unchanged
	// with changed=false. Unknown ids return ErrNotFound.
	MarkClicked(ctx context.Context, id string, at time.Time) (rec EmailRecord, changed bool, err error)

	// List returns every record, newest SentAt first.
	List(ctx context.Context) ([]EmailRecord, error)

	// Discard removes an unclicked record. It exists only so a failed send can
	// be rolled back; a clicked record returns ErrAlreadyClicked.
	Discard(ctx context.Context, id string) error

	// AppendClick writes one entry to the click log. Every attempt is logged,
	// including duplicates and unknown ids.
	AppendClick(ctx context.Context, ev ClickEvent) error

	// CountClicks returns the number of logged clicks that correlated to id
	// (first plus duplicates). Zero for an id with no log entries.
	CountClicks(ctx context.Context, id string) (int, error)
}

// StatsCounter is implemented by stores that can count totals without
// loading every record. Aggregator uses it when available.
type StatsCounter interface {
	CountStats(ctx context.Context) (total, clicked int, err error)
}
