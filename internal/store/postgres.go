package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Schema is applied by Migrate. It is idempotent so it can run on every boot.
const Schema = `
CREATE TABLE IF NOT EXISTS emails (
	id          TEXT        PRIMARY KEY,
	recipient   TEXT        NOT NULL,
	subject     TEXT        NOT NULL,
	sent_at     TIMESTAMPTZ NOT NULL,
	clicked     BOOLEAN     NOT NULL DEFAULT FALSE,
	clicked_at  TIMESTAMPTZ,
	CONSTRAINT emails_clicked_at_chk CHECK (clicked = (clicked_at IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS emails_sent_at_idx ON emails (sent_at DESC);

CREATE TABLE IF NOT EXISTS click_events (
	id           BIGSERIAL   PRIMARY KEY,
	tracking_id  TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	clicked_at   TIMESTAMPTZ NOT NULL,
	ip_address   INET,
	user_agent   TEXT,
	device       TEXT
);

CREATE INDEX IF NOT EXISTS click_events_tracking_id_idx ON click_events (tracking_id);
`

// Migrate creates the tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.ExecContext(ctx, Schema); err != nil {
		return classify("migrate", err)
	}
	return nil
}

const recordColumns = `id, recipient, subject, sent_at, clicked, clicked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (tracking.EmailRecord, error) {
	var (
		rec       tracking.EmailRecord
		clickedAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.Recipient, &rec.Subject, &rec.SentAt, &rec.Clicked, &clickedAt); err != nil {
		return tracking.EmailRecord{}, err
	}
	rec.SentAt = rec.SentAt.UTC()
	if clickedAt.Valid {
		t := clickedAt.Time.UTC()
		rec.ClickedAt = &t
	}
	return rec, nil
}

// ─── METHODS ─────────────────────────────────────────────────────────────────

func (s *Postgres) Create(ctx context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	in, err := in.Normalize()
	if err != nil {
		return tracking.EmailRecord{}, err
	}

	return tracking.CreateRecord(s.gen, in, func(in tracking.NewEmail) (tracking.EmailRecord, error) {
		return s.insertEmail(ctx, in)
	})
}

// insertEmail is idempotent per id: a row already holding the same content is
// treated as this insert having landed earlier, for instance before a dropped
// connection hid the commit.
func (s *Postgres) insertEmail(ctx context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	res, err := s.pool.ExecContext(ctx,
		`INSERT INTO emails (id, recipient, subject, sent_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		in.ID, in.Recipient, in.Subject, in.SentAt,
	)
	if err != nil {
		return tracking.EmailRecord{}, classify("insert email", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tracking.EmailRecord{}, classify("insert email", err)
	}
	if n == 1 {
		return tracking.EmailRecord{
			ID:        in.ID,
			Recipient: in.Recipient,
			Subject:   in.Subject,
			SentAt:    in.SentAt,
		}, nil
	}

	existing, err := s.Get(ctx, in.ID)
	if err != nil {
		return tracking.EmailRecord{}, err
	}
	if !existing.Matches(in) {
		return tracking.EmailRecord{}, tracking.ErrDuplicateID
	}
	return existing, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (tracking.EmailRecord, error) {
	rec, err := scanRecord(s.pool.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM emails WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.EmailRecord{}, tracking.ErrNotFound
	}
	if err != nil {
		return tracking.EmailRecord{}, classify("get email", err)
	}
	return rec, nil
}

// MarkClicked relies on the conditional UPDATE being atomic: Postgres takes a
// row lock, and a concurrent updater re-evaluates "NOT clicked" after the
// winner commits and matches zero rows. The loser then reads the winner's
// committed record.
func (s *Postgres) MarkClicked(ctx context.Context, id string, at time.Time) (tracking.EmailRecord, bool, error) {
	rec, err := scanRecord(s.pool.QueryRowContext(ctx, `
		UPDATE emails
		   SET clicked = TRUE, clicked_at = GREATEST($2::timestamptz, sent_at)
		 WHERE id = $1 AND NOT clicked
		RETURNING `+recordColumns, id, at))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return tracking.EmailRecord{}, false, classify("mark clicked", err)
	}

	// Zero rows: either unknown id or already clicked.
	rec, err = s.Get(ctx, id)
	if err != nil {
		return tracking.EmailRecord{}, false, err
	}
	return rec, false, nil
}

func (s *Postgres) List(ctx context.Context) ([]tracking.EmailRecord, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM emails ORDER BY sent_at DESC, id DESC`)
	if err != nil {
		return nil, classify("list emails", err)
	}
	defer rows.Close()

	var out []tracking.EmailRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify("scan email", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list emails", err)
	}
	return out, nil
}

// Discard deletes an unclicked record. The delete and the follow-up existence
// check share a serializable transaction so a click landing in between cannot
// be misreported as ErrNotFound.
func (s *Postgres) Discard(ctx context.Context, id string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM emails WHERE id = $1 AND NOT clicked`, id)
		if err != nil {
			return classify("discard email", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return classify("discard email", err)
		}
		if n == 1 {
			return nil
		}

		var clicked bool
		err = tx.QueryRowContext(ctx, `SELECT clicked FROM emails WHERE id = $1`, id).Scan(&clicked)
		if errors.Is(err, sql.ErrNoRows) {
			return tracking.ErrNotFound
		}
		if err != nil {
			return classify("discard email", err)
		}
		return fmt.Errorf("discard %q: %w", id, tracking.ErrAlreadyClicked)
	})
}

// CountStats answers both counts from one statement, so they come from the
// same snapshot.
func (s *Postgres) CountStats(ctx context.Context) (int, int, error) {
	var total, clicked int
	err := s.pool.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE clicked) FROM emails`,
	).Scan(&total, &clicked)
	if err != nil {
		return 0, 0, classify("count stats", err)
	}
	return total, clicked, nil
}
