// Package store provides the tracking.Repository backends: an in-memory map,
// PostgreSQL (lib/pq), and MongoDB, plus a Retrying decorator that retries
// transient failures with exponential back-off.
//
// Dependency rule: store imports tracking only. It never imports api, worker,
// notify, or email.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Postgres is the durable Repository. Record operations live in postgres.go
// and the click log in clicks.go.
type Postgres struct {
	// pool is the shared connection pool. Single-statement operations run
	// directly on it; multi-step ones go through withTx.
	pool *sql.DB
	gen  tracking.IDGenerator
}

// NewPostgres creates a Postgres store from a live connection pool. The pool must
// already be open and verified (e.g. via PingContext) before calling it.
func NewPostgres(pool *sql.DB, gen tracking.IDGenerator) *Postgres {
	return &Postgres{pool: pool, gen: gen}
}

// txFunc receives the transaction. Returning a non-nil error causes withTx to
// roll back automatically.
type txFunc func(ctx context.Context, tx *sql.Tx) error

// withTx begins a transaction, passes it to fn, and commits on success or
// rolls back on any error (including panics).
//
// Serializable isolation is used because the multi-step operations here are
// read-then-write (check state, then delete). A serialization failure is
// classified as transient so the Retrying decorator can replay it.
func (s *Postgres) withTx(ctx context.Context, fn txFunc) error {
	tx, err := s.pool.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return classify("begin transaction", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// ─── ERROR CLASSIFICATION ────────────────────────────────────────────────────

// Postgres SQLSTATE codes this package reacts to.
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// classify maps driver errors onto the tracking error taxonomy. Unique
// violations become ErrDuplicateID; connection-level and serialization
// failures become TransientError; everything else is wrapped as-is.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqUniqueViolation:
			return fmt.Errorf("store: %s: %w", op, tracking.ErrDuplicateID)
		case pqErr.Code == pqSerializationFailure, pqErr.Code == pqDeadlockDetected:
			return tracking.Transient(op, err)
		case pqErr.Code.Class() == "08": // connection_exception
			return tracking.Transient(op, err)
		}
		return fmt.Errorf("store: %s: %w", op, err)
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return tracking.Transient(op, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
