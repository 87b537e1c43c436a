package store_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/click-tracker-backend/internal/store"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

var recordCols = []string{"id", "recipient", "subject", "sent_at", "clicked", "clicked_at"}

func setupPostgres(t *testing.T) (*store.Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return store.NewPostgres(db, tracking.NewSequenceGenerator("T")), mock
}

func TestPostgres_CreateInsertsRecord(t *testing.T) {
	pg, mock := setupPostgres(t)
	sent := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO emails")).
		WithArgs("T1", "a@x.com", "Hi", sent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := pg.Create(context.Background(), tracking.NewEmail{Recipient: " a@x.com ", Subject: "Hi", SentAt: sent})
	require.NoError(t, err)
	assert.Equal(t, "T1", rec.ID)
	assert.Equal(t, "a@x.com", rec.Recipient)
	assert.False(t, rec.Clicked)
}

func TestPostgres_CreateRetriesUniqueViolation(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO emails")).
		WithArgs("T1", "a@x.com", "Hi", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO emails")).
		WithArgs("T2", "a@x.com", "Hi", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := pg.Create(context.Background(), tracking.NewEmail{Recipient: "a@x.com", Subject: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "T2", rec.ID)
}

func TestPostgres_CreateConflictWithOtherRecordDrawsNewID(t *testing.T) {
	pg, mock := setupPostgres(t)
	sent := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WithArgs("T1", "a@x.com", "Hi", sent).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("T1", "other@x.com", "Other", sent, false, nil))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WithArgs("T2", "a@x.com", "Hi", sent).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := pg.Create(context.Background(), tracking.NewEmail{Recipient: "a@x.com", Subject: "Hi", SentAt: sent})
	require.NoError(t, err)
	assert.Equal(t, "T2", rec.ID)
}

func TestPostgres_CreateWithIDIsIdempotent(t *testing.T) {
	pg, mock := setupPostgres(t)
	sent := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	// The row is already there from an attempt whose commit was not observed.
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
		WithArgs("X1", "a@x.com", "Hi", sent).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("X1").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("X1", "a@x.com", "Hi", sent, false, nil))

	rec, err := pg.Create(context.Background(), tracking.NewEmail{ID: "X1", Recipient: "a@x.com", Subject: "Hi", SentAt: sent})
	require.NoError(t, err)
	assert.Equal(t, "X1", rec.ID)
	assert.True(t, rec.SentAt.Equal(sent))
}

func TestPostgres_CreateValidatesBeforeTouchingDB(t *testing.T) {
	pg, _ := setupPostgres(t)
	_, err := pg.Create(context.Background(), tracking.NewEmail{Recipient: "a@x.com"})
	assert.ErrorIs(t, err, tracking.ErrValidation)
}

func TestPostgres_MarkClickedFirstClick(t *testing.T) {
	pg, mock := setupPostgres(t)
	sent := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	at := sent.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE emails")).
		WithArgs("T1", at).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("T1", "a@x.com", "Hi", sent, true, at))

	rec, changed, err := pg.MarkClicked(context.Background(), "T1", at)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, rec.ClickedAt)
	assert.True(t, rec.ClickedAt.Equal(at))
}

func TestPostgres_MarkClickedAlreadyClicked(t *testing.T) {
	pg, mock := setupPostgres(t)
	sent := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	first := sent.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE emails")).
		WithArgs("T1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("T1", "a@x.com", "Hi", sent, true, first))

	rec, changed, err := pg.MarkClicked(context.Background(), "T1", first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, rec.ClickedAt.Equal(first))
}

func TestPostgres_MarkClickedUnknownID(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE emails")).
		WithArgs("missing", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(recordCols))

	_, _, err := pg.MarkClicked(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, tracking.ErrNotFound)
}

func TestPostgres_GetClassifiesTransientErrors(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("T1").
		WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("T1").
		WillReturnError(&pq.Error{Code: "08006"})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WithArgs("T1").
		WillReturnError(&pq.Error{Code: "42P01"})

	_, err := pg.Get(context.Background(), "T1")
	assert.True(t, tracking.IsTransient(err), "serialization failure: %v", err)
	_, err = pg.Get(context.Background(), "T1")
	assert.True(t, tracking.IsTransient(err), "connection failure: %v", err)
	_, err = pg.Get(context.Background(), "T1")
	assert.False(t, tracking.IsTransient(err), "undefined table is permanent: %v", err)
}

func TestPostgres_ListScansRows(t *testing.T) {
	pg, mock := setupPostgres(t)
	t1 := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)
	t0 := t1.Add(-time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, recipient")).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("T2", "b@x.com", "B", t1, false, nil).
			AddRow("T1", "a@x.com", "A", t0, true, t1))

	recs, err := pg.List(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Nil(t, recs[0].ClickedAt)
	require.NotNil(t, recs[1].ClickedAt)
	assert.True(t, recs[1].ClickedAt.Equal(t1))
}

func TestPostgres_DiscardUnclicked(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM emails")).
		WithArgs("T1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, pg.Discard(context.Background(), "T1"))
}

func TestPostgres_DiscardClickedRollsBack(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM emails")).
		WithArgs("T1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT clicked FROM emails")).
		WithArgs("T1").
		WillReturnRows(sqlmock.NewRows([]string{"clicked"}).AddRow(true))
	mock.ExpectRollback()

	err := pg.Discard(context.Background(), "T1")
	assert.ErrorIs(t, err, tracking.ErrAlreadyClicked)
}

func TestPostgres_CountStats(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*), COUNT(*) FILTER (WHERE clicked) FROM emails")).
		WillReturnRows(sqlmock.NewRows([]string{"total", "clicked"}).AddRow(3, 1))

	total, clicked, err := pg.CountStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 1, clicked)
}

func TestPostgres_AppendClick(t *testing.T) {
	pg, mock := setupPostgres(t)
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO click_events")).
		WithArgs("T1", "recorded", at, sqlmock.AnyArg(), "Mozilla/5.0", "desktop").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := pg.AppendClick(context.Background(), tracking.ClickEvent{
		TrackingID: "T1",
		Status:     tracking.ClickRecorded,
		At:         at,
		IPAddress:  "203.0.113.7",
		UserAgent:  "Mozilla/5.0",
		Device:     "desktop",
	})
	require.NoError(t, err)
}

func TestPostgres_CountClicks(t *testing.T) {
	pg, mock := setupPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM click_events")).
		WithArgs("T1", "unknown-id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := pg.CountClicks(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
