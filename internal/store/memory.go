package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Memory is a process-local Repository. It is the default when no database is
// configured and the backend used by most tests. A single RWMutex serialises
// writers, which is enough to make MarkClicked linearizable per id.
type Memory struct {
	gen tracking.IDGenerator

	mu      sync.RWMutex
	records map[string]tracking.EmailRecord
	clicks  []tracking.ClickEvent
}

// NewMemory returns an empty store that mints ids with gen.
func NewMemory(gen tracking.IDGenerator) *Memory {
	return &Memory{
		gen:     gen,
		records: make(map[string]tracking.EmailRecord),
	}
}

func (m *Memory) Create(_ context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	in, err := in.Normalize()
	if err != nil {
		return tracking.EmailRecord{}, err
	}

	rec, err := tracking.CreateRecord(m.gen, in, func(in tracking.NewEmail) (tracking.EmailRecord, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, exists := m.records[in.ID]; exists {
			if existing.Matches(in) {
				return existing.Clone(), nil
			}
			return tracking.EmailRecord{}, tracking.ErrDuplicateID
		}
		rec := tracking.EmailRecord{
			ID:        in.ID,
			Recipient: in.Recipient,
			Subject:   in.Subject,
			SentAt:    in.SentAt,
		}
		m.records[in.ID] = rec
		return rec, nil
	})
	if err != nil {
		return tracking.EmailRecord{}, fmt.Errorf("memory: create: %w", err)
	}
	return rec, nil
}

func (m *Memory) Get(_ context.Context, id string) (tracking.EmailRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return tracking.EmailRecord{}, tracking.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) MarkClicked(_ context.Context, id string, at time.Time) (tracking.EmailRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return tracking.EmailRecord{}, false, tracking.ErrNotFound
	}
	if rec.Clicked {
		return rec.Clone(), false, nil
	}

	clickedAt := rec.ClickTime(at)
	rec.Clicked = true
	rec.ClickedAt = &clickedAt
	m.records[id] = rec
	return rec.Clone(), true, nil
}

func (m *Memory) List(_ context.Context) ([]tracking.EmailRecord, error) {
	m.mu.RLock()
	out := make([]tracking.EmailRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

func (m *Memory) Discard(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return tracking.ErrNotFound
	}
	if rec.Clicked {
		return tracking.ErrAlreadyClicked
	}
	delete(m.records, id)
	return nil
}

func (m *Memory) AppendClick(_ context.Context, ev tracking.ClickEvent) error {
	m.mu.Lock()
	m.clicks = append(m.clicks, ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) CountClicks(_ context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, ev := range m.clicks {
		if ev.TrackingID == id && ev.Status != tracking.ClickUnknownID {
			n++
		}
	}
	return n, nil
}

// CountStats counts under one read lock, so the pair is a consistent snapshot.
func (m *Memory) CountStats(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clicked := 0
	for _, rec := range m.records {
		if rec.Clicked {
			clicked++
		}
	}
	return len(m.records), clicked, nil
}

// sortNewestFirst orders by SentAt descending, then id for a stable result.
func sortNewestFirst(recs []tracking.EmailRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].SentAt.Equal(recs[j].SentAt) {
			return recs[i].SentAt.After(recs[j].SentAt)
		}
		return recs[i].ID > recs[j].ID
	})
}
