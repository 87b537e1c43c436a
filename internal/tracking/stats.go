package tracking

import (
	"context"
	"fmt"
)

// AggregateStats is derived on every read, never stored.
type AggregateStats struct {
	Total        int
	ClickedCount int
	ClickRate    float64
}

// ComputeStats derives AggregateStats from a snapshot of records.
func ComputeStats(records []EmailRecord) AggregateStats {
	clicked := 0
	for _, r := range records {
		if r.Clicked {
			clicked++
		}
	}
	return newStats(len(records), clicked)
}

func newStats(total, clicked int) AggregateStats {
	s := AggregateStats{Total: total, ClickedCount: clicked}
	if total > 0 {
		s.ClickRate = float64(clicked) / float64(total)
	}
	return s
}

// Aggregator is the Statistics Aggregator. It holds no state of its own, so
// every Compute reflects the store as of the call.
type Aggregator struct {
	repo Repository
}

func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Compute returns the current totals. Stores implementing StatsCounter answer
// with a single counting query; others fall back to List.
func (a *Aggregator) Compute(ctx context.Context) (AggregateStats, error) {
	if sc, ok := a.repo.(StatsCounter); ok {
		total, clicked, err := sc.CountStats(ctx)
		if err != nil {
			return AggregateStats{}, fmt.Errorf("compute stats: %w", err)
		}
		return newStats(total, clicked), nil
	}

	records, err := a.repo.List(ctx)
	if err != nil {
		return AggregateStats{}, fmt.Errorf("compute stats: %w", err)
	}
	return ComputeStats(records), nil
}
