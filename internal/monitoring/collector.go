package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ingestion health.
type MetricsSnapshot struct {
	RunsTotal      int     `json:"runs_total"`
	RunsComplete   int     `json:"runs_complete"`
	RunsUnverified int     `json:"runs_unverified"`
	RunsFailed     int     `json:"runs_failed"`
	RunsInFlight   int     `json:"runs_in_flight"`
	FailRate       float64 `json:"fail_rate"`

	// Batches whose latest run did not verify, keyed platform/filename.
	UnverifiedBatches []string `json:"unverified_batches,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLister is the slice of store.Store the collector reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Collector gathers metrics from the run log.
type Collector struct {
	store RunLister
}

// NewCollector creates a new metrics collector.
func NewCollector(st RunLister) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Runs arrive newest first; only a batch's latest run counts toward
	// the unverified list so a successful re-run clears it.
	seen := make(map[string]bool)
	snap.RunsTotal = len(runs)
	for _, r := range runs {
		key := r.Batch.Key()
		latest := !seen[key]
		seen[key] = true

		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusUnverified:
			snap.RunsUnverified++
			if latest {
				snap.UnverifiedBatches = append(snap.UnverifiedBatches, key)
			}
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusQueued, model.RunStatusRunning:
			snap.RunsInFlight++
		}
	}

	finished := snap.RunsComplete + snap.RunsUnverified + snap.RunsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	return snap, nil
}
