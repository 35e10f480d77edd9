// Package monitoring watches batch health and posts webhook alerts.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchesTotal      int     `json:"batches_total"`
	BatchesCompleted  int     `json:"batches_completed"`
	BatchesFailed     int     `json:"batches_failed"`
	BatchesProcessing int     `json:"batches_processing"`
	BatchFailRate     float64 `json:"batch_fail_rate"`
	EntitiesProcessed int     `json:"entities_processed"`

	// Stalled lists PROCESSING batches with no progress within the stall window.
	Stalled []string `json:"stalled,omitempty"`

	// OpenCircuits lists backends whose breaker is not closed.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// BatchLister abstracts the store method needed by the collector.
type BatchLister interface {
	ListBatches(ctx context.Context, since time.Time) ([]model.BatchState, error)
}

// BreakerStates abstracts the circuit breaker registry.
type BreakerStates interface {
	States() map[string]resilience.CircuitState
}

// Collector gathers metrics from the batch store and breaker registry.
type Collector struct {
	store    BatchLister
	breakers BreakerStates
	stall    time.Duration
	now      func() time.Time
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(st BatchLister, breakers BreakerStates, stall time.Duration) *Collector {
	return &Collector{store: st, breakers: breakers, stall: stall, now: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	batches, err := c.store.ListBatches(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	snap.BatchesTotal = len(batches)
	for _, b := range batches {
		snap.EntitiesProcessed += b.Processed
		switch b.Status {
		case model.BatchCompleted:
			snap.BatchesCompleted++
		case model.BatchFailed:
			snap.BatchesFailed++
		case model.BatchProcessing:
			snap.BatchesProcessing++
			if c.stall > 0 && now.Sub(b.UpdatedAt) > c.stall {
				snap.Stalled = append(snap.Stalled, b.ID)
			}
		}
	}

	if finished := snap.BatchesCompleted + snap.BatchesFailed; finished > 0 {
		snap.BatchFailRate = float64(snap.BatchesFailed) / float64(finished)
	}

	if c.breakers != nil {
		for name, st := range c.breakers.States() {
			if st != resilience.CircuitClosed {
				snap.OpenCircuits = append(snap.OpenCircuits, name)
			}
		}
		sort.Strings(snap.OpenCircuits)
	}

	return snap, nil
}
