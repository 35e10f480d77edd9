// Package store persists the shared pipeline state: the estimate cache,
// batch progress records and per-batch results.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/model"
)

var (
	// ErrNotFound is returned when a batch id is unknown.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidTransition is returned when a batch status change is
	// attempted on a batch that is missing or no longer PROCESSING.
	ErrInvalidTransition = eris.New("store: batch not found or not processing")
)

// EstimateStore is the key-value side of the store: cached estimates with a TTL.
type EstimateStore interface {
	// GetCachedEstimate returns the live entry for key, or nil when the key
	// is absent or expired.
	GetCachedEstimate(ctx context.Context, key string) (*model.CacheEntry, error)
	SetCachedEstimate(ctx context.Context, key, value string, ttl time.Duration) error
	DeleteExpiredEstimates(ctx context.Context) (int, error)
}

// BatchStore holds batch progress records and their ordered results.
type BatchStore interface {
	CreateBatch(ctx context.Context, state model.BatchState) error
	GetBatch(ctx context.Context, id string) (*model.BatchState, error)
	// IncrementProcessed adds one to the processed counter and returns the
	// updated record.
	IncrementProcessed(ctx context.Context, id string) (*model.BatchState, error)
	// SetBatchStatus moves a PROCESSING batch to a terminal status.
	SetBatchStatus(ctx context.Context, id string, status model.BatchStatus, errMsg string) error
	// AppendResults stores results at positions offset, offset+1, ...
	AppendResults(ctx context.Context, id string, offset int, results []model.EstimateResult) error
	// ListResults returns a batch's results ordered by position.
	ListResults(ctx context.Context, id string) ([]model.EstimateResult, error)
	// ListBatches returns batches started at or after since, newest first.
	ListBatches(ctx context.Context, since time.Time) ([]model.BatchState, error)
	// DeleteBatchesBefore removes batches (and their results) last updated before cutoff.
	DeleteBatchesBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is the full persistence interface.
type Store interface {
	EstimateStore
	BatchStore

	Migrate(ctx context.Context) error
	Close() error
}

func marshalResult(r model.EstimateResult) ([]byte, error) {
	data, err := json.Marshal(r)
	return data, eris.Wrap(err, "store: marshal result")
}

func unmarshalResult(data []byte) (model.EstimateResult, error) {
	var r model.EstimateResult
	err := json.Unmarshal(data, &r)
	return r, eris.Wrap(err, "store: unmarshal result")
}
