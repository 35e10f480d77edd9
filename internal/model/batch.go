package model

import "time"

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// BatchState is the shared progress record for one batch.
type BatchState struct {
	ID        string      `json:"id"`
	Region    string      `json:"region"`
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Status    BatchStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ProgressPct returns processed/total as a percentage. An empty batch is 100%.
func (b BatchState) ProgressPct() float64 {
	if b.Total <= 0 {
		return 100
	}
	return float64(b.Processed) * 100 / float64(b.Total)
}

// CacheEntry is a stored estimate keyed by the (entity, region) composite key.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether now is past the entry's expiry. An entry is
// still served at exactly ExpiresAt.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
