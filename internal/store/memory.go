package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/headcount-cli/internal/model"
)

// MemoryStore is a process-local Store. State is lost on exit, so it
// suits single-run CLI invocations and tests.
type MemoryStore struct {
	mu      sync.Mutex
	cache   map[string]model.CacheEntry
	batches map[string]*model.BatchState
	results map[string]map[int]model.EstimateResult
	now     func() time.Time
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		cache:   make(map[string]model.CacheEntry),
		batches: make(map[string]*model.BatchState),
		results: make(map[string]map[int]model.EstimateResult),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) GetCachedEstimate(_ context.Context, key string) (*model.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok || e.Expired(m.now()) {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) SetCachedEstimate(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.cache[key] = model.CacheEntry{Key: key, Value: value, CachedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryStore) DeleteExpiredEstimates(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.cache {
		if e.Expired(now) {
			delete(m.cache, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateBatch(_ context.Context, state model.BatchState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[state.ID]; ok {
		return eris.Errorf("memory: batch %s already exists", state.ID)
	}
	now := m.now()
	if state.StartedAt.IsZero() {
		state.StartedAt = now
	}
	if state.Status == "" {
		state.Status = model.BatchProcessing
	}
	state.UpdatedAt = now
	m.batches[state.ID] = &state
	m.results[state.ID] = make(map[int]model.EstimateResult)
	return nil
}

func (m *MemoryStore) GetBatch(_ context.Context, id string) (*model.BatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get batch %s", id)
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) IncrementProcessed(_ context.Context, id string) (*model.BatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: increment processed %s", id)
	}
	b.Processed++
	b.UpdatedAt = m.now()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) SetBatchStatus(_ context.Context, id string, status model.BatchStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || b.Status != model.BatchProcessing {
		return eris.Wrapf(ErrInvalidTransition, "batch %s", id)
	}
	b.Status = status
	b.Error = errMsg
	b.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) AppendResults(_ context.Context, id string, offset int, results []model.EstimateResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.results[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "memory: append results %s", id)
	}
	for i, r := range results {
		pos := offset + i
		if _, dup := rs[pos]; dup {
			return eris.Errorf("memory: result %s/%d already stored", id, pos)
		}
		rs[pos] = r
	}
	return nil
}

func (m *MemoryStore) ListResults(_ context.Context, id string) ([]model.EstimateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs := m.results[id]
	positions := make([]int, 0, len(rs))
	for p := range rs {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	out := make([]model.EstimateResult, 0, len(positions))
	for _, p := range positions {
		out = append(out, rs[p])
	}
	return out, nil
}

func (m *MemoryStore) ListBatches(_ context.Context, since time.Time) ([]model.BatchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BatchState, 0, len(m.batches))
	for _, b := range m.batches {
		if !b.StartedAt.Before(since) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteBatchesBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.batches {
		if b.UpdatedAt.Before(cutoff) {
			delete(m.batches, id)
			delete(m.results, id)
			n++
		}
	}
	return n, nil
}
