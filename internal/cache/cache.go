// Package cache is the fail-soft estimate cache. Every implementation
// reports a miss or silently drops a write when its backing store is
// unreachable, so the estimator degrades to uncached resolution.
package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/headcount-cli/internal/store"
)

// KeyPrefix namespaces estimate keys in shared stores.
const KeyPrefix = "employee_count"

// Cache maps (entity, region) to a previously computed estimate.
type Cache interface {
	Get(ctx context.Context, entity, region string) (string, bool)
	Set(ctx context.Context, entity, region, value string, ttl time.Duration)
}

// Key builds the composite cache key. Entity and region are trimmed and
// case-folded so "ACME " and "acme" share an entry.
func Key(entity, region string) string {
	return KeyPrefix + ":" + fold(entity) + ":" + fold(region)
}

// fold builds a fresh Caser per call; Casers are stateful and not safe to share.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Nop never hits and discards writes.
type Nop struct{}

func (Nop) Get(context.Context, string, string) (string, bool)        { return "", false }
func (Nop) Set(context.Context, string, string, string, time.Duration) {}

// StoreCache backs the cache with the estimate_cache table of a store.
type StoreCache struct {
	st store.EstimateStore
}

// NewStoreCache wraps an EstimateStore.
func NewStoreCache(st store.EstimateStore) *StoreCache {
	return &StoreCache{st: st}
}

func (c *StoreCache) Get(ctx context.Context, entity, region string) (string, bool) {
	key := Key(entity, region)
	e, err := c.st.GetCachedEstimate(ctx, key)
	if err != nil {
		zap.L().Warn("cache: get failed, treating as miss", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if e == nil {
		return "", false
	}
	return e.Value, true
}

func (c *StoreCache) Set(ctx context.Context, entity, region, value string, ttl time.Duration) {
	key := Key(entity, region)
	if err := c.st.SetCachedEstimate(ctx, key, value, ttl); err != nil {
		zap.L().Warn("cache: set failed, skipping", zap.String("key", key), zap.Error(err))
	}
}
