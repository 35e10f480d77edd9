// Package estimate resolves one entity's headcount: cache lookup, the
// backend fallback chain with retries, normalization and optional review.
package estimate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/backend"
	"github.com/sells-group/headcount-cli/internal/cache"
	"github.com/sells-group/headcount-cli/internal/cost"
	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/resilience"
)

// Explanations used for non-success outcomes.
const (
	ExplainEmptyEntity = "empty entity name"
	ExplainNoData      = "No data available"
	ExplainCancelled   = "cancelled before a backend answered"
)

// Resolver is the contract the batch orchestrator drives.
type Resolver interface {
	Resolve(ctx context.Context, q model.EntityQuery) model.EstimateResult
}

// Estimator implements Resolver.
type Estimator struct {
	cache       cache.Cache
	chain       []backend.Backend
	norm        Normalizer
	reviewer    Reviewer
	retry       resilience.RetryConfig
	callTimeout time.Duration
	ttl         time.Duration
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n Normalizer) Option { return func(e *Estimator) { e.norm = n } }

// WithReviewer enables a second review pass.
func WithReviewer(r Reviewer) Option { return func(e *Estimator) { e.reviewer = r } }

// WithRetry sets the per-backend retry policy.
func WithRetry(cfg resilience.RetryConfig) Option { return func(e *Estimator) { e.retry = cfg } }

// WithCallTimeout bounds a single backend call.
func WithCallTimeout(d time.Duration) Option { return func(e *Estimator) { e.callTimeout = d } }

// WithTTL sets how long successful estimates stay cached.
func WithTTL(d time.Duration) Option { return func(e *Estimator) { e.ttl = d } }

// New builds an Estimator over an ordered backend chain. A nil cache
// disables caching.
func New(c cache.Cache, chain []backend.Backend, opts ...Option) *Estimator {
	if c == nil {
		c = cache.Nop{}
	}
	e := &Estimator{
		cache:       c,
		chain:       chain,
		norm:        DefaultNormalizer(),
		retry:       resilience.DefaultRetryConfig(),
		callTimeout: 60 * time.Second,
		ttl:         24 * time.Hour,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// cachedValue is the JSON stored in the cache.
type cachedValue struct {
	Count       int              `json:"count"`
	Confidence  model.Confidence `json:"confidence"`
	Sources     []string         `json:"sources,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	Raw         string           `json:"raw,omitempty"`
}

// Resolve never fails: every outcome, including backend exhaustion and
// cancellation, is reported through the result's status.
func (e *Estimator) Resolve(ctx context.Context, q model.EntityQuery) model.EstimateResult {
	name := strings.TrimSpace(q.Name)
	if name == "" {
		return model.Failed(q.Name, model.StatusError, ExplainEmptyEntity)
	}
	log := zap.L().With(zap.String("entity", name), zap.String("region", q.Region))

	if v, ok := e.cache.Get(ctx, name, q.Region); ok {
		if r, ok := e.fromCache(q.Name, v); ok {
			log.Debug("estimate cache hit")
			return r
		}
		log.Warn("estimate cache value unreadable, ignoring")
	}

	resp, err := e.queryChain(ctx, name, q.Region)
	if err != nil {
		status := model.StatusError
		switch {
		case ctx.Err() != nil:
			return model.Failed(q.Name, model.StatusError, ExplainCancelled)
		case resilience.IsRateLimited(err):
			status = model.StatusRateLimited
		}
		log.Warn("all backends failed", zap.String("status", string(status)), zap.Error(err))
		return model.Failed(q.Name, status, err.Error())
	}

	n := e.norm.Normalize(resp.Raw)
	switch n.Status {
	case model.StatusNoData:
		return model.Failed(q.Name, model.StatusNoData, ExplainNoData, resp.Sources...)
	case model.StatusSuccess:
	default:
		return model.Failed(q.Name, model.StatusError, resp.Raw, resp.Sources...)
	}

	result := model.Succeeded(q.Name, n.Count, n.Confidence, resp.Evidence, resp.Sources...)
	result = e.review(ctx, q, result, resp.Evidence)

	e.store(ctx, name, q.Region, result, resp.Raw)
	return result
}

// queryChain walks the backends in order. Retryable failures are retried
// with backoff before moving on; a permanent failure or an open circuit
// moves on at once.
func (e *Estimator) queryChain(ctx context.Context, entity, region string) (backend.Response, error) {
	if len(e.chain) == 0 {
		return backend.Response{}, eris.New("estimate: no backends configured")
	}

	var lastErr error
	for _, b := range e.chain {
		if ctx.Err() != nil {
			return backend.Response{}, ctx.Err()
		}

		cfg := e.retry
		cfg.ShouldRetry = func(err error) bool {
			return resilience.Retryable(err) && !errors.Is(err, resilience.ErrCircuitOpen)
		}
		cfg.OnRetry = resilience.RetryLogger(b.Name(), "query")

		resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (backend.Response, error) {
			return e.call(ctx, b, entity, region)
		})
		if ctx.Err() != nil {
			// The caller is gone; whatever came back is discarded.
			return backend.Response{}, ctx.Err()
		}
		if err == nil {
			if l := cost.LedgerFrom(ctx); l != nil {
				l.Add(b.Name(), resp.CostUSD)
			}
			return resp, nil
		}
		zap.L().Info("backend failed, falling through",
			zap.String("backend", b.Name()),
			zap.String("entity", entity),
			zap.String("kind", resilience.Classify(err).String()),
			zap.Error(err),
		)
		lastErr = err
	}
	return backend.Response{}, lastErr
}

// call runs one attempt. The call is detached from ctx cancellation so an
// in-flight request completes; queryChain drops its result if ctx is done.
func (e *Estimator) call(ctx context.Context, b backend.Backend, entity, region string) (backend.Response, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
	defer cancel()
	return b.Query(callCtx, entity, region)
}

func (e *Estimator) review(ctx context.Context, q model.EntityQuery, r model.EstimateResult, evidence string) model.EstimateResult {
	if e.reviewer == nil {
		return r
	}
	reviewed, err := e.reviewer.Review(ctx, q, r, evidence)
	if err != nil {
		zap.L().Warn("review failed, keeping first-pass result", zap.String("entity", q.Name), zap.Error(err))
		return r
	}
	if _, ok := model.ParseConfidence(string(reviewed.Confidence)); !ok || reviewed.Status != model.StatusSuccess || !reviewed.Valid() {
		zap.L().Warn("review returned an invalid result, keeping first-pass result", zap.String("entity", q.Name))
		return r
	}
	if r.Confidence.Less(reviewed.Confidence) {
		reviewed.Confidence = r.Confidence
	}
	return reviewed
}

func (e *Estimator) store(ctx context.Context, entity, region string, r model.EstimateResult, raw string) {
	data, err := json.Marshal(cachedValue{
		Count:       *r.Count,
		Confidence:  r.Confidence,
		Sources:     r.Sources,
		Explanation: r.Explanation,
		Raw:         raw,
	})
	if err != nil {
		return
	}
	e.cache.Set(context.WithoutCancel(ctx), entity, region, string(data), e.ttl)
}

// fromCache rebuilds a SUCCESS result. Values written before the JSON
// format are bare answers and go through the normalizer with MEDIUM
// confidence.
func (e *Estimator) fromCache(entity, v string) (model.EstimateResult, bool) {
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		var cv cachedValue
		if err := json.Unmarshal([]byte(v), &cv); err != nil || cv.Count < 0 {
			return model.EstimateResult{}, false
		}
		conf := cv.Confidence
		if _, ok := model.ParseConfidence(string(conf)); !ok {
			conf = model.ConfidenceMedium
		}
		return model.Succeeded(entity, cv.Count, conf, cv.Explanation, cv.Sources...), true
	}

	n := e.norm.Normalize(v)
	if n.Status != model.StatusSuccess {
		return model.EstimateResult{}, false
	}
	return model.Succeeded(entity, n.Count, model.ConfidenceMedium, "", "cache"), true
}
