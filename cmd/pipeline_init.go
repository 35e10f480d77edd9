package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/backend"
	"github.com/sells-group/headcount-cli/internal/batch"
	"github.com/sells-group/headcount-cli/internal/cache"
	"github.com/sells-group/headcount-cli/internal/config"
	"github.com/sells-group/headcount-cli/internal/cost"
	"github.com/sells-group/headcount-cli/internal/estimate"
	"github.com/sells-group/headcount-cli/internal/resilience"
	"github.com/sells-group/headcount-cli/internal/store"
	anthropicpkg "github.com/sells-group/headcount-cli/pkg/anthropic"
	"github.com/sells-group/headcount-cli/pkg/perplexity"
)

// offlineBackend is the chain used by --offline runs.
const offlineBackend = "offline"

// pipelineEnv holds the initialized store, estimator and batch service
// needed by the estimate/serve commands.
type pipelineEnv struct {
	Store     store.Store
	Cache     cache.Cache
	Estimator *estimate.Estimator
	Service   *batch.Service
	Breakers  *resilience.Breakers
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, cache, backend chain, reviewer and batch
// service. Callers should defer env.Close().
func initPipeline(ctx context.Context, c *config.Config, offline bool) (*pipelineEnv, error) {
	mode := config.ModeOnline
	if offline {
		mode = config.ModeOffline
	}
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	ch, err := initCache(ctx, c, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	calc := cost.NewCalculator(c.Pricing)
	policy := resilience.BackendPolicy{
		MaxAttempts:      c.Estimate.MaxAttempts,
		InitialBackoffMs: c.Estimate.InitialBackoffMs,
		MaxBackoffMs:     c.Estimate.MaxBackoffMs,
		Multiplier:       c.Estimate.Multiplier,
		Jitter:           c.Estimate.Jitter,
		FailureThreshold: c.Circuit.FailureThreshold,
		ResetTimeoutSecs: c.Circuit.ResetTimeoutSecs,
	}
	breakers := resilience.NewBreakers(policy.Breaker())

	chain, err := buildChain(c, calc, breakers, offline)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	reviewer, err := buildReviewer(c, offline)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	opts := []estimate.Option{
		estimate.WithNormalizer(buildNormalizer(c)),
		estimate.WithRetry(policy.Retry()),
		estimate.WithTTL(time.Duration(max(c.Cache.TTLHours, 1)) * time.Hour),
	}
	if c.Estimate.CallTimeoutSecs > 0 {
		opts = append(opts, estimate.WithCallTimeout(time.Duration(c.Estimate.CallTimeoutSecs)*time.Second))
	}
	if reviewer != nil {
		opts = append(opts, estimate.WithReviewer(reviewer))
	}
	est := estimate.New(ch, chain, opts...)

	orch := batch.NewOrchestrator(est, st, batch.Config{
		ChunkSize:    c.Batch.ChunkSize,
		Workers:      c.Batch.Workers,
		ShortCircuit: c.Batch.ShortCircuit,
	})
	svc := batch.NewService(orch, st, time.Duration(c.Batch.RetentionHours)*time.Hour)

	names := make([]string, len(chain))
	for i, b := range chain {
		names[i] = b.Name()
	}
	zap.L().Info("pipeline ready",
		zap.String("store", c.Store.Driver),
		zap.String("cache", c.Cache.Driver),
		zap.Strings("backends", names),
		zap.String("review", c.Estimate.Review),
		zap.Bool("offline", offline),
	)

	return &pipelineEnv{
		Store:     st,
		Cache:     ch,
		Estimator: est,
		Service:   svc,
		Breakers:  breakers,
	}, nil
}

func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(c.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, c.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

func initCache(ctx context.Context, c *config.Config, st store.EstimateStore) (cache.Cache, error) {
	switch c.Cache.Driver {
	case "none":
		return cache.Nop{}, nil
	case "dynamodb":
		client, err := cache.NewDynamoClient(ctx, cache.DynamoConfig{
			Table:           c.Cache.DynamoDB.Table,
			Region:          c.Cache.DynamoDB.Region,
			Endpoint:        c.Cache.DynamoDB.Endpoint,
			AccessKeyID:     c.Cache.DynamoDB.AccessKeyID,
			SecretAccessKey: c.Cache.DynamoDB.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return cache.NewDynamo(client, c.Cache.DynamoDB.Table), nil
	default:
		return cache.NewStoreCache(st), nil
	}
}

// buildChain registers every backend the configuration can support, wraps
// each in its own rate limiter and circuit breaker, and resolves the
// configured order.
func buildChain(c *config.Config, calc *cost.Calculator, breakers *resilience.Breakers, offline bool) ([]backend.Backend, error) {
	reg := backend.NewRegistry()
	guard := func(b backend.Backend) backend.Backend {
		return backend.NewGuard(b, backend.NewLimiter(c.Estimate.RequestsPerSecond), breakers.Get(b.Name()))
	}

	if offline {
		reg.Register(backend.NewStatic(offlineBackend, nil))
		return reg.Chain(offlineBackend)
	}

	if c.Anthropic.Key != "" {
		claude := anthropicpkg.NewClient(c.Anthropic.Key)
		reg.Register(guard(backend.NewAnthropic("claude-primary", claude, c.Anthropic.PrimaryModel, c.Anthropic.MaxTokens, calc)))
		reg.Register(guard(backend.NewAnthropic("claude-fallback", claude, c.Anthropic.FallbackModel, c.Anthropic.MaxTokens, calc)))
	}
	if c.Perplexity.Key != "" {
		pplx := perplexity.NewClient(c.Perplexity.Key,
			perplexity.WithBaseURL(c.Perplexity.BaseURL),
			perplexity.WithModel(c.Perplexity.Model),
		)
		reg.Register(guard(backend.NewPerplexity("perplexity", pplx, calc)))
	}

	return reg.Chain(c.Estimate.Backends...)
}

func buildNormalizer(c *config.Config) *estimate.RuleNormalizer {
	n := estimate.DefaultNormalizer()
	if len(c.Estimate.Denylist) > 0 {
		n.Denylist = c.Estimate.Denylist
	}
	n.ScaleSmallBelow = c.Estimate.ScaleSmallBelow
	return n
}

// buildReviewer returns nil when review is disabled. Offline runs never
// call the LLM reviewer.
func buildReviewer(c *config.Config, offline bool) (estimate.Reviewer, error) {
	mode := c.Estimate.Review
	if offline && (mode == "llm" || mode == "full") {
		mode = "range"
	}

	var rangeReviewer estimate.Reviewer
	if mode == "range" || mode == "full" {
		policy := estimate.DefaultRangePolicy()
		if c.Estimate.RangesPath != "" {
			p, err := estimate.LoadRangePolicy(c.Estimate.RangesPath)
			if err != nil {
				return nil, err
			}
			policy = p
		}
		rangeReviewer = estimate.NewRangeReviewer(policy)
	}

	var llm estimate.Reviewer
	if mode == "llm" || mode == "full" {
		llm = estimate.NewLLMReviewer(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.ReviewModel, 0, buildNormalizer(c))
	}

	switch mode {
	case "range":
		return rangeReviewer, nil
	case "llm":
		return llm, nil
	case "full":
		return estimate.Chain{llm, rangeReviewer}, nil
	default:
		return nil, nil
	}
}
