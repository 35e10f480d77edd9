// Package batch drives the estimator over an ordered list of entities,
// tracking progress in the shared batch store.
package batch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/headcount-cli/internal/cost"
	"github.com/sells-group/headcount-cli/internal/estimate"
	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/store"
)

const (
	// DefaultChunkSize bounds one unit of work.
	DefaultChunkSize = 10
	// MaxWorkers caps concurrent resolutions within a chunk.
	MaxWorkers = 5

	// ExplainShortCircuit is the explanation of entities skipped after a
	// backend signaled rate limiting.
	ExplainShortCircuit = "skipped: backend rate limit reached earlier in batch"
)

// Config tunes an Orchestrator.
type Config struct {
	ChunkSize int
	Workers   int
	// ShortCircuit marks every remaining entity RATE_LIMITED once one
	// resolution comes back RATE_LIMITED.
	ShortCircuit bool
}

// Orchestrator runs batches. One Orchestrator may run many batches at once;
// each batch's state is only written by the goroutine running it.
type Orchestrator struct {
	resolver estimate.Resolver
	store    store.BatchStore
	cfg      Config
}

// NewOrchestrator creates an Orchestrator. Chunk size defaults to 10 and
// workers are clamped to 1..5.
func NewOrchestrator(r estimate.Resolver, st store.BatchStore, cfg Config) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	cfg.Workers = max(1, min(cfg.Workers, MaxWorkers))
	return &Orchestrator{resolver: r, store: st, cfg: cfg}
}

// Run creates the batch record and processes it to completion.
func (o *Orchestrator) Run(ctx context.Context, id string, queries []model.EntityQuery) ([]model.EstimateResult, error) {
	if err := o.Begin(ctx, id, queries); err != nil {
		return nil, err
	}
	return o.Process(ctx, id, queries)
}

// Begin records a new PROCESSING batch sized to queries.
func (o *Orchestrator) Begin(ctx context.Context, id string, queries []model.EntityQuery) error {
	var region string
	if len(queries) > 0 {
		region = queries[0].Region
	}
	err := o.store.CreateBatch(ctx, model.BatchState{
		ID:     id,
		Region: region,
		Total:  len(queries),
		Status: model.BatchProcessing,
	})
	return eris.Wrapf(err, "batch: create %s", id)
}

// Process resolves every query of a batch created by Begin. Results come
// back in input order, one per query. Per-entity failures become result
// rows; only a store failure or cancellation fails the batch.
func (o *Orchestrator) Process(ctx context.Context, id string, queries []model.EntityQuery) ([]model.EstimateResult, error) {
	log := zap.L().With(zap.String("batch_id", id))
	ledger := cost.NewLedger()
	ctx = cost.WithLedger(ctx, ledger)

	log.Info("batch started",
		zap.Int("total", len(queries)),
		zap.Int("chunk_size", o.cfg.ChunkSize),
		zap.Int("workers", o.cfg.Workers),
	)

	results := make([]model.EstimateResult, len(queries))
	var limited atomic.Bool

	for start := 0; start < len(queries); start += o.cfg.ChunkSize {
		end := min(start+o.cfg.ChunkSize, len(queries))

		err := o.processChunk(ctx, id, queries, results, start, end, &limited)
		if ctx.Err() != nil {
			return nil, o.fail(ctx, id, eris.Wrap(context.Cause(ctx), "batch: abandoned"))
		}
		if err != nil {
			return nil, o.fail(ctx, id, err)
		}
		if err := o.store.AppendResults(ctx, id, start, results[start:end]); err != nil {
			return nil, o.fail(ctx, id, eris.Wrapf(err, "batch: append results %s", id))
		}
	}

	if err := o.store.SetBatchStatus(ctx, id, model.BatchCompleted, ""); err != nil {
		return nil, o.fail(ctx, id, eris.Wrapf(err, "batch: complete %s", id))
	}

	log.Info("batch complete", summarize(results)...)
	ledger.Log(zap.String("batch_id", id))
	return results, nil
}

func (o *Orchestrator) processChunk(ctx context.Context, id string, queries []model.EntityQuery, results []model.EstimateResult, start, end int, limited *atomic.Bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)

	for i := start; i < end; i++ {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			results[i] = o.resolveOne(gctx, queries[i], limited)
			if _, err := o.store.IncrementProcessed(gctx, id); err != nil {
				return eris.Wrapf(err, "batch: increment processed %s", id)
			}
			return nil
		})
	}
	return g.Wait()
}

// resolveOne never fails. A panicking resolver becomes an ERROR row.
func (o *Orchestrator) resolveOne(ctx context.Context, q model.EntityQuery, limited *atomic.Bool) (r model.EstimateResult) {
	if o.cfg.ShortCircuit && limited.Load() {
		return model.Failed(q.Name, model.StatusRateLimited, ExplainShortCircuit)
	}

	defer func() {
		if p := recover(); p != nil {
			zap.L().Error("resolver panicked", zap.String("entity", q.Name), zap.Any("panic", p))
			r = model.Failed(q.Name, model.StatusError, fmt.Sprintf("internal error: %v", p))
		}
	}()

	r = o.resolver.Resolve(ctx, q)
	if !r.Valid() {
		r = model.Failed(q.Name, model.StatusError, "internal error: inconsistent result")
	}
	if r.Status == model.StatusRateLimited {
		limited.Store(true)
	}
	return r
}

// fail marks the batch FAILED. The status write ignores cancellation of ctx
// so an abandoned batch still records its outcome.
func (o *Orchestrator) fail(ctx context.Context, id string, cause error) error {
	zap.L().Error("batch failed", zap.String("batch_id", id), zap.Error(cause))
	if err := o.store.SetBatchStatus(context.WithoutCancel(ctx), id, model.BatchFailed, cause.Error()); err != nil {
		zap.L().Error("batch: record failure", zap.String("batch_id", id), zap.Error(err))
	}
	return cause
}

func summarize(results []model.EstimateResult) []zap.Field {
	counts := map[model.EstimateStatus]int{}
	adjusted := 0
	for _, r := range results {
		counts[r.Status]++
		if r.Adjusted() {
			adjusted++
		}
	}
	return []zap.Field{
		zap.Int("total", len(results)),
		zap.Int("success", counts[model.StatusSuccess]),
		zap.Int("no_data", counts[model.StatusNoData]),
		zap.Int("error", counts[model.StatusError]),
		zap.Int("rate_limited", counts[model.StatusRateLimited]),
		zap.Int("adjusted", adjusted),
	}
}
