package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/headcount-cli/internal/model"
	"github.com/sells-group/headcount-cli/internal/store"
)

// ErrNotComplete is returned by Results while a batch is not COMPLETED.
var ErrNotComplete = eris.New("batch: not complete")

// ErrNotRunning is returned by Cancel for a batch that is not being
// processed by this service.
var ErrNotRunning = eris.New("batch: not running")

// ErrCancelled is the cause recorded on a batch abandoned through Cancel.
var ErrCancelled = eris.New("batch: cancelled by caller")

// Status is the externally visible progress of a batch.
type Status struct {
	ID          string            `json:"batch_id"`
	Status      model.BatchStatus `json:"status"`
	Total       int               `json:"total"`
	Processed   int               `json:"processed"`
	ProgressPct float64           `json:"progress_pct"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
}

// Service exposes the orchestrator in synchronous and asynchronous modes.
type Service struct {
	orch      *Orchestrator
	store     store.BatchStore
	retention time.Duration
	newID     func() string
	now       func() time.Time

	// base outlives request contexts; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// NewService creates a Service. Batches older than retention are removed by Sweep.
func NewService(orch *Orchestrator, st store.BatchStore, retention time.Duration) *Service {
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:      orch,
		store:     st,
		retention: retention,
		newID:     uuid.NewString,
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

// Queries pairs each name with region, preserving order.
func Queries(region string, names []string) []model.EntityQuery {
	qs := make([]model.EntityQuery, len(names))
	for i, n := range names {
		qs[i] = model.EntityQuery{Name: n, Region: strings.TrimSpace(region)}
	}
	return qs
}

// RunSync processes a batch in the caller's goroutine and returns its results.
func (s *Service) RunSync(ctx context.Context, region string, names []string) (string, []model.EstimateResult, error) {
	id := s.newID()
	results, err := s.orch.Run(ctx, id, Queries(region, names))
	return id, results, err
}

// Submit records a batch and processes it in the background. The returned
// id is immediately queryable through Status.
func (s *Service) Submit(ctx context.Context, region string, names []string) (string, error) {
	id := s.newID()
	queries := Queries(region, names)
	if err := s.orch.Begin(ctx, id, queries); err != nil {
		return "", err
	}

	bctx, cancel := context.WithCancelCause(s.base)
	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel(nil)
		}()
		if _, err := s.orch.Process(bctx, id, queries); err != nil {
			zap.L().Warn("background batch ended in failure", zap.String("batch_id", id), zap.Error(err))
		}
	}()
	return id, nil
}

// Cancel abandons a batch submitted to this service. Workers stop at the
// next entity boundary and the batch is recorded FAILED. Unknown ids return
// store.ErrNotFound; batches that already finished return ErrNotRunning.
func (s *Service) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		zap.L().Info("batch cancel requested", zap.String("batch_id", id))
		cancel(ErrCancelled)
		return nil
	}

	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return eris.Wrapf(ErrNotRunning, "batch %s is %s", id, b.Status)
}

// Status reports progress for id. Unknown ids return store.ErrNotFound.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		ID:          b.ID,
		Status:      b.Status,
		Total:       b.Total,
		Processed:   b.Processed,
		ProgressPct: b.ProgressPct(),
		Error:       b.Error,
		StartedAt:   b.StartedAt,
	}, nil
}

// Results returns the ordered results of a COMPLETED batch.
func (s *Service) Results(ctx context.Context, id string) ([]model.EstimateResult, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != model.BatchCompleted {
		return nil, eris.Wrapf(ErrNotComplete, "batch %s is %s", id, b.Status)
	}
	return s.store.ListResults(ctx, id)
}

// Sweep deletes batches last updated before the retention window.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteBatchesBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, eris.Wrap(err, "batch: sweep")
	}
	return n, nil
}

// Shutdown cancels background batches and waits for them to record their
// final status, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "batch: shutdown")
	}
}

// IsNotFound reports whether err means the batch id is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
