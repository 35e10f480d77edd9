package backend

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/sells-group/headcount-cli/internal/resilience"
)

// Guard wraps a backend with a shared rate limiter and circuit breaker.
// One Guard exists per backend, so throttling and breaker state are shared
// by every worker in every batch.
type Guard struct {
	next    Backend
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewGuard wraps next. A nil limiter or breaker disables that protection.
func NewGuard(next Backend, limiter *rate.Limiter, breaker *resilience.CircuitBreaker) *Guard {
	return &Guard{next: next, limiter: limiter, breaker: breaker}
}

// NewLimiter builds a limiter allowing rps requests per second with a burst
// of one. rps <= 0 means unlimited.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func (g *Guard) Name() string { return g.next.Name() }

func (g *Guard) Query(ctx context.Context, entity, region string) (Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Response{}, &resilience.BackendError{Backend: g.Name(), Kind: resilience.KindTimeout, Err: err}
		}
	}
	if g.breaker == nil {
		return g.next.Query(ctx, entity, region)
	}

	resp, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (Response, error) {
		return g.next.Query(ctx, entity, region)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return Response{}, &resilience.BackendError{Backend: g.Name(), Kind: resilience.KindTransient, Err: err}
	}
	return resp, err
}
