// Package backend defines estimation backends and the registry that
// assembles them into an ordered fallback chain.
package backend

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Response is one backend answer for an (entity, region) pair.
type Response struct {
	Backend  string          `json:"backend"`
	Raw      string          `json:"raw"`
	Evidence string          `json:"evidence"`
	Sources  []string        `json:"sources"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

// Backend answers headcount questions. Failures are *resilience.BackendError
// values so callers can tell transient from permanent failures.
type Backend interface {
	Name() string
	Query(ctx context.Context, entity, region string) (Response, error)
}

// Registry manages available backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend, replacing any with the same name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns a backend by name, or nil if not found.
func (r *Registry) Get(name string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// Chain resolves names into an ordered chain. Unknown names are an error.
func (r *Registry) Chain(names ...string) ([]Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(names) == 0 {
		return nil, eris.New("backend: empty chain")
	}
	chain := make([]Backend, 0, len(names))
	for _, n := range names {
		b, ok := r.backends[n]
		if !ok {
			return nil, eris.Errorf("backend: unknown backend %q", n)
		}
		chain = append(chain, b)
	}
	return chain, nil
}
