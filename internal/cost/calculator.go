// Package cost prices backend calls and totals them per batch.
package cost

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var million = decimal.NewFromInt(1_000_000)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// Usage is the token count of one Claude call.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call. Unknown models cost zero.
func (c *Calculator) Claude(model string, u Usage) decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return decimal.Zero
	}

	in := decimal.NewFromFloat(rate.Input)
	out := decimal.NewFromFloat(rate.Output)

	total := perMillion(u.Input, in).
		Add(perMillion(u.Output, out)).
		Add(perMillion(u.CacheWrite, in.Mul(decimal.NewFromFloat(rate.CacheWriteMul)))).
		Add(perMillion(u.CacheRead, in.Mul(decimal.NewFromFloat(rate.CacheReadMul))))
	return total
}

// PerplexityQuery returns the flat cost per Perplexity query.
func (c *Calculator) PerplexityQuery() decimal.Decimal {
	if c == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(c.rates.Perplexity.PerQuery)
}

func perMillion(tokens int64, ratePerMTok decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(ratePerMTok).Div(million)
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00, CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Perplexity: PerplexityRate{PerQuery: 0.005},
	}
}

// Ledger accumulates spend per backend. Safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	totals map[string]decimal.Decimal
	calls  map[string]int
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		totals: make(map[string]decimal.Decimal),
		calls:  make(map[string]int),
	}
}

// Add records one call to backend costing amount.
func (l *Ledger) Add(backend string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.totals[backend] = l.totals[backend].Add(amount)
	l.calls[backend]++
}

// Total returns the spend across all backends.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	sum := decimal.Zero
	for _, v := range l.totals {
		sum = sum.Add(v)
	}
	return sum
}

// Calls returns the number of recorded calls to backend.
func (l *Ledger) Calls(backend string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[backend]
}

// Log writes a per-backend cost summary.
func (l *Ledger) Log(fields ...zap.Field) {
	l.mu.Lock()
	names := make([]string, 0, len(l.totals))
	for name := range l.totals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields,
			zap.Int(name+"_calls", l.calls[name]),
			zap.String(name+"_usd", l.totals[name].StringFixed(4)),
		)
	}
	l.mu.Unlock()

	zap.L().Info("cost summary", append(fields, zap.String("total_usd", l.Total().StringFixed(4)))...)
}
