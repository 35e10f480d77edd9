package resilience

import (
	"time"
)

// BackendPolicy is the per-backend tuning as it appears in configuration,
// with durations in whole milliseconds or seconds. Zero fields keep the
// built-in defaults; a negative Jitter keeps the default jitter.
type BackendPolicy struct {
	MaxAttempts      int
	InitialBackoffMs int
	MaxBackoffMs     int
	Multiplier       float64
	Jitter           float64
	FailureThreshold int
	ResetTimeoutSecs int
}

// Retry returns the retry policy applied to each backend call.
func (p BackendPolicy) Retry() RetryConfig {
	cfg := DefaultRetryConfig()
	if p.MaxAttempts > 0 {
		cfg.MaxAttempts = p.MaxAttempts
	}
	if p.InitialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(p.InitialBackoffMs) * time.Millisecond
	}
	if p.MaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(p.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if p.Multiplier > 0 {
		cfg.Multiplier = p.Multiplier
	}
	if p.Jitter >= 0 {
		cfg.JitterFraction = min(p.Jitter, 1)
	}
	return cfg
}

// Breaker returns the circuit breaker settings for one backend. Only
// retryable failures count toward tripping; a bad request says nothing
// about whether the backend is healthy.
func (p BackendPolicy) Breaker() CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if p.FailureThreshold > 0 {
		cfg.FailureThreshold = p.FailureThreshold
	}
	if p.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(p.ResetTimeoutSecs) * time.Second
	}
	cfg.ShouldTrip = Retryable
	return cfg
}
