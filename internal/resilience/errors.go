package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a backend failure for retry and fallback decisions.
type Kind int

const (
	// KindPermanent failures never succeed on retry (bad request, unknown model).
	KindPermanent Kind = iota
	// KindTransient failures are worth retrying after a backoff (5xx, resets).
	KindTransient
	// KindRateLimited is a transient failure where the backend signaled quota
	// exhaustion (HTTP 429, overloaded).
	KindRateLimited
	// KindTimeout is a call that exceeded its deadline. Treated as transient.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind should be retried.
func (k Kind) Retryable() bool {
	return k != KindPermanent
}

// BackendError is a failure reported by a named estimation backend.
type BackendError struct {
	Backend    string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Backend, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps err with a kind derived from the HTTP status code.
// A zero status code falls back to Classify on err.
func NewBackendError(backend string, statusCode int, err error) *BackendError {
	kind := KindFromStatus(statusCode)
	if statusCode == 0 {
		kind = Classify(err)
	}
	return &BackendError{Backend: backend, Kind: kind, StatusCode: statusCode, Err: err}
}

// TransientError wraps an error that is safe to retry (e.g., 429, 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// Classify maps an error to a failure Kind. Explicit BackendError and
// TransientError values win; otherwise deadline and network heuristics apply
// and anything unrecognized is permanent.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	var te *TransientError
	if errors.As(err, &te) {
		if te.StatusCode == 429 {
			return KindRateLimited
		}
		return KindTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, ErrCircuitOpen) {
		return KindTransient
	}

	if IsTransient(err) {
		return KindTransient
	}
	return KindPermanent
}

// KindFromStatus maps an HTTP status code to a failure Kind.
func KindFromStatus(statusCode int) Kind {
	switch {
	case statusCode == 429 || statusCode == 529:
		return KindRateLimited
	case statusCode == 408 || statusCode == 504:
		return KindTimeout
	case IsTransientHTTPStatus(statusCode):
		return KindTransient
	default:
		return KindPermanent
	}
}

// IsRateLimited reports whether err is (or wraps) a rate-limit failure.
func IsRateLimited(err error) bool {
	return err != nil && Classify(err) == KindRateLimited
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504, // Gateway Timeout
		529: // Overloaded (Anthropic)
		return true
	default:
		return false
	}
}
