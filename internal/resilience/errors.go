package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// ValidationError rejects malformed invoice input before pipeline entry.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid invoice input: %s: %s", e.Field, e.Reason)
}

// ExtractionError reports that the extraction service could not produce
// structured invoice data. The invoice stays eligible for manual entry and
// the failure is not retried automatically.
type ExtractionError struct {
	Reason string
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Reason
}

// QuotaExhaustedError means every credential in the pool is inactive. The
// job fails terminally with an actionable message.
type QuotaExhaustedError struct {
	PoolSize int
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("all %d extraction credentials exhausted; reset the key pool or add credentials", e.PoolSize)
}

// ServiceUnavailableError wraps a network or timeout failure talking to the
// tax portal. Verification stays PENDING and the caller may retry.
type ServiceUnavailableError struct {
	Service string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// PersistenceError wraps a storage write failure. Jobs hitting it are
// retried under the worker's backoff policy.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether a job-level error is worth another attempt.
// Validation, extraction, and quota failures are terminal; persistence
// failures, portal unavailability, and network-level transients are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var ve *ValidationError
	var ee *ExtractionError
	var qe *QuotaExhaustedError
	if errors.As(err, &ve) || errors.As(err, &ee) || errors.As(err, &qe) {
		return false
	}

	var pe *PersistenceError
	var se *ServiceUnavailableError
	if errors.As(err, &pe) || errors.As(err, &se) {
		return true
	}

	return IsTransient(err)
}

// IsTransient reports whether an error looks like a transient network
// failure (timeout, reset, DNS) rather than a definitive rejection.
func IsTransient(err error) bool {
	if err == nil {
		return false
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

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"tls handshake timeout",
		"temporary failure in name resolution",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is safe to retry.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
