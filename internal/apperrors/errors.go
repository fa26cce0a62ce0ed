// Package apperrors defines the tagged error taxonomy shared by the
// resilience layer. Remote failures are classified into kinds once, at
// the adapter boundary, so retry predicates can pattern-match on the
// kind instead of sniffing error strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes an error for retry and surfacing decisions.
type Kind string

const (
	// KindNetwork covers connection resets, timeouts, and DNS failures.
	// Always retryable.
	KindNetwork Kind = "NETWORK"

	// KindServer covers 5xx and 429 responses. Retryable with backoff.
	KindServer Kind = "SERVER"

	// KindClient covers non-429 4xx responses (validation, 404/410).
	// Never retryable.
	KindClient Kind = "CLIENT"

	// KindRateLimited is the typed rejection produced by the rate
	// limiter. Callers must back off; it is not an exception path.
	KindRateLimited Kind = "RATE_LIMITED"

	// KindQueueDead marks an offline queue item that exhausted its
	// replay attempts and needs manual attention.
	KindQueueDead Kind = "QUEUE_DEAD"

	// KindInternal covers local programming or invariant failures.
	KindInternal Kind = "INTERNAL"
)

// Error is the single error type used across the resilience layer.
type Error struct {
	Kind       Kind
	Op         string        // operation that failed, e.g. "remote.insert"
	Status     int           // HTTP-ish status when known, 0 otherwise
	RetryAfter time.Duration // backoff hint from 429 responses or the limiter
	Err        error         // underlying cause
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("%s: [%s %d] %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: [%s] %v", e.Op, e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: [%s %d]", e.Op, e.Kind, e.Status)
	default:
		return fmt.Sprintf("%s: [%s]", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Network wraps a transient network failure.
func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Server wraps a 5xx/429 class failure.
func Server(op string, status int, err error) *Error {
	return &Error{Kind: KindServer, Op: op, Status: status, Err: err}
}

// Client wraps a permanent 4xx class failure.
func Client(op string, status int, err error) *Error {
	return &Error{Kind: KindClient, Op: op, Status: status, Err: err}
}

// RateLimited builds the typed rejection returned when a rate limiter
// denies a request.
func RateLimited(op string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Status: http.StatusTooManyRequests, RetryAfter: retryAfter}
}

// QueueDead marks a queue item as permanently failed.
func QueueDead(op string, err error) *Error {
	return &Error{Kind: KindQueueDead, Op: op, Err: err}
}

// Internal wraps a local failure.
func Internal(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether the error class is safe to retry:
// network failures and server-side failures (5xx, 429). Client errors,
// rate-limit rejections, and dead queue items are not retried here;
// rate-limit backoff is handled by the caller via RetryAfterHint.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// RetryAfterHint extracts a server-provided backoff hint, when present.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
