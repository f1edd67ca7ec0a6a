package generator

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind closes the set of ways a Generator call can fail (§6).
type ErrorKind string

const (
	// ErrorRateLimited and ErrorOverloaded are transient: the orchestrator
	// backs off and retries within the same attempt, without consulting the
	// retry ladder (§4.I).
	ErrorRateLimited ErrorKind = "rate_limited"
	ErrorOverloaded  ErrorKind = "overloaded"

	// ErrorInvalidRequest and ErrorSafetyRefused are permanent: the attempt
	// is recorded as a hard-fail and the retry ladder is consulted.
	ErrorInvalidRequest ErrorKind = "invalid_request"
	ErrorSafetyRefused  ErrorKind = "safety_refused"

	// ErrorTransport covers network/transport failures; callers treat it as
	// transient unless it persists past the backoff budget.
	ErrorTransport ErrorKind = "transport"
)

// Error is the error type every Generator implementation must return on
// failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Message  string
	// RetryAfter is the provider-advised backoff, when present (parsed from
	// a Retry-After header).
	RetryAfter *time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("generator(%s): %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("generator: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the orchestrator should treat this as a
// transient failure eligible for in-attempt exponential backoff (§4.I).
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrorRateLimited, ErrorOverloaded, ErrorTransport:
		return true
	default:
		return false
	}
}

// ErrorFromHTTPStatus maps a provider HTTP response to the closed ErrorKind
// taxonomy. retryAfterHeader and now are used to populate RetryAfter when the
// provider signals a backoff window.
func ErrorFromHTTPStatus(provider string, status int, message string, retryAfterHeader *string, now *time.Time) *Error {
	e := &Error{Provider: provider, Status: status, Message: message}

	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = ErrorRateLimited
	case status == http.StatusServiceUnavailable:
		e.Kind = ErrorOverloaded
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = ErrorInvalidRequest
	case status == 455 || status == 451: // provider-specific safety-refusal codes
		e.Kind = ErrorSafetyRefused
	case status >= 500:
		e.Kind = ErrorOverloaded
	case status >= 400:
		e.Kind = ErrorInvalidRequest
	default:
		e.Kind = ErrorTransport
	}

	if retryAfterHeader != nil {
		ts := time.Now()
		if now != nil {
			ts = *now
		}
		e.RetryAfter = ParseRetryAfter(*retryAfterHeader, ts)
	}
	return e
}

// ParseRetryAfter parses a Retry-After header value, either a number of
// seconds or an HTTP-date, relative to now. It returns nil if the value
// cannot be parsed.
func ParseRetryAfter(value string, now time.Time) *time.Duration {
	if value == "" {
		return nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}
