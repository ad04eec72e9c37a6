// Package errs defines the behavioral error kinds shared across the
// client, copier, and queue: which failures are retryable, which are
// permanent, and which carry structured context for the caller.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is.
var (
	ErrAuth                = errors.New("authentication failed")
	ErrParse               = errors.New("malformed response")
	ErrUnresolvedReference = errors.New("unresolved id_map reference")
	ErrCountMismatch       = errors.New("result count does not match submitted count")
	ErrInvalidReference    = errors.New("invalid content-id reference")
	ErrRollbackIncomplete  = errors.New("rollback could not delete every created entity")
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")
)

// Kind classifies an error for retry and surfacing decisions (spec §7).
type Kind string

const (
	KindNetwork             Kind = "network"
	KindServer5xx           Kind = "server_5xx"
	KindRateLimited         Kind = "rate_limited"
	KindClientRequest       Kind = "client_request"
	KindAuth                Kind = "auth"
	KindParse               Kind = "parse"
	KindUnresolvedReference Kind = "unresolved_reference"
	KindCountMismatch       Kind = "count_mismatch"
	KindInvalidReference    Kind = "invalid_reference"
	KindRollbackIncomplete  Kind = "rollback_incomplete"
)

// Transient reports whether errors of this kind are retried by the
// resilient client's outer loop (spec §4.1, §7).
func (k Kind) Transient() bool {
	switch k {
	case KindNetwork, KindServer5xx, KindRateLimited:
		return true
	default:
		return false
	}
}

// OpError is a structured error carrying the operation, kind, and
// wrapped cause, in the shape of the teacher's FrameworkError.
type OpError struct {
	Op         string // e.g. "client.ExecuteOne", "copier.CreatingPages"
	Kind       Kind
	StatusCode int    // HTTP status, when applicable
	Body       string // raw or parsed response body, when applicable
	RetryAfter int    // seconds, set only for KindRateLimited
	Err        error
}

func (e *OpError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s]: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *OpError) Unwrap() error { return e.Err }

// New builds an *OpError with the given op/kind wrapping err.
func New(op string, kind Kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// IsRetryable reports whether err's Kind is transient, per spec §7.
func IsRetryable(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind.Transient()
	}
	return false
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == KindAuth
	}
	return errors.Is(err, ErrAuth)
}

// RetryAfterSeconds extracts a server-mandated retry delay floor, if any.
func RetryAfterSeconds(err error) (int, bool) {
	var oe *OpError
	if errors.As(err, &oe) && oe.Kind == KindRateLimited && oe.RetryAfter > 0 {
		return oe.RetryAfter, true
	}
	return 0, false
}
