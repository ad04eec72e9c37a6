// Package retry implements the classify-then-backoff retry policy used by
// the resilient client: exponential backoff with jitter, a Retry-After
// floor for 429s, and named presets for common operator tolerances.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/norpie/dynops/internal/errs"
)

// Policy configures retry behavior (spec §4.1).
type Policy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// Default is the canonical, general-purpose preset.
func Default() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, BackoffMultiplier: 2.0, Jitter: true}
}

// Conservative retries less, waits longer — for operations with heavy
// side effects where duplicate submission is costly.
func Conservative() Policy {
	return Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 60 * time.Second, BackoffMultiplier: 2.0, Jitter: true}
}

// Aggressive retries more, backs off faster — for cheap idempotent reads.
func Aggressive() Policy {
	return Policy{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond, MaxDelay: 30 * time.Second, BackoffMultiplier: 1.8, Jitter: true}
}

// Disabled performs exactly one attempt with no delay.
func Disabled() Policy {
	return Policy{MaxAttempts: 1, BaseDelay: 0, MaxDelay: 0, BackoffMultiplier: 1.0, Jitter: false}
}

// ByName resolves one of the canonical presets, defaulting to Default.
func ByName(name string) Policy {
	switch name {
	case "conservative":
		return Conservative()
	case "aggressive":
		return Aggressive()
	case "disabled":
		return Disabled()
	default:
		return Default()
	}
}

// Classify maps a terminal HTTP status code (and absence of a transport
// error) to an error Kind, per the retryable-status table in spec §4.1.
func Classify(statusCode int, networkErr bool, timeoutErr bool) errs.Kind {
	switch {
	case networkErr, timeoutErr:
		return errs.KindNetwork
	case statusCode == 429:
		return errs.KindRateLimited
	case statusCode == 408, statusCode == 500, statusCode == 502, statusCode == 503, statusCode == 504:
		return errs.KindServer5xx
	case statusCode == 401:
		return errs.KindAuth
	case statusCode >= 400 && statusCode < 500:
		return errs.KindClientRequest
	default:
		return errs.KindClientRequest
	}
}

// Delay computes the backoff before the given attempt (1-based: the delay
// taken *after* that attempt failed, before attempt+1). retryAfterSeconds
// is a floor from a 429's Retry-After header; pass 0 when absent.
func (p Policy) Delay(attempt int, retryAfterSeconds int) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	delay := time.Duration(base)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay += time.Duration(rand.Float64() * float64(delay) / 2)
	}
	if floor := time.Duration(retryAfterSeconds) * time.Second; floor > delay {
		delay = floor
	}
	return delay
}

// ShouldRetry reports whether another attempt should be made given the
// kind of the last failure and how many attempts have been made so far.
func (p Policy) ShouldRetry(kind errs.Kind, attemptsSoFar int) bool {
	return kind.Transient() && attemptsSoFar < p.MaxAttempts
}
