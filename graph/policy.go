package graph

import (
	"errors"
	"math/rand"
	"time"
)

// NodePolicy configures how the engine executes a single node.
//
// Nodes expose a policy by implementing PolicyProvider. Zero values fall back
// to the engine defaults.
type NodePolicy struct {
	// Timeout bounds one execution attempt. Overrides the engine's
	// DefaultNodeTimeout when positive.
	Timeout time.Duration

	// Retry re-runs the node on retryable failures. Nil disables retries.
	Retry *RetryPolicy
}

// RetryPolicy controls automatic retries with exponential backoff.
//
// Delay for attempt n (0-based) is min(BaseDelay * 2^n, MaxDelay) plus
// jitter in [0, BaseDelay).
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the initial backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether err warrants another attempt. Nil retries
	// reasoning outages only.
	Retryable func(error) bool
}

// Validate checks that the policy is internally consistent.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (rp *RetryPolicy) shouldRetry(err error) bool {
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return errors.Is(err, ErrReasoningUnavailable)
}

// computeBackoff returns the wait before retry attempt (0-based).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 20 {
		attempt = 20
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return delay + jitter
}
