package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RetryConfig controls how adapters retry transient provider failures.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Delay is the wait before the first retry. Rate limit errors back off
	// linearly with the attempt number.
	Delay time.Duration
}

// DefaultRetryConfig is used by every adapter unless overridden.
var DefaultRetryConfig = RetryConfig{MaxRetries: 3, Delay: time.Second}

// RateLimitError reports a provider-side rate limit.
type RateLimitError struct {
	Provider string
	Cause    error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit: %v", e.Provider, e.Cause)
}

func (e *RateLimitError) Unwrap() error { return e.Cause }

// Retry calls fn until it succeeds, fails with a non-transient error, or
// the retries are exhausted. provider names the backend in the final error.
func Retry(ctx context.Context, provider string, cfg RetryConfig, fn func(context.Context) (ChatOut, error)) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}

		delay := cfg.Delay
		var rl *RateLimitError
		if errors.As(err, &rl) {
			delay = cfg.Delay * time.Duration(attempt+1)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ChatOut{}, ctx.Err()
		}
	}

	if !IsTransient(lastErr) {
		return ChatOut{}, lastErr
	}
	return ChatOut{}, fmt.Errorf("%s failed after %d retries: %w", provider, cfg.MaxRetries, lastErr)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"network",
		"connection",
		"temporary",
		"overloaded",
		"429",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
