// Package resilience wraps remote calls with a per-attempt timeout and
// retry with constant or exponential backoff.
package resilience

import (
	"errors"
	"time"
)

// Policy defines timeout and retry behavior for one call.
type Policy struct {
	Timeout            time.Duration // Per-attempt timeout (0 = wait forever)
	MaxRetries         int           // Retries after the first attempt (0 = no retries)
	RetryDelay         time.Duration // Base delay before a retry
	ExponentialBackoff bool          // Double the delay on every retry
}

// DefaultPolicy returns the policy used for backend calls.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:            10 * time.Second,
		MaxRetries:         2,
		RetryDelay:         1 * time.Second,
		ExponentialBackoff: true,
	}
}

// Delay returns the wait before attempt i. Attempt 0 never waits.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if !p.ExponentialBackoff {
		return p.RetryDelay
	}
	return p.RetryDelay * time.Duration(1<<(attempt-1))
}

// Attempts returns the total number of attempts the policy allows.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	if p.Timeout < 0 {
		return errors.New("timeout must be non-negative")
	}
	if p.MaxRetries < 0 {
		return errors.New("max retries must be non-negative")
	}
	if p.RetryDelay < 0 {
		return errors.New("retry delay must be non-negative")
	}
	if p.MaxRetries > 30 {
		return errors.New("max retries must be at most 30")
	}
	return nil
}
