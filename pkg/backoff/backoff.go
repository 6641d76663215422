package backoff

import (
	"errors"
	"time"
)

const (
	defaultBase       = time.Second
	defaultMax        = 5 * time.Minute
	defaultMultiplier = 2.0
)

// Policy computes the delay before retry attempt n as
// min(base * multiplier^(n-1), max), with attempt counted from 1.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Default returns the policy used when no overrides are configured.
func Default() Policy {
	return Policy{Base: defaultBase, Max: defaultMax, Multiplier: defaultMultiplier}
}

// Delay returns the backoff delay for the given attempt (attempt >= 1).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBase
	}
	max := p.Max
	if max <= 0 {
		max = defaultMax
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = defaultMultiplier
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(max) {
			return max
		}
	}
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// NonRetryableError marks a failure that must not be retried; the dispatcher
// and the consumption template dead-letter it immediately.
type NonRetryableError struct {
	Err error
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err is classified as non-retryable.
func IsNonRetryable(err error) bool {
	var typed NonRetryableError
	return errors.As(err, &typed)
}

// GiveUp reports whether a failure on the given attempt should stop retrying:
// either the error is classified non-retryable or attempt exceeds maxRetries.
func GiveUp(attempt, maxRetries int, err error) bool {
	if IsNonRetryable(err) {
		return true
	}
	return maxRetries > 0 && attempt > maxRetries
}
