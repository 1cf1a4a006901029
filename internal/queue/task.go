package queue

import "context"

// Task is one unit of finalization work. Priority is lower-first; the
// core always uses priority 0.
type Task struct {
	ID          string
	Priority    int
	MaxAttempts int
	Run         func(ctx context.Context) error

	attempt int
}

// RateLimitError marks a failure as an HTTP-429-style rate limit,
// triggering a steeper backoff and a temporary concurrency cut.
// Submitters and callback clients wrap 429 responses in this type.
type RateLimitError struct {
	Cause error
}

func (e *RateLimitError) Error() string { return "rate limited: " + e.Cause.Error() }
func (e *RateLimitError) Unwrap() error { return e.Cause }

// RetryableError marks a failure the queue should retry (network
// error, HTTP 5xx, RPC/DB timeout) without the rate-limit backoff.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Cause.Error() }
func (e *RetryableError) Unwrap() error { return e.Cause }

// shouldRetry retries on RateLimitError/RetryableError, never on
// anything else (validation errors, permanent chain rejections,
// unknown errors).
func shouldRetry(err error) bool {
	return IsRetryable(err)
}

// IsRetryable reports whether err should cause the queue to reschedule
// its task rather than mark it permanently failed. Exported so callers
// outside the queue (the finalizer, deciding whether to let a task's
// error propagate as retryable) can test an error the same way.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	var re *RetryableError
	return asAny(err, &rl) || asAny(err, &re)
}

func isRateLimit(err error) bool {
	var rl *RateLimitError
	return asAny(err, &rl)
}

// asAny walks err's Unwrap chain looking for a value assignable to
// *target (a pointer to a concrete error type), mirroring the manual
// unwrap walk in internal/chain's error classification.
func asAny(err error, target interface{}) bool {
	switch t := target.(type) {
	case **RateLimitError:
		for err != nil {
			if rl, ok := err.(*RateLimitError); ok {
				*t = rl
				return true
			}
			u, ok := err.(interface{ Unwrap() error })
			if !ok {
				return false
			}
			err = u.Unwrap()
		}
	case **RetryableError:
		for err != nil {
			if re, ok := err.(*RetryableError); ok {
				*t = re
				return true
			}
			u, ok := err.(interface{ Unwrap() error })
			if !ok {
				return false
			}
			err = u.Unwrap()
		}
	}
	return false
}
