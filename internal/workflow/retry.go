package workflow

import (
	"math"
	"time"

	"github.com/roach88/toolrun/internal/toolspec"
)

// RetryPolicy is the per-node retry behavior of a workflow.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration // 0 means uncapped
	Fixed      bool
}

// NewRetryPolicy converts a spec retry policy.
func NewRetryPolicy(p toolspec.RetryPolicy) RetryPolicy {
	return RetryPolicy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  time.Duration(p.BackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(p.MaxBackoffMs) * time.Millisecond,
		Fixed:      p.Strategy == toolspec.BackoffFixed,
	}
}

// ShouldRetry reports whether another attempt is allowed after retryCount
// retries have already been made.
func (p RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < p.MaxRetries
}

// Delay returns the wait before retry number n (1-based): the base delay
// for a fixed policy, base*2^(n-1) otherwise, capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.Fixed || n <= 1 {
		return p.capped(p.BaseDelay)
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if delay > float64(math.MaxInt64) {
		return p.capped(time.Duration(math.MaxInt64))
	}
	return p.capped(time.Duration(delay))
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
