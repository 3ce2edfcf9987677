package transport

import (
	"math/rand"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
)

// BackoffStrategy names the retry delay curve (§4.2, §6 retryPolicy).
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy controls how many attempts a retryable send gets and how
// long it waits between them.
type RetryPolicy struct {
	MaxAttempts int
	Strategy    BackoffStrategy
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy is the policy every transport starts with until
// SetRetryPolicy replaces it. A message's context.retryPolicy is not read.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	Strategy:    BackoffExponential,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
	Jitter:      true,
}

// Delay computes the backoff delay before retry attempt n (1-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case BackoffExponential:
		d = p.BaseDelay << (attempt - 1)
	default:
		d = p.BaseDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	}
	return d
}

// isRetryable is consulted by the generic retry loop; only errors the
// sender flagged as retryable are retried per §4.2.
func isRetryable(err error) bool {
	ae, ok := err.(*a2aerr.Error)
	return ok && ae.Retryable
}

// maxAttempts guards against a zero-value RetryPolicy (no policy ever
// configured) turning every send into a silent no-retry no-op.
func maxAttempts(p RetryPolicy) int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
