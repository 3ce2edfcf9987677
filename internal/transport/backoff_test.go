package transport

import (
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
)

func TestRetryPolicyDelayStrategies(t *testing.T) {
	cases := []struct {
		name     string
		policy   RetryPolicy
		attempt  int
		expected time.Duration
	}{
		{"fixed", RetryPolicy{Strategy: BackoffFixed, BaseDelay: 100 * time.Millisecond}, 3, 100 * time.Millisecond},
		{"linear", RetryPolicy{Strategy: BackoffLinear, BaseDelay: 100 * time.Millisecond}, 3, 300 * time.Millisecond},
		{"exponential", RetryPolicy{Strategy: BackoffExponential, BaseDelay: 100 * time.Millisecond}, 3, 400 * time.Millisecond},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := c.policy.Delay(c.attempt)
			if got != c.expected {
				t.Fatalf("Delay(%d) = %v, want %v", c.attempt, got, c.expected)
			}
		})
	}
}

func TestRetryPolicyDelayCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{Strategy: BackoffExponential, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	if got := p.Delay(10); got != 300*time.Millisecond {
		t.Fatalf("Delay(10) = %v, want capped 300ms", got)
	}
}

func TestRetryPolicyDelayJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{Strategy: BackoffFixed, BaseDelay: 200 * time.Millisecond, Jitter: true}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		if d < 100*time.Millisecond || d > 200*time.Millisecond {
			t.Fatalf("jittered delay %v out of [100ms,200ms]", d)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if isRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if isRetryable(a2aerr.New(a2aerr.ValidationError, "test", "bad input")) {
		t.Fatal("ValidationError must not default to retryable")
	}
	if !isRetryable(a2aerr.New(a2aerr.AgentUnavailable, "test", "peer down")) {
		t.Fatal("AgentUnavailable must default to retryable")
	}
	if !isRetryable(a2aerr.New(a2aerr.TimeoutError, "test", "timed out")) {
		t.Fatal("TimeoutError must default to retryable")
	}
}

func TestMaxAttemptsGuardsZeroValue(t *testing.T) {
	if got := maxAttempts(RetryPolicy{}); got != 1 {
		t.Fatalf("maxAttempts(zero value) = %d, want 1", got)
	}
	if got := maxAttempts(RetryPolicy{MaxAttempts: 5}); got != 5 {
		t.Fatalf("maxAttempts(5) = %d, want 5", got)
	}
}
