package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3}
	var attempts []int
	err := policy.DoContext(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt == 0 {
			return errors.New("first")
		}
		return nil
	})
	if err != nil || len(attempts) != 2 || attempts[1] != 1 {
		t.Fatalf("expected success on second attempt, got err=%v attempts=%v", err, attempts)
	}
}

func TestRetryPolicyHonoursRetryable(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, Retryable: func(err error) bool {
		return !errorsx.IsKind(err, errorsx.KindFormat)
	}}
	calls := 0
	err := policy.DoContext(context.Background(), func(context.Context, int) error {
		calls++
		return errorsx.Format(errors.New("bad"), errorsx.ReasonAudioFormat)
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected single attempt, got %d", calls)
	}
}

func TestRetryPolicyCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, Backoff: time.Hour}
	calls := 0
	go cancel()
	err := policy.DoContext(ctx, func(context.Context, int) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnBackendFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(errors.New("ignored"))
	cb.OnError(errors.New("ignored"))
	if !cb.Allow() {
		t.Fatalf("plain errors should not trip the breaker")
	}
	cb.OnError(errorsx.Backend(errors.New("500"), errorsx.ReasonLLMGenerate))
	cb.OnError(RateLimitError{Provider: "openai"})
	if cb.Allow() || cb.State() != "open" {
		t.Fatalf("expected open breaker")
	}
	cb.OnSuccess()
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after success")
	}
}

func TestCircuitBreakerTrialCallAfterCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(1, time.Second)
	cb.now = func() time.Time { return now }
	cb.OnError(RateLimitError{Provider: "elevenlabs"})
	if cb.Allow() {
		t.Fatalf("expected open breaker")
	}
	now = now.Add(time.Second)
	if cb.State() != "half_open" {
		t.Fatalf("state = %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatalf("expected a trial call after cooldown")
	}
	if cb.Allow() {
		t.Fatalf("only one trial call may be in flight")
	}
	cb.OnError(errorsx.Backend(errors.New("503"), errorsx.ReasonTTSSynthesize))
	if cb.Allow() || cb.State() != "open" {
		t.Fatalf("failed trial call should reopen the breaker")
	}
	now = now.Add(time.Second)
	if !cb.Allow() {
		t.Fatalf("expected second trial call")
	}
	cb.OnSuccess()
	if !cb.Allow() || !cb.Allow() || cb.State() != "closed" {
		t.Fatalf("successful trial call should close the breaker")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	if d := Backoff(100*time.Millisecond, time.Second, 0, 0); d != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %v", d)
	}
	if d := Backoff(100*time.Millisecond, time.Second, 0, 2); d != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %v", d)
	}
	if d := Backoff(100*time.Millisecond, time.Second, 0, 10); d != time.Second {
		t.Fatalf("expected cap, got %v", d)
	}
	for i := 0; i < 20; i++ {
		d := Backoff(100*time.Millisecond, time.Second, 0.2, 0)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}
