package llm

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

// CircuitBreakerBackend wraps a Backend with rate-limit and backend-failure
// circuit breaking.
type CircuitBreakerBackend struct {
	inner   Backend
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerBackend(inner Backend, breaker *resilience.CircuitBreaker) *CircuitBreakerBackend {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerBackend{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerBackend) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerBackend) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerBackend) Stream(ctx context.Context, req Request) (<-chan frames.TokenEvent, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return nil, errorsx.Backend(resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}, errorsx.ReasonLLMCircuitOpen)
	}
	a.setOpen(false)
	ch, err := a.inner.Stream(ctx, req)
	if err != nil {
		a.onError(err)
		return nil, err
	}
	out := make(chan frames.TokenEvent, cap(ch))
	go func() {
		defer close(out)
		for ev := range ch {
			switch {
			case ev.Err != nil && ctx.Err() == nil:
				a.onError(ev.Err)
			case ev.Done:
				a.breaker.OnSuccess()
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *CircuitBreakerBackend) onError(err error) {
	if resilience.IsRateLimit(err) {
		a.record(metrics.EventRateLimit)
	}
	a.breaker.OnError(err)
}

func (a *CircuitBreakerBackend) record(name string) {
	if a.obs == nil {
		return
	}
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

func (a *CircuitBreakerBackend) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}

var _ Backend = (*CircuitBreakerBackend)(nil)
