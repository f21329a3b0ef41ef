package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type scriptStep struct {
	tokens   []string
	err      error
	startErr error
	stall    bool
}

type scriptedBackend struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []Request
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Stream(ctx context.Context, req Request) (<-chan frames.TokenEvent, error) {
	b.mu.Lock()
	step := b.steps[len(b.requests)]
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if step.startErr != nil {
		return nil, step.startErr
	}
	ch := make(chan frames.TokenEvent)
	go func() {
		defer close(ch)
		if step.stall {
			<-ctx.Done()
			return
		}
		for _, tok := range step.tokens {
			select {
			case ch <- frames.TokenEvent{Text: tok}:
			case <-ctx.Done():
				return
			}
		}
		final := frames.TokenEvent{Done: true}
		if step.err != nil {
			final = frames.TokenEvent{Err: step.err}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, ch <-chan frames.TokenEvent) (string, frames.TokenEvent) {
	t.Helper()
	var sb strings.Builder
	var last frames.TokenEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return sb.String(), last
			}
			sb.WriteString(ev.Text)
			last = ev
		case <-timeout:
			t.Fatalf("timed out draining tokens")
		}
	}
}

func utterance(text string) frames.Utterance {
	return frames.Utterance{TurnID: "t1", Text: text, Language: "ka"}
}

func TestGenerateStreamsTokensInOrder(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{{tokens: []string{"Hello", ", ", "world."}}}}
	g := NewGenerator(b, GeneratorConfig{Persona: "brief", MaxHistory: 4}, testLogger(), nil)
	text, last := drain(t, g.Generate(context.Background(), utterance("hi")))
	if text != "Hello, world." || !last.Done {
		t.Fatalf("unexpected stream %q %+v", text, last)
	}
	if b.requests[0].Persona != "brief" || b.requests[0].Messages()[0].Content != "hi" {
		t.Fatalf("unexpected request %+v", b.requests[0])
	}
}

func TestGenerateRetriesOnceWithTruncatedHistory(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{
		{startErr: errors.New("502 bad gateway")},
		{tokens: []string{"ok"}},
	}}
	mem := metrics.NewMemoryObserver()
	g := NewGenerator(b, GeneratorConfig{MaxHistory: 4, RetryHistory: 1}, testLogger(), mem)
	for i := 0; i < 5; i++ {
		g.Commit("question", "answer")
	}
	text, last := drain(t, g.Generate(context.Background(), utterance("again")))
	if text != "ok" || !last.Done {
		t.Fatalf("expected recovery, got %q %+v", text, last)
	}
	if len(b.requests) != 2 || len(b.requests[0].History) != 8 || len(b.requests[1].History) != 2 {
		t.Fatalf("unexpected history sizes: %d requests", len(b.requests))
	}
	if mem.Count(metrics.EventLLMRetry) != 1 {
		t.Fatalf("expected retry metric")
	}
}

func TestGenerateSurfacesBackendErrorAfterRetry(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{
		{startErr: errors.New("500")},
		{startErr: errors.New("500")},
	}}
	g := NewGenerator(b, GeneratorConfig{MaxHistory: 2}, testLogger(), nil)
	_, last := drain(t, g.Generate(context.Background(), utterance("x")))
	if !errorsx.IsKind(last.Err, errorsx.KindBackend) || len(b.requests) != 2 {
		t.Fatalf("expected backend error after 2 attempts, got %v (%d)", last.Err, len(b.requests))
	}
}

func TestGenerateNoRetryAfterTokensEmitted(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{{tokens: []string{"partial"}, err: errors.New("stream reset")}}}
	g := NewGenerator(b, GeneratorConfig{}, testLogger(), nil)
	text, last := drain(t, g.Generate(context.Background(), utterance("x")))
	if text != "partial" || last.Err == nil || len(b.requests) != 1 {
		t.Fatalf("expected single attempt with error, got %q %v %d", text, last.Err, len(b.requests))
	}
}

func TestGenerateFirstTokenBudgetTriggersRetry(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{{stall: true}, {tokens: []string{"late but fine"}}}}
	mem := metrics.NewMemoryObserver()
	g := NewGenerator(b, GeneratorConfig{FirstToken: 20 * time.Millisecond}, testLogger(), mem)
	text, last := drain(t, g.Generate(context.Background(), utterance("x")))
	if text != "late but fine" || !last.Done {
		t.Fatalf("unexpected result %q %+v", text, last)
	}
	if mem.Count(metrics.EventBudgetExceeded) != 1 {
		t.Fatalf("expected budget overrun metric")
	}
}

func TestGenerateCancelStopsStream(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{{stall: true}}}
	g := NewGenerator(b, GeneratorConfig{}, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := g.Generate(ctx, utterance("x"))
	cancel()
	text, last := drain(t, ch)
	if text != "" || last.Done || last.Err != nil {
		t.Fatalf("expected silent close after cancel, got %q %+v", text, last)
	}
}

func TestCommitBoundsHistory(t *testing.T) {
	g := NewGenerator(&scriptedBackend{}, GeneratorConfig{MaxHistory: 3}, testLogger(), nil)
	for i := 0; i < 10; i++ {
		g.Commit("u", "a")
	}
	if got := len(g.History()); got != 6 {
		t.Fatalf("expected 6 messages, got %d", got)
	}
}

func TestCircuitBreakerBackendDeniesWhenOpen(t *testing.T) {
	b := &scriptedBackend{steps: []scriptStep{
		{startErr: errorsx.Backend(errors.New("500"), errorsx.ReasonLLMGenerate)},
	}}
	mem := metrics.NewMemoryObserver()
	cb := NewCircuitBreakerBackend(b, resilience.NewCircuitBreaker(1, time.Minute))
	cb.SetObserver(mem)
	if _, err := cb.Stream(context.Background(), Request{}); err == nil {
		t.Fatalf("expected inner error")
	}
	_, err := cb.Stream(context.Background(), Request{})
	if !errorsx.HasReason(err, errorsx.ReasonLLMCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if mem.Count(metrics.EventBreakerDenied) != 1 || mem.Count(metrics.EventBreakerOpen) != 1 {
		t.Fatalf("expected breaker metrics, got %v", mem.Snapshot())
	}
}
