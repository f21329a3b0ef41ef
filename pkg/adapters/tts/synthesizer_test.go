package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type fakeBackend struct {
	mu       sync.Mutex
	attempts map[int]int
	// failures is how many leading attempts fail per chunk index.
	failures map[int]int
	stall    map[int]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{attempts: map[int]int{}, failures: map[int]int{}, stall: map[int]bool{}}
}

func (b *fakeBackend) Name() string    { return "fake_tts" }
func (b *fakeBackend) SampleRate() int { return 16000 }

func (b *fakeBackend) Synthesize(ctx context.Context, req Request) (*Stream, error) {
	b.mu.Lock()
	b.attempts[req.Index]++
	n := b.attempts[req.Index]
	fail := n <= b.failures[req.Index]
	stall := b.stall[req.Index] && n == 1
	b.mu.Unlock()
	if fail {
		return nil, errors.New("synthesis 500")
	}
	s := NewStream(4)
	go func() {
		if stall {
			<-ctx.Done()
			s.Finish(ctx.Err())
			return
		}
		for i := 0; i < 2; i++ {
			if !s.Send(ctx, []byte{byte(req.Index), byte(i)}) {
				s.Finish(ctx.Err())
				return
			}
		}
		s.Finish(nil)
	}()
	return s, nil
}

func (b *fakeBackend) attemptsFor(i int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[i]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sentences(n int) <-chan frames.SentenceChunk {
	ch := make(chan frames.SentenceChunk, n)
	for i := 0; i < n; i++ {
		ch <- frames.SentenceChunk{TurnID: "t1", Index: i, Text: "sentence"}
	}
	close(ch)
	return ch
}

type recorded struct {
	mu     sync.Mutex
	chunks []frames.AudioChunk
}

func (r *recorded) emit(c frames.AudioChunk) error {
	r.mu.Lock()
	r.chunks = append(r.chunks, c)
	r.mu.Unlock()
	return nil
}

func TestFailureOnSecondChunkDegradesOnlyThatChunk(t *testing.T) {
	b := newFakeBackend()
	b.failures[1] = 2
	mem := metrics.NewMemoryObserver()
	s := NewSynthesizer(b, nil, SynthesizerConfig{}, testLogger(), mem)
	var out recorded
	if err := s.Run(context.Background(), sentences(3), out.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	lastIndex := -1
	audioFor := map[int]int{}
	textOnly := map[int]bool{}
	for _, c := range out.chunks {
		if c.Index < lastIndex {
			t.Fatalf("chunk %d emitted after %d", c.Index, lastIndex)
		}
		lastIndex = c.Index
		if c.TextOnly {
			textOnly[c.Index] = true
		} else if len(c.PCM) > 0 {
			audioFor[c.Index]++
		}
	}
	if audioFor[0] != 2 || audioFor[2] != 2 || audioFor[1] != 0 || !textOnly[1] || textOnly[0] || textOnly[2] {
		t.Fatalf("unexpected output audio=%v text=%v", audioFor, textOnly)
	}
	if b.attemptsFor(1) != 2 {
		t.Fatalf("expected exactly one retry for chunk 1, got %d attempts", b.attemptsFor(1))
	}
	if mem.Count(metrics.EventTTSDegraded) != 1 || mem.Count(metrics.EventTTSRetry) != 1 {
		t.Fatalf("unexpected metrics %v", mem.Snapshot())
	}
}

func TestRetrySucceedsWithoutDegrading(t *testing.T) {
	b := newFakeBackend()
	b.failures[0] = 1
	s := NewSynthesizer(b, nil, SynthesizerConfig{}, testLogger(), nil)
	var out recorded
	if err := s.Run(context.Background(), sentences(1), out.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.chunks) != 3 || out.chunks[0].TextOnly || !out.chunks[2].Last || out.chunks[1].Part != 1 {
		t.Fatalf("unexpected output %+v", out.chunks)
	}
}

func TestFirstAudioBudgetRetries(t *testing.T) {
	b := newFakeBackend()
	b.stall[0] = true
	s := NewSynthesizer(b, nil, SynthesizerConfig{FirstAudio: 20 * time.Millisecond}, testLogger(), nil)
	var out recorded
	if err := s.Run(context.Background(), sentences(1), out.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if b.attemptsFor(0) != 2 || len(out.chunks) != 3 || out.chunks[0].TextOnly {
		t.Fatalf("expected audio on retry, got %d attempts %+v", b.attemptsFor(0), out.chunks)
	}
}

func TestOpenBreakerSkipsStraightToText(t *testing.T) {
	b := newFakeBackend()
	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	breaker.OnError(resilience.RateLimitError{Provider: "fake"})
	s := NewSynthesizer(b, breaker, SynthesizerConfig{}, testLogger(), nil)
	var out recorded
	if err := s.Run(context.Background(), sentences(2), out.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out.chunks) != 2 || !out.chunks[0].TextOnly || !out.chunks[1].TextOnly || b.attemptsFor(0) != 0 {
		t.Fatalf("expected text-only output, got %+v", out.chunks)
	}
}

func TestEmitErrorStopsRun(t *testing.T) {
	b := newFakeBackend()
	s := NewSynthesizer(b, nil, SynthesizerConfig{}, testLogger(), nil)
	stop := errors.New("cancelled by orchestrator")
	calls := 0
	err := s.Run(context.Background(), sentences(3), func(frames.AudioChunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 || b.attemptsFor(1) != 0 {
		t.Fatalf("expected run to stop at first emit, got err=%v calls=%d", err, calls)
	}
}
