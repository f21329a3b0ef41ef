package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
)

type LLMConfig struct {
	// Reply is streamed word by word. Defaults to an echo of the utterance,
	// or of the directive when there is none.
	Reply string
	// FirstToken delays the first token; TokenDelay paces the rest.
	FirstToken time.Duration
	TokenDelay time.Duration
	// FailFirst makes that many leading calls fail before any token.
	FailFirst int
	Err       error
}

// LLM streams a canned reply.
type LLM struct {
	cfg LLMConfig

	mu       sync.Mutex
	calls    int
	requests []llm.Request
}

func NewLLM(cfg LLMConfig) *LLM {
	return &LLM{cfg: cfg}
}

func (m *LLM) Name() string { return "mock_llm" }

func (m *LLM) Stream(ctx context.Context, req llm.Request) (<-chan frames.TokenEvent, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	reply := m.cfg.Reply
	if reply == "" {
		prompt := req.Utterance.Text
		if prompt == "" {
			prompt = req.Directive
		}
		reply = "You said: " + prompt
	}
	out := make(chan frames.TokenEvent, 8)
	go func() {
		defer close(out)
		if err := sleep(ctx, m.cfg.FirstToken); err != nil {
			return
		}
		if n <= m.cfg.FailFirst || m.cfg.Err != nil {
			err := m.cfg.Err
			if err == nil {
				err = errorsx.Backend(errMockUnavailable, errorsx.ReasonLLMGenerate)
			}
			out <- frames.TokenEvent{Err: err}
			return
		}
		for i, w := range words(reply) {
			if i > 0 {
				if err := sleep(ctx, m.cfg.TokenDelay); err != nil {
					return
				}
			}
			select {
			case out <- frames.TokenEvent{Text: w}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- frames.TokenEvent{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (m *LLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns every request received, in order.
func (m *LLM) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}
