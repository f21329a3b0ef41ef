package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type GeneratorConfig struct {
	Persona  string
	Language string
	// MaxHistory is the number of prior turns (user + assistant pairs) sent
	// with each request.
	MaxHistory int
	// RetryHistory is the number of turns kept on the single retry.
	RetryHistory int
	// FirstToken is the soft budget for the first token. Exceeding it aborts
	// the attempt and triggers the retry.
	FirstToken time.Duration
	Backoff    time.Duration
}

// Generator streams replies for one session and owns its bounded history.
type Generator struct {
	backend Backend
	cfg     GeneratorConfig
	logger  *slog.Logger
	obs     metrics.Observer

	mu      sync.Mutex
	history []Message
}

func NewGenerator(backend Backend, cfg GeneratorConfig, logger *slog.Logger, obs metrics.Observer) *Generator {
	if cfg.MaxHistory < 0 {
		cfg.MaxHistory = 0
	}
	if cfg.RetryHistory < 0 || cfg.RetryHistory > cfg.MaxHistory {
		cfg.RetryHistory = cfg.MaxHistory / 2
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Generator{
		backend: backend,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "generator"),
		obs:     obs,
	}
}

// Generate streams the reply to utt. The returned channel carries tokens in
// arrival order and ends with Done or Err; after ctx is cancelled it closes
// without further tokens.
func (g *Generator) Generate(ctx context.Context, utt frames.Utterance) <-chan frames.TokenEvent {
	return g.stream(ctx, utt, "")
}

// Open streams a reply the agent starts on its own, steered by directive.
// It behaves like Generate.
func (g *Generator) Open(ctx context.Context, turnID, directive string) <-chan frames.TokenEvent {
	return g.stream(ctx, frames.Utterance{TurnID: turnID}, directive)
}

func (g *Generator) stream(ctx context.Context, utt frames.Utterance, directive string) <-chan frames.TokenEvent {
	out := make(chan frames.TokenEvent, 32)
	go func() {
		defer close(out)
		language := utt.Language
		if language == "" {
			language = g.cfg.Language
		}
		emitted := false
		policy := resilience.RetryPolicy{
			MaxRetries: 1,
			Backoff:    g.cfg.Backoff,
			Retryable: func(err error) bool {
				return !emitted && Retryable(err)
			},
		}
		err := policy.DoContext(ctx, func(ctx context.Context, attempt int) error {
			turns := g.cfg.MaxHistory
			if attempt > 0 {
				turns = g.cfg.RetryHistory
				g.obs.RecordEvent(metrics.MetricsEvent{
					Name: metrics.EventLLMRetry,
					Time: time.Now(),
					Tags: map[string]string{"turn_id": utt.TurnID, "provider": g.backend.Name()},
				})
				g.logger.Warn("llm_retry_truncated_history",
					slog.String("turn_id", utt.TurnID),
					slog.Int("history_turns", turns))
			}
			req := Request{
				Persona:   g.cfg.Persona,
				History:   g.recent(turns),
				Utterance: utt,
				Language:  language,
				Directive: directive,
			}
			return g.attempt(ctx, req, out, &emitted)
		})
		if err == nil {
			send(ctx, out, frames.TokenEvent{Done: true})
			return
		}
		if ctx.Err() != nil {
			return
		}
		g.logger.Error("llm_generate_failed",
			slog.String("turn_id", utt.TurnID),
			slog.String("kind", string(errorsx.KindOf(err))),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		send(ctx, out, frames.TokenEvent{Err: err})
	}()
	return out
}

func (g *Generator) attempt(ctx context.Context, req Request, out chan<- frames.TokenEvent, emitted *bool) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	ch, err := g.backend.Stream(actx, req)
	if err != nil {
		return Classify(err, errorsx.ReasonLLMGenerate)
	}
	var budget <-chan time.Time
	if g.cfg.FirstToken > 0 {
		timer := time.NewTimer(g.cfg.FirstToken)
		defer timer.Stop()
		budget = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-budget:
			cancel()
			g.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventBudgetExceeded,
				Time:  time.Now(),
				Value: float64(g.cfg.FirstToken.Milliseconds()),
				Tags:  map[string]string{"stage": "first_token", "turn_id": req.Utterance.TurnID},
			})
			return errorsx.Timeout(errors.New("no token within first-token budget"), errorsx.ReasonLLMFirstToken)
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return Classify(ev.Err, errorsx.ReasonLLMStream)
			}
			if ev.Text != "" {
				if !*emitted {
					budget = nil
					g.obs.RecordEvent(metrics.MetricsEvent{
						Name:  metrics.EventLLMFirstTok,
						Time:  time.Now(),
						Value: float64(time.Since(start).Milliseconds()),
						Tags:  map[string]string{"turn_id": req.Utterance.TurnID, "provider": g.backend.Name()},
					})
				}
				*emitted = true
				if !send(ctx, out, frames.TokenEvent{Text: ev.Text}) {
					return ctx.Err()
				}
			}
			if ev.Done {
				return nil
			}
		}
	}
}

func send(ctx context.Context, out chan<- frames.TokenEvent, ev frames.TokenEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Commit appends a finished turn to history, trimming to MaxHistory turns.
// Replies that were cut short are committed with the text actually delivered.
func (g *Generator) Commit(userText, reply string) {
	userText = strings.TrimSpace(userText)
	reply = strings.TrimSpace(reply)
	if userText == "" && reply == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if userText != "" {
		g.history = append(g.history, Message{Role: RoleUser, Content: userText})
	}
	if reply != "" {
		g.history = append(g.history, Message{Role: RoleAssistant, Content: reply})
	}
	// Two messages per turn.
	if limit := 2 * g.cfg.MaxHistory; len(g.history) > limit {
		g.history = append([]Message(nil), g.history[len(g.history)-limit:]...)
	}
}

func (g *Generator) recent(turns int) []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 2 * turns
	if n <= 0 {
		return nil
	}
	if n > len(g.history) {
		n = len(g.history)
	}
	return append([]Message(nil), g.history[len(g.history)-n:]...)
}

// History returns a copy of the retained conversation.
func (g *Generator) History() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.history...)
}
