package tts

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/redact"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type SynthesizerConfig struct {
	Voice  string
	Locale string
	// FirstAudio is the soft budget for the first audio of a sentence.
	FirstAudio time.Duration
	Backoff    time.Duration
}

// Synthesizer turns ordered sentence chunks into ordered audio. Chunks are
// dispatched one at a time, so output order always equals input order. A
// chunk that fails twice is delivered as text instead of audio.
type Synthesizer struct {
	backend Backend
	breaker *resilience.CircuitBreaker
	cfg     SynthesizerConfig
	logger  *slog.Logger
	obs     metrics.Observer
}

func NewSynthesizer(backend Backend, breaker *resilience.CircuitBreaker, cfg SynthesizerConfig, logger *slog.Logger, obs metrics.Observer) *Synthesizer {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Synthesizer{
		backend: backend,
		breaker: breaker,
		cfg:     cfg,
		logger:  logging.NewComponentLogger(logger, "synthesizer"),
		obs:     obs,
	}
}

func (s *Synthesizer) Name() string { return s.backend.Name() }

// Run synthesizes chunks from in until it is closed or ctx ends. emit is
// called sequentially; an emit error stops the run.
func (s *Synthesizer) Run(ctx context.Context, in <-chan frames.SentenceChunk, emit func(frames.AudioChunk) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-in:
			if !ok {
				return nil
			}
			if err := s.Speak(ctx, chunk, emit); err != nil {
				return err
			}
		}
	}
}

// Speak synthesizes a single chunk, retrying once and degrading to a
// text-only chunk on repeated failure. The returned error is non-nil only
// for cancellation or an emit failure.
func (s *Synthesizer) Speak(ctx context.Context, chunk frames.SentenceChunk, emit func(frames.AudioChunk) error) error {
	var emitErr error
	started := false

	if s.breaker != nil && !s.breaker.Allow() {
		s.logger.Warn("tts_circuit_open",
			slog.String("turn_id", chunk.TurnID),
			slog.Int("index", chunk.Index))
		return s.degrade(ctx, chunk, errorsx.Backend(errors.New("synthesis circuit open"), errorsx.ReasonTTSCircuitOpen), emit)
	}

	policy := resilience.RetryPolicy{
		MaxRetries: 1,
		Backoff:    s.cfg.Backoff,
		Retryable: func(error) bool {
			return !started && emitErr == nil
		},
	}
	err := policy.DoContext(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			s.obs.RecordEvent(metrics.MetricsEvent{
				Name: metrics.EventTTSRetry,
				Time: time.Now(),
				Tags: map[string]string{"turn_id": chunk.TurnID, "provider": s.backend.Name()},
			})
			s.logger.Info("tts_retry",
				slog.String("turn_id", chunk.TurnID),
				slog.Int("index", chunk.Index))
		}
		return s.attempt(ctx, chunk, &started, func(ac frames.AudioChunk) error {
			if err := emit(ac); err != nil {
				emitErr = err
				return err
			}
			return nil
		})
	})
	if emitErr != nil {
		return emitErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if s.breaker != nil {
			s.breaker.OnError(err)
		}
		return s.degrade(ctx, chunk, err, emit)
	}
	if s.breaker != nil {
		s.breaker.OnSuccess()
	}
	return nil
}

func (s *Synthesizer) attempt(ctx context.Context, chunk frames.SentenceChunk, started *bool, emit func(frames.AudioChunk) error) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	begin := time.Now()
	stream, err := s.backend.Synthesize(actx, Request{
		TurnID: chunk.TurnID,
		Index:  chunk.Index,
		Text:   chunk.Text,
		Voice:  s.cfg.Voice,
		Locale: s.cfg.Locale,
	})
	if err != nil {
		return classify(err, errorsx.ReasonTTSConnect)
	}
	var budget <-chan time.Time
	if s.cfg.FirstAudio > 0 {
		timer := time.NewTimer(s.cfg.FirstAudio)
		defer timer.Stop()
		budget = timer.C
	}
	part := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-budget:
			cancel()
			s.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventBudgetExceeded,
				Time:  time.Now(),
				Value: float64(s.cfg.FirstAudio.Milliseconds()),
				Tags:  map[string]string{"stage": "first_audio", "turn_id": chunk.TurnID},
			})
			return errorsx.Timeout(errors.New("no audio within first-audio budget"), errorsx.ReasonTTSFirstAudio)
		case pcm, ok := <-stream.Audio():
			if !ok {
				if err := stream.Err(); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return classify(err, errorsx.ReasonTTSSynthesize)
				}
				if part == 0 {
					return errorsx.Backend(errors.New("synthesis produced no audio"), errorsx.ReasonTTSSynthesize)
				}
				return emit(frames.AudioChunk{
					TurnID:     chunk.TurnID,
					Index:      chunk.Index,
					Part:       part,
					SampleRate: s.backend.SampleRate(),
					Text:       chunk.Text,
					Last:       true,
				})
			}
			if part == 0 {
				budget = nil
				s.obs.RecordEvent(metrics.MetricsEvent{
					Name:  metrics.EventTTSFirstByte,
					Time:  time.Now(),
					Value: float64(time.Since(begin).Milliseconds()),
					Tags:  map[string]string{"turn_id": chunk.TurnID, "provider": s.backend.Name()},
				})
			}
			*started = true
			if err := emit(frames.AudioChunk{
				TurnID:     chunk.TurnID,
				Index:      chunk.Index,
				Part:       part,
				PCM:        pcm,
				SampleRate: s.backend.SampleRate(),
				Text:       chunk.Text,
			}); err != nil {
				return err
			}
			part++
		}
	}
}

func (s *Synthesizer) degrade(ctx context.Context, chunk frames.SentenceChunk, cause error, emit func(frames.AudioChunk) error) error {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTTSDegraded,
		Time: time.Now(),
		Tags: map[string]string{"turn_id": chunk.TurnID, "provider": s.backend.Name(), "reason": string(errorsx.Reason(cause))},
	})
	s.logger.Warn("tts_degraded_to_text",
		slog.String("turn_id", chunk.TurnID),
		slog.Int("index", chunk.Index),
		slog.String("text", redact.Text(chunk.Text)),
		slog.String("error", cause.Error()))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return emit(frames.AudioChunk{
		TurnID:   chunk.TurnID,
		Index:    chunk.Index,
		Text:     chunk.Text,
		TextOnly: true,
		Last:     true,
	})
}

func classify(err error, reason errorsx.ReasonCode) error {
	if errorsx.KindOf(err) != errorsx.KindUnknown {
		return err
	}
	if resilience.IsRateLimit(err) {
		return errorsx.Backend(err, errorsx.ReasonTTSRateLimit)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errorsx.Timeout(err, reason)
	}
	if reason == errorsx.ReasonTTSConnect {
		return errorsx.Transport(err, reason)
	}
	return errorsx.Backend(err, reason)
}
