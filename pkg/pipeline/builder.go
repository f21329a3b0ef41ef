package pipeline

import (
	"errors"
	"log/slog"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/playback"
	"github.com/harunnryd/voxturn/pkg/vad"
)

// SessionBuilder collects the collaborators of a session.
type SessionBuilder struct {
	stt       stt.Adapter
	fallback  *stt.OneShotAdapter
	generator *llm.Generator
	synth     *tts.Synthesizer
	sink      playback.Sink
	recorder  Recorder
	scorer    vad.Scorer
	obs       metrics.Observer
	logger    *slog.Logger
}

func NewSessionBuilder() *SessionBuilder {
	return &SessionBuilder{}
}

func (b *SessionBuilder) WithSTT(a stt.Adapter) *SessionBuilder {
	b.stt = a
	return b
}

// WithFallback sets the one-shot adapter used when a streaming turn cannot
// produce a final transcript.
func (b *SessionBuilder) WithFallback(a *stt.OneShotAdapter) *SessionBuilder {
	b.fallback = a
	return b
}

func (b *SessionBuilder) WithGenerator(g *llm.Generator) *SessionBuilder {
	b.generator = g
	return b
}

func (b *SessionBuilder) WithSynthesizer(s *tts.Synthesizer) *SessionBuilder {
	b.synth = s
	return b
}

func (b *SessionBuilder) WithSink(s playback.Sink) *SessionBuilder {
	b.sink = s
	return b
}

func (b *SessionBuilder) WithRecorder(r Recorder) *SessionBuilder {
	b.recorder = r
	return b
}

func (b *SessionBuilder) WithScorer(s vad.Scorer) *SessionBuilder {
	b.scorer = s
	return b
}

func (b *SessionBuilder) WithObserver(obs metrics.Observer) *SessionBuilder {
	b.obs = obs
	return b
}

func (b *SessionBuilder) WithLogger(l *slog.Logger) *SessionBuilder {
	b.logger = l
	return b
}

func (b *SessionBuilder) Build(cfg SessionConfig) (*Session, error) {
	switch {
	case b.stt == nil:
		return nil, errors.New("pipeline: transcription adapter is required")
	case b.generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case b.synth == nil:
		return nil, errors.New("pipeline: synthesizer is required")
	case b.sink == nil:
		return nil, errors.New("pipeline: playback sink is required")
	}
	return newSession(cfg, b)
}
