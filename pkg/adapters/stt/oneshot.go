package stt

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/redact"
)

// OneShotAdapter buffers a whole utterance and recognizes it with a single
// blocking request once the utterance ends.
type OneShotAdapter struct {
	rec    Recognizer
	cfg    Config
	logger *slog.Logger
}

func NewOneShotAdapter(rec Recognizer, cfg Config, logger *slog.Logger) *OneShotAdapter {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = frames.CanonicalRate
	}
	return &OneShotAdapter{
		rec:    rec,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "stt_oneshot"),
	}
}

func (a *OneShotAdapter) Name() string { return a.rec.Name() }

func (a *OneShotAdapter) Mode() Mode { return ModeOneShot }

func (a *OneShotAdapter) Warm(context.Context) error { return nil }

func (a *OneShotAdapter) Close() error { return nil }

func (a *OneShotAdapter) BeginTurn(ctx context.Context, turnID, language string) Turn {
	return &oneShotTurn{
		adapter:  a,
		ctx:      ctx,
		turnID:   turnID,
		language: a.language(language),
		out:      make(chan frames.TranscriptSegment, 1),
	}
}

func (a *OneShotAdapter) language(language string) string {
	if language != "" {
		return language
	}
	return a.cfg.Language
}

// Transcribe recognizes already captured audio. It is also the fallback
// path for a streaming turn whose connection could not be recovered.
func (a *OneShotAdapter) Transcribe(ctx context.Context, turnID, language string, samples []int16) (frames.TranscriptSegment, error) {
	wav, err := audio.EncodeWAV(samples, a.cfg.SampleRate, 1)
	if err != nil {
		return frames.TranscriptSegment{}, errorsx.Format(err, errorsx.ReasonAudioFormat)
	}
	res, err := a.rec.Recognize(ctx, RecognizeRequest{
		Audio:      wav,
		SampleRate: a.cfg.SampleRate,
		Language:   a.language(language),
	})
	if err != nil {
		if ctx.Err() != nil {
			return frames.TranscriptSegment{}, ctx.Err()
		}
		if errorsx.KindOf(err) == errorsx.KindUnknown {
			err = errorsx.Backend(err, errorsx.ReasonSTTRecognize)
		}
		a.logger.Warn("stt_recognize_failed",
			slog.String("turn_id", turnID),
			slog.String("provider", a.rec.Name()),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return frames.TranscriptSegment{}, err
	}
	a.logger.Debug("stt_recognized",
		slog.String("turn_id", turnID),
		slog.Int("samples", len(samples)),
		slog.String("text", redact.Text(res.Text)))
	return frames.TranscriptSegment{
		TurnID:     turnID,
		Seq:        1,
		Text:       strings.TrimSpace(res.Text),
		IsFinal:    true,
		Confidence: res.Confidence,
	}, nil
}

type oneShotTurn struct {
	adapter  *OneShotAdapter
	ctx      context.Context
	turnID   string
	language string

	mu      sync.Mutex
	samples []int16
	ended   bool
	err     error
	out     chan frames.TranscriptSegment
}

func (t *oneShotTurn) Push(chunk frames.PCMChunk) {
	t.mu.Lock()
	if !t.ended {
		t.samples = append(t.samples, chunk.Samples...)
	}
	t.mu.Unlock()
}

func (t *oneShotTurn) End() {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	samples := t.samples
	t.mu.Unlock()

	go func() {
		defer close(t.out)
		if len(samples) == 0 {
			t.setErr(errorsx.Format(errors.New("empty utterance"), errorsx.ReasonAudioFormat))
			return
		}
		seg, err := t.adapter.Transcribe(t.ctx, t.turnID, t.language, samples)
		if err != nil {
			t.setErr(err)
			return
		}
		t.out <- seg
	}()
}

func (t *oneShotTurn) setErr(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *oneShotTurn) Segments() <-chan frames.TranscriptSegment { return t.out }

func (t *oneShotTurn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *oneShotTurn) Audio() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int16(nil), t.samples...)
}

var _ Adapter = (*OneShotAdapter)(nil)
