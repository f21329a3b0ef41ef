package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/aggregators"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/redact"
	"github.com/harunnryd/voxturn/pkg/turn"
)

// turnOutput tracks what actually reached the sink for one turn.
type turnOutput struct {
	onFirst  func()
	started  bool
	firstAt  time.Time
	spoken   []string
	degraded bool
}

func (o *turnOutput) text() string { return strings.Join(o.spoken, " ") }

// deliver writes one chunk to the sink unless ctx is already cancelled.
// Holding outMu across the check and the write means nothing from a
// cancelled turn reaches the sink after its cancellation was observed.
func (s *Session) deliver(ctx context.Context, out *turnOutput, ac frames.AudioChunk) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	audible := false
	switch {
	case ac.TextOnly:
		if err := s.sink.WriteText(ac); err != nil {
			return err
		}
		out.degraded = true
		audible = true
	case len(ac.PCM) > 0:
		if err := s.sink.WriteAudio(ac); err != nil {
			return err
		}
		audible = true
	}
	if audible && !out.started {
		out.started = true
		out.firstAt = time.Now()
		if out.onFirst != nil {
			out.onFirst()
		}
	}
	if ac.Last {
		out.spoken = append(out.spoken, strings.TrimSpace(ac.Text))
	}
	return nil
}

func (s *Session) flushTail(ctx context.Context) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if err := s.sink.FlushTail(); err != nil {
		s.logger.Warn("playback_flush_failed", slog.String("error", err.Error()))
	}
}

// speakText synthesizes fixed text sentence by sentence.
func (s *Session) speakText(ctx context.Context, turnID, text string, onFirst func()) *turnOutput {
	chunker := aggregators.NewSentenceChunker(turnID, s.cfg.Chunker)
	chunks := append(chunker.Push(text), chunker.Flush()...)
	out := &turnOutput{onFirst: onFirst}
	emit := func(ac frames.AudioChunk) error { return s.deliver(ctx, out, ac) }
	for _, ch := range chunks {
		if err := s.synth.Speak(ctx, ch, emit); err != nil {
			break
		}
	}
	return out
}

// speakGenerated synthesizes a reply the generator writes from directive.
func (s *Session) speakGenerated(ctx context.Context, turnID, directive string) (*turnOutput, error) {
	chunker := aggregators.NewSentenceChunker(turnID, s.cfg.Chunker)
	out := &turnOutput{}
	emit := func(ac frames.AudioChunk) error { return s.deliver(ctx, out, ac) }
	speak := func(chunks []frames.SentenceChunk) error {
		for _, ch := range chunks {
			if err := s.synth.Speak(ctx, ch, emit); err != nil {
				return err
			}
		}
		return nil
	}
	for ev := range s.generator.Open(ctx, turnID, directive) {
		if ev.Err != nil {
			return out, ev.Err
		}
		if err := speak(chunker.Push(ev.Text)); err != nil {
			return out, err
		}
		if ev.Done {
			break
		}
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, speak(chunker.Flush())
}

// greet speaks the greeting before any turn is taken: the fixed text when
// one is configured, otherwise a reply generated from the greeting
// instructions. Utterances captured meanwhile wait in the pending queue.
func (s *Session) greet() {
	id := uuid.NewString()
	text := s.cfg.Greeting
	var out *turnOutput
	if text != "" {
		out = s.speakText(s.ctx, id, text, nil)
	} else {
		var err error
		out, err = s.speakGenerated(s.ctx, id, s.cfg.GreetingInstructions)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn("greeting_generation_failed",
				slog.String("turn_id", id),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		text = out.text()
	}
	if s.ctx.Err() != nil {
		return
	}
	s.flushTail(s.ctx)
	if len(out.spoken) == 0 {
		return
	}
	s.generator.Commit("", text)
	s.submit(frames.TurnRecord{
		TurnID:    id,
		TurnIndex: 0,
		Role:      frames.RoleAssistant,
		Text:      text,
		Degraded:  out.degraded,
	})
	s.logger.Info("greeting_spoken", slog.String("turn_id", id))
}

func (s *Session) runTurn(t *activeTurn) {
	c := t.capture
	sttCtx, abandon := context.WithCancel(t.ctx)
	defer abandon()
	st := s.stt.BeginTurn(sttCtx, t.id, s.cfg.Language)
	go c.feed(sttCtx, st)

	select {
	case <-c.done:
	case <-t.ctx.Done():
		s.cancelled(t, turn.StateListening)
		return
	}
	if s.transition(t, turn.StateTranscribing, "speech_end") != nil {
		return
	}
	seg, degraded, err := s.transcribe(t, st, abandon)
	if t.ctx.Err() != nil {
		s.cancelled(t, turn.StateTranscribing)
		return
	}
	if err != nil {
		s.fail(t, err)
		return
	}
	speechStart, speechEnd, endedAt := c.bounds()
	text := strings.TrimSpace(seg.Text)
	if text == "" {
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventTurnEmpty,
			Time: time.Now(),
			Tags: map[string]string{"session_id": s.cfg.SessionID, "turn_id": t.id},
		})
		s.logger.Info("turn_empty_transcript", slog.String("turn_id", t.id))
		_ = s.transition(t, turn.StateIdle, "empty_transcript")
		return
	}
	s.submit(frames.TurnRecord{
		TurnID:    t.id,
		TurnIndex: t.index,
		Role:      frames.RoleUser,
		Text:      text,
		LatencyMs: time.Since(endedAt).Milliseconds(),
		Degraded:  degraded,
	})
	s.respond(t, frames.Utterance{
		TurnID:      t.id,
		Text:        text,
		Language:    s.cfg.Language,
		SpeechStart: speechStart,
		SpeechEnd:   speechEnd,
	}, endedAt)
}

// transcribe waits for the final transcript of t. A streaming turn that
// fails, or misses the transcription budget, is redone by the one-shot
// fallback over the captured audio.
func (s *Session) transcribe(t *activeTurn, st stt.Turn, abandon context.CancelFunc) (frames.TranscriptSegment, bool, error) {
	begin := time.Now()
	var budget <-chan time.Time
	if b := s.cfg.Budgets.Transcription; b > 0 {
		timer := time.NewTimer(b)
		defer timer.Stop()
		budget = timer.C
	}
	segments := st.Segments()
	for {
		select {
		case <-t.ctx.Done():
			return frames.TranscriptSegment{}, false, t.ctx.Err()
		case <-budget:
			budget = nil
			s.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventBudgetExceeded,
				Time:  time.Now(),
				Value: float64(s.cfg.Budgets.Transcription.Milliseconds()),
				Tags:  map[string]string{"stage": "transcription", "turn_id": t.id},
			})
			if s.canFallback() {
				abandon()
				return s.fallbackTranscribe(t, errorsx.Timeout(errors.New("no final transcript within budget"), errorsx.ReasonSTTBudget))
			}
			s.logger.Warn("stt_budget_exceeded", slog.String("turn_id", t.id))
		case seg, ok := <-segments:
			if !ok {
				if t.ctx.Err() != nil {
					return frames.TranscriptSegment{}, false, t.ctx.Err()
				}
				err := st.Err()
				if err == nil {
					err = errorsx.Backend(errors.New("transcript ended without a final segment"), errorsx.ReasonSTTNoFinal)
				}
				if s.canFallback() {
					return s.fallbackTranscribe(t, err)
				}
				return frames.TranscriptSegment{}, false, err
			}
			if !seg.IsFinal {
				s.logger.Debug("stt_partial",
					slog.String("turn_id", t.id),
					slog.Int("seq", seg.Seq),
					slog.String("text", redact.Text(seg.Text)))
				continue
			}
			s.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventSTTFinal,
				Time:  time.Now(),
				Value: float64(time.Since(begin).Milliseconds()),
				Tags:  map[string]string{"turn_id": t.id, "provider": s.stt.Name()},
			})
			return seg, false, nil
		}
	}
}

func (s *Session) canFallback() bool {
	return s.fallback != nil && s.stt.Mode() == stt.ModeStreaming
}

func (s *Session) fallbackTranscribe(t *activeTurn, cause error) (frames.TranscriptSegment, bool, error) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSTTFallback,
		Time: time.Now(),
		Tags: map[string]string{"turn_id": t.id, "reason": string(errorsx.Reason(cause)), "kind": string(errorsx.KindOf(cause))},
	})
	s.logger.Warn("stt_fallback_oneshot",
		slog.String("turn_id", t.id),
		slog.String("reason", string(errorsx.Reason(cause))),
		slog.String("error", cause.Error()))
	seg, err := s.fallback.Transcribe(t.ctx, t.id, s.cfg.Language, t.capture.samples())
	return seg, true, err
}

// respond streams the reply to utt through the chunker and synthesizer.
func (s *Session) respond(t *activeTurn, utt frames.Utterance, endedAt time.Time) {
	if s.transition(t, turn.StateGenerating, "final_transcript") != nil {
		return
	}
	out := &turnOutput{onFirst: func() {
		_ = s.transition(t, turn.StateSpeaking, "first_audio")
	}}
	sentences := make(chan frames.SentenceChunk, 16)
	synthDone := make(chan error, 1)
	go func() {
		synthDone <- s.synth.Run(t.ctx, sentences, func(ac frames.AudioChunk) error {
			return s.deliver(t.ctx, out, ac)
		})
	}()

	chunker := aggregators.NewSentenceChunker(t.id, s.cfg.Chunker)
	var reply strings.Builder
	var genErr error
	dispatched := false
	dispatch := func(chunks []frames.SentenceChunk) bool {
		for _, ch := range chunks {
			if !dispatched {
				dispatched = true
				_ = s.transition(t, turn.StateSynthesizing, "first_sentence")
			}
			select {
			case sentences <- ch:
			case <-t.ctx.Done():
				return false
			}
		}
		return true
	}

	for ev := range s.generator.Generate(t.ctx, utt) {
		if ev.Err != nil {
			genErr = ev.Err
			break
		}
		if ev.Text != "" {
			reply.WriteString(ev.Text)
			if !dispatch(chunker.Push(ev.Text)) {
				break
			}
		}
		if ev.Done {
			break
		}
	}
	if genErr == nil && t.ctx.Err() == nil {
		dispatch(chunker.Flush())
	}
	close(sentences)
	synthErr := <-synthDone

	if t.ctx.Err() != nil {
		s.generator.Commit(utt.Text, out.text())
		if len(out.spoken) > 0 {
			s.recordReply(t, out, endedAt, true)
		}
		stage := turn.StateGenerating
		if out.started {
			stage = turn.StateSpeaking
		}
		s.cancelled(t, stage)
		return
	}
	if synthErr != nil {
		s.generator.Commit(utt.Text, out.text())
		s.fail(t, synthErr)
		return
	}
	if genErr != nil {
		if !out.started {
			s.generator.Commit(utt.Text, "")
			s.fail(t, genErr)
			return
		}
		// Part of the reply was already heard; end the turn there.
		s.logger.Warn("llm_stream_interrupted",
			slog.String("turn_id", t.id),
			slog.String("reason", string(errorsx.Reason(genErr))),
			slog.String("error", genErr.Error()))
		s.flushTail(t.ctx)
		s.generator.Commit(utt.Text, out.text())
		s.recordReply(t, out, endedAt, true)
		_ = s.transition(t, turn.StateError, string(errorsx.Reason(genErr)))
		_ = s.transition(t, turn.StateIdle, "recovered")
		return
	}

	s.flushTail(t.ctx)
	s.generator.Commit(utt.Text, reply.String())
	if !dispatched {
		s.logger.Info("turn_empty_reply", slog.String("turn_id", t.id))
		_ = s.transition(t, turn.StateIdle, "empty_reply")
		return
	}
	latency := out.firstAt.Sub(endedAt)
	s.recordReply(t, out, endedAt, out.degraded)
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventTurnComplete,
		Time:  time.Now(),
		Value: float64(latency.Milliseconds()),
		Tags:  map[string]string{"session_id": s.cfg.SessionID, "turn_id": t.id},
	})
	s.logger.Info("turn_complete",
		slog.String("turn_id", t.id),
		slog.Int("turn_index", t.index),
		slog.Int("sentences", len(out.spoken)),
		slog.Bool("degraded", out.degraded),
		slog.Duration("latency", latency),
		slog.String("reply", redact.Text(reply.String())))
	_ = s.transition(t, turn.StateIdle, "turn_complete")
}

func (s *Session) recordReply(t *activeTurn, out *turnOutput, endedAt time.Time, degraded bool) {
	var latency int64
	if out.started {
		latency = out.firstAt.Sub(endedAt).Milliseconds()
	}
	s.submit(frames.TurnRecord{
		TurnID:    t.id,
		TurnIndex: t.index,
		Role:      frames.RoleAssistant,
		Text:      out.text(),
		LatencyMs: latency,
		Degraded:  degraded,
	})
}

// fail reports an unrecoverable turn error and speaks the fallback message.
func (s *Session) fail(t *activeTurn, err error) {
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTurnFailed,
		Time: time.Now(),
		Tags: map[string]string{
			"session_id": s.cfg.SessionID,
			"turn_id":    t.id,
			"kind":       string(errorsx.KindOf(err)),
			"reason":     string(errorsx.Reason(err)),
		},
	})
	s.logger.Error("turn_failed",
		slog.String("turn_id", t.id),
		slog.String("kind", string(errorsx.KindOf(err))),
		slog.String("reason", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	if s.transition(t, turn.StateError, string(errorsx.Reason(err))) != nil {
		return
	}
	if s.cfg.FallbackText != "" {
		out := s.speakText(t.ctx, t.id, s.cfg.FallbackText, nil)
		s.flushTail(t.ctx)
		if len(out.spoken) > 0 {
			s.submit(frames.TurnRecord{
				TurnID:    t.id,
				TurnIndex: t.index,
				Role:      frames.RoleAssistant,
				Text:      out.text(),
				Degraded:  true,
			})
		}
	}
	_ = s.transition(t, turn.StateIdle, "recovered")
}

func (s *Session) cancelled(t *activeTurn, stage turn.State) {
	if s.ctx.Err() != nil {
		return
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTurnCancelled,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID, "turn_id": t.id, "stage": stage.String()},
	})
	s.logger.Info("turn_cancelled",
		slog.String("turn_id", t.id),
		slog.String("stage", stage.String()),
		slog.String("reason", string(errorsx.ReasonTurnCancelled)))
}
