// Package pipeline runs spoken turns for a single session: audio in,
// speech boundaries, transcript, streamed reply, ordered playback out.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/playback"
	"github.com/harunnryd/voxturn/pkg/turn"
	"github.com/harunnryd/voxturn/pkg/vad"
)

var (
	ErrIngestFull    = errors.New("pipeline: ingest queue full")
	ErrSessionClosed = errors.New("pipeline: session closed")
)

// Recorder receives conversation history. Implementations must return
// without blocking on storage.
type Recorder interface {
	Submit(rec frames.TurnRecord)
	StartSession(sessionID string, metadata map[string]string)
	EndSession(sessionID string)
}

// Session orchestrates the turns of one conversation. It owns its adapters
// and its turn state; nothing in it is shared with other sessions.
type Session struct {
	cfg       SessionConfig
	stt       stt.Adapter
	fallback  *stt.OneShotAdapter
	generator *llm.Generator
	synth     *tts.Synthesizer
	sink      playback.Sink
	recorder  Recorder
	obs       metrics.Observer
	logger    *slog.Logger

	machine  *turn.Machine
	ingest   *audio.Ingest
	detector *vad.Detector
	ring     *audio.Ring

	inputMu     sync.RWMutex
	inputClosed bool
	input       chan frames.AudioFrame
	inputDone   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	// cur is the utterance being captured; ingest goroutine only.
	cur *capture

	mu        sync.Mutex
	active    *activeTurn
	pending   []*capture
	greeting  bool
	turnIndex int
	wake      chan struct{}

	// outMu serializes sink access with cancellation.
	outMu sync.Mutex

	framesDropped atomic.Int64
	turnsDropped  atomic.Int64
}

type activeTurn struct {
	id      string
	index   int
	capture *capture
	ctx     context.Context
	cancel  context.CancelFunc
	claimed bool
}

func newSession(cfg SessionConfig, b *SessionBuilder) (*Session, error) {
	cfg.applyDefaults()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	scorer := b.scorer
	if scorer == nil {
		scorer = vad.NewEnergyScorer()
	}
	detector, err := vad.NewDetector(cfg.VAD, scorer)
	if err != nil {
		return nil, err
	}
	obs := b.obs
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	logger := logging.NewComponentLogger(b.logger, "session").With(slog.String("session_id", cfg.SessionID))
	window := cfg.Window
	ringSize := int((cfg.PreRoll+cfg.VAD.MinSpeech)/window) + 2

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:       cfg,
		stt:       b.stt,
		fallback:  b.fallback,
		generator: b.generator,
		synth:     b.synth,
		sink:      b.sink,
		recorder:  b.recorder,
		obs:       obs,
		logger:    logger,
		machine:   turn.NewMachine(),
		ingest:    audio.NewIngest(audio.IngestConfig{Window: window}, b.logger),
		detector:  detector,
		ring:      audio.NewRing(ringSize),
		input:     make(chan frames.AudioFrame, cfg.IngestQueue),
		inputDone: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}, nil
}

func (s *Session) ID() string { return s.cfg.SessionID }

// State returns the turn state.
func (s *Session) State() turn.State { return s.machine.State() }

// AddListener observes turn state changes.
func (s *Session) AddListener(l turn.StateListener) { s.machine.AddListener(l) }

// FramesDropped counts malformed or overflowed inbound frames.
func (s *Session) FramesDropped() int64 { return s.framesDropped.Load() }

// TurnsDropped counts queued utterances discarded by newer ones.
func (s *Session) TurnsDropped() int64 { return s.turnsDropped.Load() }

// Start launches the ingest and turn workers. The session stops when ctx
// ends or Close is called.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: session already started")
	}
	if ctx != nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	LogConfiguration(s.logger, s.cfg)
	if err := s.stt.Warm(s.ctx); err != nil {
		// The first turn dials again; a cold start only costs latency.
		s.logger.Warn("stt_warm_failed",
			slog.String("provider", s.stt.Name()),
			slog.String("error", err.Error()))
	}
	if s.recorder != nil {
		s.recorder.StartSession(s.cfg.SessionID, s.cfg.Metadata)
	}
	s.mu.Lock()
	s.greeting = s.cfg.greets()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.ingestLoop()
	go s.workerLoop()
	return nil
}

// PushAudio hands an inbound frame to the session without blocking. When
// the ingest queue is full the frame is dropped and ErrIngestFull returned.
func (s *Session) PushAudio(f frames.AudioFrame) error {
	s.inputMu.RLock()
	defer s.inputMu.RUnlock()
	if s.inputClosed {
		return ErrSessionClosed
	}
	select {
	case s.input <- f:
		return nil
	default:
		s.framesDropped.Add(1)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventFrameDropped,
			Time: time.Now(),
			Tags: map[string]string{"session_id": s.cfg.SessionID, "reason": "queue_full"},
		})
		return ErrIngestFull
	}
}

// CloseInput marks the end of inbound audio. Queued frames are still
// processed and an utterance in progress is terminated.
func (s *Session) CloseInput() {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	close(s.input)
}

// Wait blocks until input is closed and every captured utterance has been
// answered, or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.inputDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionClosed
		case <-ticker.C:
		}
	}
}

func (s *Session) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == nil && len(s.pending) == 0 && !s.greeting
}

// Close cancels any turn in flight, stops the workers and releases the
// transcription adapter.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.CloseInput()
	s.cancel()
	s.wg.Wait()
	err := s.stt.Close()
	if s.recorder != nil && s.started.Load() {
		s.recorder.EndSession(s.cfg.SessionID)
	}
	s.logger.Info("session_closed",
		slog.Int64("frames_dropped", s.framesDropped.Load()),
		slog.Int64("turns_dropped", s.turnsDropped.Load()))
	return err
}

func (s *Session) ingestLoop() {
	defer s.wg.Done()
	defer close(s.inputDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-s.input:
			if !ok {
				s.endOfInput()
				return
			}
			s.handleFrame(f)
		}
	}
}

func (s *Session) handleFrame(f frames.AudioFrame) {
	chunks, err := s.ingest.Push(f)
	if err != nil {
		s.framesDropped.Add(1)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventFrameDropped,
			Time: time.Now(),
			Tags: map[string]string{"session_id": s.cfg.SessionID, "reason": string(errorsx.Reason(err))},
		})
		return
	}
	for _, c := range chunks {
		s.handleChunk(c)
	}
}

func (s *Session) handleChunk(c frames.PCMChunk) {
	s.ring.Push(c)
	if s.cur != nil {
		s.cur.append(c)
	}
	ev, ok := s.detector.Process(c)
	if !ok {
		return
	}
	switch ev.Type {
	case vad.SpeechStart:
		s.onSpeechStart(ev)
	case vad.SpeechEnd:
		s.onSpeechEnd(ev)
	}
}

func (s *Session) endOfInput() {
	for _, c := range s.ingest.Terminate() {
		s.handleChunk(c)
	}
	if s.cur != nil {
		pos := s.ingest.Position()
		s.onSpeechEnd(vad.Event{Type: vad.SpeechEnd, At: pos, Boundary: pos})
	}
}

func (s *Session) onSpeechStart(ev vad.Event) {
	from := ev.Boundary - s.cfg.PreRoll
	if from < 0 {
		from = 0
	}
	c := newCapture(uuid.NewString(), ev.Boundary)
	for _, ch := range s.ring.Since(frames.DurationToSamples(from, frames.CanonicalRate)) {
		c.append(ch)
	}
	s.cur = c
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSpeechStart,
		Time:  time.Now(),
		Value: float64(ev.Boundary.Milliseconds()),
		Tags:  map[string]string{"session_id": s.cfg.SessionID, "turn_id": c.id},
	})
	s.logger.Debug("speech_start",
		slog.String("turn_id", c.id),
		slog.Duration("at", ev.At),
		slog.Float64("probability", ev.Probability))
	s.admit(c)
}

func (s *Session) onSpeechEnd(ev vad.Event) {
	c := s.cur
	s.cur = nil
	if c == nil {
		return
	}
	c.end(ev.Boundary)
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSpeechEnd,
		Time:  time.Now(),
		Value: float64(ev.Boundary.Milliseconds()),
		Tags:  map[string]string{"session_id": s.cfg.SessionID, "turn_id": c.id},
	})
	s.logger.Debug("speech_end",
		slog.String("turn_id", c.id),
		slog.Duration("at", ev.At),
		slog.Duration("speech", ev.Boundary-c.speechStart))
}

// admit decides what a new utterance does to the session: start a turn,
// interrupt the current one, or wait in the pending queue.
func (s *Session) admit(c *capture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return
	}
	switch {
	case s.active == nil && !s.greeting:
		s.activate(c, "speech_start")
	case s.cfg.BargeIn && s.active != nil && !s.greeting:
		old := s.active
		old.cancel()
		s.logger.Info("barge_in",
			slog.String("interrupted_turn_id", old.id),
			slog.String("turn_id", c.id))
		s.activate(c, "barge_in")
		s.outMu.Lock()
		s.sink.Reset()
		s.outMu.Unlock()
	default:
		s.pending = append(s.pending, c)
		if len(s.pending) > s.cfg.PendingTurns {
			lost := s.pending[0]
			s.pending = s.pending[1:]
			s.turnsDropped.Add(1)
			s.logger.Warn("pending_turn_dropped", slog.String("turn_id", lost.id))
		}
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventTurnQueued,
			Time:  time.Now(),
			Value: float64(len(s.pending)),
			Tags:  map[string]string{"session_id": s.cfg.SessionID, "turn_id": c.id},
		})
	}
}

// activate makes c the active turn. Caller holds s.mu.
func (s *Session) activate(c *capture, reason string) {
	if !turn.CanTransition(s.machine.State(), turn.StateListening) {
		_ = s.machine.Transition(turn.StateIdle, reason)
	}
	s.turnIndex++
	ctx, cancel := context.WithCancel(s.ctx)
	s.active = &activeTurn{id: c.id, index: s.turnIndex, capture: c, ctx: ctx, cancel: cancel}
	if err := s.machine.TransitionTurn(turn.StateListening, c.id, reason); err != nil {
		s.logger.Warn("turn_transition_rejected", slog.String("turn_id", c.id), slog.String("error", err.Error()))
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventTurnStart,
		Time: time.Now(),
		Tags: map[string]string{"session_id": s.cfg.SessionID, "turn_id": c.id, "reason": reason},
	})
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// promote starts the oldest pending utterance once the session is free.
// Caller holds s.mu.
func (s *Session) promote() {
	if s.active != nil || s.greeting || len(s.pending) == 0 {
		return
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	s.activate(c, "dequeued")
}

func (s *Session) claim() *activeTurn {
	for {
		s.mu.Lock()
		if t := s.active; t != nil && !t.claimed {
			t.claimed = true
			s.mu.Unlock()
			return t
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Session) finish(t *activeTurn) {
	t.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == t {
		s.active = nil
		s.promote()
	}
}

func (s *Session) workerLoop() {
	defer s.wg.Done()
	if s.cfg.greets() {
		s.greet()
		s.mu.Lock()
		s.greeting = false
		s.promote()
		s.mu.Unlock()
	}
	for {
		t := s.claim()
		if t == nil {
			return
		}
		s.runTurn(t)
		s.finish(t)
	}
}

func (s *Session) transition(t *activeTurn, state turn.State, reason string) error {
	err := s.machine.TransitionTurn(state, t.id, reason)
	if err == nil {
		return nil
	}
	var stale *turn.StaleTurnError
	if errors.As(err, &stale) {
		s.logger.Debug("stale_turn_transition", slog.String("turn_id", t.id), slog.String("to", state.String()))
	} else {
		s.logger.Warn("turn_transition_rejected", slog.String("turn_id", t.id), slog.String("error", err.Error()))
	}
	return err
}

func (s *Session) submit(rec frames.TurnRecord) {
	if s.recorder == nil {
		return
	}
	rec.SessionID = s.cfg.SessionID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Language == "" {
		rec.Language = s.cfg.Language
	}
	s.recorder.Submit(rec)
}
