package stt

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
)

type StreamingConfig struct {
	Config
	// FinalTimeout bounds the wait for a final result after the end marker.
	FinalTimeout time.Duration
}

// StreamingAdapter keeps one warm connection per session and reuses it for
// every turn. A connection lost mid-turn is redialed once and the turn's audio
// replayed from the start; a second loss fails the turn with a transport error
// so the caller can fall back to one-shot recognition of Turn.Audio.
type StreamingAdapter struct {
	dialer Dialer
	cfg    StreamingConfig
	logger *slog.Logger

	// active serializes turns on the shared connection.
	active sync.Mutex

	mu     sync.Mutex
	conn   StreamConn
	dials  int
	closed bool
}

func NewStreamingAdapter(dialer Dialer, cfg StreamingConfig, logger *slog.Logger) *StreamingAdapter {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = frames.CanonicalRate
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 5 * time.Second
	}
	return &StreamingAdapter{
		dialer: dialer,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "stt_streaming"),
	}
}

func (a *StreamingAdapter) Name() string { return a.dialer.Name() }

func (a *StreamingAdapter) Mode() Mode { return ModeStreaming }

// Warm opens the session connection ahead of the first utterance.
func (a *StreamingAdapter) Warm(ctx context.Context) error {
	_, err := a.acquire(ctx)
	return err
}

// Dials reports how many connections have been opened.
func (a *StreamingAdapter) Dials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dials
}

func (a *StreamingAdapter) acquire(ctx context.Context) (StreamConn, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, errorsx.Transport(errors.New("adapter closed"), errorsx.ReasonSTTConnect)
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		if drainStale(conn) {
			return conn, nil
		}
		a.logger.Info("stt_connection_stale",
			slog.String("session_id", a.cfg.SessionID),
			slog.Any("cause", conn.Err()))
		a.drop(conn)
	}

	conn, err := a.dialer.Dial(ctx)
	a.mu.Lock()
	a.dials++
	a.mu.Unlock()
	if err != nil {
		return nil, errorsx.Transport(err, errorsx.ReasonSTTConnect)
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return nil, errorsx.Transport(errors.New("adapter closed"), errorsx.ReasonSTTConnect)
	}
	a.conn = conn
	a.mu.Unlock()
	a.logger.Info("stt_connected",
		slog.String("session_id", a.cfg.SessionID),
		slog.String("provider", a.dialer.Name()))
	return conn, nil
}

// drainStale discards events left over from earlier turns and reports
// whether the connection is still open.
func drainStale(conn StreamConn) bool {
	for {
		select {
		case _, ok := <-conn.Events():
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (a *StreamingAdapter) drop(conn StreamConn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *StreamingAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *StreamingAdapter) BeginTurn(ctx context.Context, turnID, language string) Turn {
	if language == "" {
		language = a.cfg.Language
	}
	t := &streamTurn{
		adapter:  a,
		ctx:      ctx,
		turnID:   turnID,
		language: language,
		wake:     make(chan struct{}, 1),
		out:      make(chan frames.TranscriptSegment, 64),
	}
	go t.run()
	return t
}

type streamTurn struct {
	adapter  *StreamingAdapter
	ctx      context.Context
	turnID   string
	language string
	wake     chan struct{}
	out      chan frames.TranscriptSegment
	seq      int

	mu      sync.Mutex
	samples []int16
	ended   bool
	err     error
}

func (t *streamTurn) Push(chunk frames.PCMChunk) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.samples = append(t.samples, chunk.Samples...)
	t.mu.Unlock()
	t.signal()
}

func (t *streamTurn) End() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
	t.signal()
}

func (t *streamTurn) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *streamTurn) Segments() <-chan frames.TranscriptSegment { return t.out }

func (t *streamTurn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *streamTurn) Audio() []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int16(nil), t.samples...)
}

func (t *streamTurn) pending(from int) ([]int16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if from >= len(t.samples) {
		return nil, t.ended
	}
	return append([]int16(nil), t.samples[from:]...), t.ended
}

func (t *streamTurn) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *streamTurn) run() {
	a := t.adapter
	a.active.Lock()
	defer a.active.Unlock()
	defer close(t.out)

	reconnected := false
	for {
		conn, err := a.acquire(t.ctx)
		if err == nil {
			err = t.stream(conn)
			if err == nil {
				return
			}
			a.drop(conn)
		}
		if t.ctx.Err() != nil {
			t.fail(t.ctx.Err())
			return
		}
		if !errorsx.IsKind(err, errorsx.KindTransport) {
			a.logger.Warn("stt_turn_failed",
				slog.String("turn_id", t.turnID),
				slog.String("reason", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			t.fail(err)
			return
		}
		if reconnected {
			a.logger.Warn("stt_reconnect_failed",
				slog.String("turn_id", t.turnID),
				slog.String("error", err.Error()))
			t.fail(errorsx.Transport(err, errorsx.ReasonSTTReconnect))
			return
		}
		reconnected = true
		a.logger.Info("stt_reconnect",
			slog.String("turn_id", t.turnID),
			slog.String("error", err.Error()))
	}
}

// stream runs one utterance over conn, replaying the turn's audio from the
// first sample. It returns nil once the final segment has been delivered.
func (t *streamTurn) stream(conn StreamConn) error {
	if err := conn.StartUtterance(t.turnID, t.language); err != nil {
		return errorsx.Transport(err, errorsx.ReasonSTTSend)
	}
	sent := 0
	endSent := false
	var deadline <-chan time.Time
	events := conn.Events()
	for {
		samples, ended := t.pending(sent)
		if len(samples) > 0 {
			if err := conn.SendAudio(frames.PCMToBytes(samples)); err != nil {
				return errorsx.Transport(err, errorsx.ReasonSTTSend)
			}
			sent += len(samples)
		}
		if ended && !endSent {
			if err := conn.EndUtterance(); err != nil {
				return errorsx.Transport(err, errorsx.ReasonSTTSend)
			}
			endSent = true
			timer := time.NewTimer(t.adapter.cfg.FinalTimeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-t.wake:
		case <-deadline:
			return errorsx.Timeout(errors.New("no final transcript before deadline"), errorsx.ReasonSTTNoFinal)
		case ev, ok := <-events:
			if !ok {
				cause := conn.Err()
				if cause == nil {
					cause = errors.New("stream closed")
				}
				return errorsx.Transport(cause, errorsx.ReasonSTTConnect)
			}
			if ev.TurnID != "" && ev.TurnID != t.turnID {
				continue
			}
			if !ev.IsFinal && strings.TrimSpace(ev.Text) == "" {
				continue
			}
			t.seq++
			seg := frames.TranscriptSegment{
				TurnID:     t.turnID,
				Seq:        t.seq,
				Text:       strings.TrimSpace(ev.Text),
				IsFinal:    ev.IsFinal,
				Confidence: ev.Confidence,
			}
			select {
			case t.out <- seg:
			case <-t.ctx.Done():
				return t.ctx.Err()
			}
			if ev.IsFinal {
				return nil
			}
		}
	}
}

var _ Adapter = (*StreamingAdapter)(nil)
