// Package mock provides in-process backends for local runs and tests.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
)

type STTConfig struct {
	// Transcripts are returned in order, one per utterance; the last one
	// repeats.
	Transcripts []string
	Confidence  float64
	Latency     time.Duration
	// Err makes every recognition fail.
	Err error
}

func (c STTConfig) transcript(n int) string {
	if len(c.Transcripts) == 0 {
		return "mock transcript"
	}
	if n >= len(c.Transcripts) {
		n = len(c.Transcripts) - 1
	}
	return c.Transcripts[n]
}

// Recognizer is a one-shot recognizer.
type Recognizer struct {
	cfg   STTConfig
	mu    sync.Mutex
	calls int
}

func NewRecognizer(cfg STTConfig) *Recognizer {
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return "mock_stt" }

func (r *Recognizer) Recognize(ctx context.Context, req stt.RecognizeRequest) (stt.Result, error) {
	r.mu.Lock()
	n := r.calls
	r.calls++
	r.mu.Unlock()
	if err := sleep(ctx, r.cfg.Latency); err != nil {
		return stt.Result{}, err
	}
	if r.cfg.Err != nil {
		return stt.Result{}, r.cfg.Err
	}
	if len(req.Audio) == 0 {
		return stt.Result{}, errors.New("mock: empty audio")
	}
	return stt.Result{Text: r.cfg.transcript(n), Confidence: r.cfg.Confidence}, nil
}

func (r *Recognizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// StreamDialer opens in-process streaming connections. A connection emits a
// partial transcript on first audio and the final one on end of utterance.
type StreamDialer struct {
	cfg STTConfig
	// DropAfter closes a connection once it has received that many audio
	// bytes. Zero never drops.
	DropAfter int

	mu         sync.Mutex
	dials      int
	utterances int
}

func NewStreamDialer(cfg STTConfig) *StreamDialer {
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &StreamDialer{cfg: cfg}
}

func (d *StreamDialer) Name() string { return "mock_stt_stream" }

func (d *StreamDialer) Dial(ctx context.Context) (stt.StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return &streamConn{dialer: d, events: make(chan stt.StreamEvent, 16), done: make(chan struct{})}, nil
}

func (d *StreamDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *StreamDialer) nextTranscript() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.cfg.transcript(d.utterances)
	d.utterances++
	return t
}

type streamConn struct {
	dialer *StreamDialer
	events chan stt.StreamEvent

	mu       sync.Mutex
	turnID   string
	received int
	partial  bool
	err      error
	closed   bool
	done     chan struct{}
}

func (c *streamConn) StartUtterance(turnID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErr()
	}
	c.turnID = turnID
	c.received = 0
	c.partial = false
	return nil
}

func (c *streamConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		err := c.closedErr()
		c.mu.Unlock()
		return err
	}
	c.received += len(pcm)
	drop := c.dialer.DropAfter > 0 && c.received >= c.dialer.DropAfter
	emitPartial := !c.partial && !drop
	c.partial = true
	turnID := c.turnID
	c.mu.Unlock()

	if drop {
		c.fail(errorsx.Transport(errors.New("mock: connection reset"), errorsx.ReasonSTTSend))
		return nil
	}
	if emitPartial {
		c.emit(stt.StreamEvent{TurnID: turnID, Text: "…"})
	}
	return nil
}

func (c *streamConn) EndUtterance() error {
	c.mu.Lock()
	if c.closed {
		err := c.closedErr()
		c.mu.Unlock()
		return err
	}
	turnID := c.turnID
	c.mu.Unlock()
	text := c.dialer.nextTranscript()
	go func() {
		select {
		case <-time.After(c.dialer.cfg.Latency):
		case <-c.done:
			return
		}
		c.emit(stt.StreamEvent{TurnID: turnID, Text: text, IsFinal: true, Confidence: c.dialer.cfg.Confidence})
	}()
	return nil
}

func (c *streamConn) emit(ev stt.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *streamConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
	close(c.events)
}

func (c *streamConn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return errorsx.Transport(errors.New("mock: connection closed"), errorsx.ReasonSTTSend)
}

func (c *streamConn) Events() <-chan stt.StreamEvent { return c.events }

func (c *streamConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *streamConn) Close() error {
	c.fail(nil)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func words(text string) []string {
	fields := strings.Fields(text)
	out := make([]string, 0, len(fields))
	for i, f := range fields {
		if i > 0 {
			f = " " + f
		}
		out = append(out, f)
	}
	return out
}
