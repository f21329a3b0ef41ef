// Package deepgram adapts Deepgram's live transcription and streaming
// speech APIs.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/redact"
)

type ListenConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
	Interim    bool   `mapstructure:"interim"`
	// UtteranceEndMS enables Deepgram's utterance end events.
	UtteranceEndMS int `mapstructure:"utterance_end_ms"`
	// Settle is how long to wait after end of utterance for Deepgram to
	// finalize before the collected text is delivered as final.
	Settle time.Duration `mapstructure:"settle"`
}

// StreamDialer opens live transcription connections. Each connection stays
// open across utterances until it is closed or lost.
type StreamDialer struct {
	cfg    ListenConfig
	logger *slog.Logger
}

func NewStreamDialer(cfg ListenConfig, logger *slog.Logger) *StreamDialer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 400 * time.Millisecond
	}
	return &StreamDialer{cfg: cfg, logger: logging.NewComponentLogger(logger, "deepgram_stt")}
}

func (d *StreamDialer) Name() string { return "deepgram_streaming" }

func (d *StreamDialer) Dial(ctx context.Context) (stt.StreamConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key missing")
	}
	// The connection outlives the dialing turn, so it gets its own context.
	connCtx, cancel := context.WithCancel(context.Background())
	conn := newListenConn(d.cfg.Settle, d.logger)
	conn.cancel = cancel

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.Model,
		Language:       d.cfg.Language,
		Encoding:       d.cfg.Encoding,
		SampleRate:     d.cfg.SampleRate,
		Channels:       1,
		InterimResults: d.cfg.Interim,
		SmartFormat:    true,
		VadEvents:      d.cfg.UtteranceEndMS > 0,
	}
	if d.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", d.cfg.UtteranceEndMS)
	}
	dg, err := client.NewWSUsingCallback(connCtx, d.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, &listenCallback{conn: conn})
	if err != nil {
		cancel()
		return nil, err
	}
	if ok := dg.Connect(); !ok {
		cancel()
		return nil, errors.New("deepgram: connect failed")
	}
	conn.stop = dg.Stop
	pr, pw := io.Pipe()
	conn.pw = pw
	go func() {
		if err := dg.Stream(pr); err != nil && connCtx.Err() == nil {
			conn.fail(errorsx.Transport(err, errorsx.ReasonSTTSend))
		}
	}()
	d.logger.Info("deepgram_connected",
		slog.String("model", d.cfg.Model),
		slog.String("language", d.cfg.Language),
		slog.Int("sample_rate", d.cfg.SampleRate))
	return conn, nil
}

// listenConn maps Deepgram's continuous results onto discrete utterances:
// is_final results are collected, and the utterance's final is delivered
// once Deepgram marks the speech final after the local end of utterance, or
// after the settle delay.
type listenConn struct {
	settle time.Duration
	logger *slog.Logger
	events chan stt.StreamEvent
	pw     *io.PipeWriter
	stop   func()
	cancel context.CancelFunc

	mu          sync.Mutex
	gen         int
	turnID      string
	finals      []string
	interim     string
	ended       bool
	speechFinal bool
	delivered   bool
	closed      bool
	err         error
}

func newListenConn(settle time.Duration, logger *slog.Logger) *listenConn {
	return &listenConn{settle: settle, logger: logger, events: make(chan stt.StreamEvent, 128)}
}

func (c *listenConn) StartUtterance(turnID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErr()
	}
	c.gen++
	c.turnID = turnID
	c.finals = c.finals[:0]
	c.interim = ""
	c.ended = false
	c.speechFinal = false
	c.delivered = false
	return nil
}

func (c *listenConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	closed, pw := c.closed, c.pw
	c.mu.Unlock()
	if closed {
		return c.closedErr()
	}
	if pw == nil {
		return errors.New("deepgram: stream not open")
	}
	if _, err := pw.Write(pcm); err != nil {
		return errorsx.Transport(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (c *listenConn) EndUtterance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closedErr()
	}
	c.ended = true
	if c.speechFinal {
		c.deliverLocked()
		return nil
	}
	gen := c.gen
	time.AfterFunc(c.settle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen == gen && !c.delivered {
			c.deliverLocked()
		}
	})
	return nil
}

func (c *listenConn) onResult(text string, isFinal, speechFinal bool, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.turnID == "" || c.delivered {
		return
	}
	text = strings.TrimSpace(text)
	if isFinal {
		if text != "" {
			c.finals = append(c.finals, text)
		}
		c.interim = ""
		c.speechFinal = speechFinal
	} else {
		c.interim = text
		c.speechFinal = false
	}
	if c.ended && c.speechFinal {
		c.deliverLocked()
		return
	}
	if current := c.textLocked(); current != "" {
		c.emitLocked(stt.StreamEvent{TurnID: c.turnID, Text: current, Confidence: confidence})
	}
}

func (c *listenConn) onUtteranceEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speechFinal = true
	if c.ended && !c.delivered && !c.closed {
		c.deliverLocked()
	}
}

func (c *listenConn) textLocked() string {
	parts := append([]string(nil), c.finals...)
	if c.interim != "" {
		parts = append(parts, c.interim)
	}
	return strings.Join(parts, " ")
}

func (c *listenConn) deliverLocked() {
	c.delivered = true
	text := strings.Join(c.finals, " ")
	if text == "" {
		text = c.interim
	}
	c.logger.Debug("deepgram_utterance_final",
		slog.String("turn_id", c.turnID),
		slog.String("text", redact.Text(text)))
	c.emitLocked(stt.StreamEvent{TurnID: c.turnID, Text: text, IsFinal: true})
}

func (c *listenConn) emitLocked(ev stt.StreamEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("deepgram_events_full", slog.String("turn_id", c.turnID), slog.Bool("final", ev.IsFinal))
	}
}

func (c *listenConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.events)
}

func (c *listenConn) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return errorsx.Transport(errors.New("deepgram: connection closed"), errorsx.ReasonSTTSend)
}

func (c *listenConn) Events() <-chan stt.StreamEvent { return c.events }

func (c *listenConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *listenConn) Close() error {
	c.fail(nil)
	if c.pw != nil {
		_ = c.pw.Close()
	}
	if c.stop != nil {
		c.stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

type listenCallback struct {
	conn *listenConn
}

func (cb *listenCallback) Open(*msginterfaces.OpenResponse) error {
	cb.conn.logger.Debug("deepgram_connection_opened")
	return nil
}

func (cb *listenCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	cb.conn.onResult(alt.Transcript, mr.IsFinal, mr.SpeechFinal, alt.Confidence)
	return nil
}

func (cb *listenCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	cb.conn.logger.Debug("deepgram_metadata", slog.String("request_id", md.RequestID))
	return nil
}

func (cb *listenCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (cb *listenCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	cb.conn.onUtteranceEnd()
	return nil
}

func (cb *listenCallback) Close(*msginterfaces.CloseResponse) error {
	cb.conn.fail(errorsx.Transport(errors.New("deepgram: connection closed by server"), errorsx.ReasonSTTConnect))
	return nil
}

func (cb *listenCallback) Error(er *msginterfaces.ErrorResponse) error {
	cb.conn.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	cb.conn.fail(errorsx.Transport(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSTTConnect))
	return nil
}

func (cb *listenCallback) UnhandledEvent(data []byte) error {
	cb.conn.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(data)))
	return nil
}

var _ stt.Dialer = (*StreamDialer)(nil)
