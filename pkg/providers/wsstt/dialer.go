// Package wsstt speaks a generic streaming transcription protocol over a
// websocket: JSON control messages, binary PCM audio and JSON results.
package wsstt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/logging"
)

type Config struct {
	URL          string        `mapstructure:"url"`
	APIKey       string        `mapstructure:"api_key"`
	SampleRate   int           `mapstructure:"sample_rate"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Dialer struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Dialer{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logging.NewComponentLogger(logger, "ws_stt"),
	}
}

func (d *Dialer) Name() string { return "ws_stt" }

func (d *Dialer) Dial(ctx context.Context) (stt.StreamConn, error) {
	if d.cfg.URL == "" {
		return nil, errors.New("wsstt: url missing")
	}
	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	ws, resp, err := d.dialer.DialContext(ctx, d.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errorsx.Backend(fmt.Errorf("wsstt: handshake status %s: %w", resp.Status, err), errorsx.ReasonSTTConnect)
		}
		return nil, errorsx.Transport(err, errorsx.ReasonSTTConnect)
	}
	c := &conn{
		ws:           ws,
		sampleRate:   d.cfg.SampleRate,
		writeTimeout: d.cfg.WriteTimeout,
		logger:       d.logger,
		events:       make(chan stt.StreamEvent, 64),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type control struct {
	Type       string `json:"type"`
	TurnID     string `json:"turn_id,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
}

type result struct {
	Type       string  `json:"type"`
	TurnID     string  `json:"turn_id"`
	Text       string  `json:"text"`
	Sequence   int     `json:"sequence"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
}

type conn struct {
	ws           *websocket.Conn
	sampleRate   int
	writeTimeout time.Duration
	logger       *slog.Logger
	events       chan stt.StreamEvent
	done         chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	turnID   string
	sequence int
	closing  bool
	closed   bool
	err      error
}

func (c *conn) StartUtterance(turnID, language string) error {
	c.mu.Lock()
	c.turnID = turnID
	c.sequence = -1
	c.mu.Unlock()
	return c.writeJSON(control{Type: "start", TurnID: turnID, Language: language, SampleRate: c.sampleRate, Encoding: "pcm_s16le"})
}

func (c *conn) SendAudio(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *conn) EndUtterance() error {
	return c.writeJSON(control{Type: "end"})
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *conn) write(kind int, data []byte) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(kind, data); err != nil {
		return errorsx.Transport(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (c *conn) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(errorsx.Transport(err, errorsx.ReasonSTTConnect))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var msg result
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("ws_stt_bad_message", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case "partial", "final":
			if ev, ok := c.accept(msg); ok {
				c.emit(ev)
			}
		case "error":
			c.fail(errorsx.Backend(fmt.Errorf("wsstt: %s", msg.Message), errorsx.ReasonSTTRecognize))
			_ = c.ws.Close()
			return
		}
	}
}

// emit drops partials when the consumer lags but waits briefly for a final.
func (c *conn) emit(ev stt.StreamEvent) {
	select {
	case c.events <- ev:
		return
	default:
	}
	if !ev.IsFinal {
		return
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case c.events <- ev:
	case <-timer.C:
		c.logger.Warn("ws_stt_final_dropped", slog.String("turn_id", ev.TurnID))
	}
}

// accept tags a result with the current utterance and drops results that
// arrive out of sequence.
func (c *conn) accept(msg result) (stt.StreamEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stt.StreamEvent{}, false
	}
	turnID := msg.TurnID
	if turnID == "" {
		turnID = c.turnID
	}
	if turnID == c.turnID {
		if msg.Sequence <= c.sequence && msg.Sequence != 0 {
			return stt.StreamEvent{}, false
		}
		c.sequence = msg.Sequence
	}
	return stt.StreamEvent{
		TurnID:     turnID,
		Text:       msg.Text,
		IsFinal:    msg.Type == "final",
		Confidence: msg.Confidence,
	}, true
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if !c.closing {
		c.err = err
	}
	close(c.events)
}

func (c *conn) Events() <-chan stt.StreamEvent { return c.events }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()
	return err
}

var _ stt.Dialer = (*Dialer)(nil)
