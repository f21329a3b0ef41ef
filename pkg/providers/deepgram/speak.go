package deepgram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"

	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/logging"
)

type SpeakConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	SampleRate int    `mapstructure:"sample_rate"`
	// Idle ends a request when no audio has arrived for this long after the
	// first chunk and no flush confirmation came back.
	Idle     time.Duration `mapstructure:"idle"`
	Deadline time.Duration `mapstructure:"deadline"`
}

// Speaker synthesizes each sentence over its own speak websocket.
type Speaker struct {
	cfg    SpeakConfig
	logger *slog.Logger
}

func NewSpeaker(cfg SpeakConfig, logger *slog.Logger) *Speaker {
	if cfg.Model == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 400 * time.Millisecond
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 12 * time.Second
	}
	return &Speaker{cfg: cfg, logger: logging.NewComponentLogger(logger, "deepgram_tts")}
}

func (s *Speaker) Name() string { return "deepgram_speak" }

func (s *Speaker) SampleRate() int { return s.cfg.SampleRate }

func (s *Speaker) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if s.cfg.APIKey == "" {
		return nil, errors.New("deepgram: api key missing")
	}
	stream := tts.NewStream(64)
	if req.Text == "" {
		stream.Finish(nil)
		return stream, nil
	}
	model := s.cfg.Model
	if req.Voice != "" {
		model = req.Voice
	}
	cb := newSpeakCallback(ctx, stream, s.logger)
	dg, err := speak.NewWSUsingCallback(ctx, s.cfg.APIKey, &interfaces.ClientOptions{}, &interfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: s.cfg.SampleRate,
	}, cb)
	if err != nil {
		return nil, errorsx.Transport(fmt.Errorf("deepgram: create speak client: %w", err), errorsx.ReasonTTSConnect)
	}
	if ok := dg.Connect(); !ok {
		return nil, errorsx.Transport(errors.New("deepgram: speak connect failed"), errorsx.ReasonTTSConnect)
	}
	if err := dg.SpeakWithText(req.Text); err != nil {
		dg.Stop()
		return nil, errorsx.Transport(fmt.Errorf("deepgram: speak text: %w", err), errorsx.ReasonTTSSynthesize)
	}
	if err := dg.Flush(); err != nil {
		s.logger.Warn("deepgram_flush_failed",
			slog.String("turn_id", req.TurnID),
			slog.String("error", err.Error()))
	}
	go func() {
		defer dg.Stop()
		cb.wait(ctx, s.cfg.Idle, s.cfg.Deadline)
	}()
	return stream, nil
}

// speakCallback forwards audio into the request stream and decides when the
// request is complete.
type speakCallback struct {
	ctx    context.Context
	stream *tts.Stream
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	lastAudio time.Time
	err       error

	// sendMu keeps Binary from sending into a finished stream.
	sendMu sync.Mutex
	closed bool
}

func newSpeakCallback(ctx context.Context, stream *tts.Stream, logger *slog.Logger) *speakCallback {
	return &speakCallback{ctx: ctx, stream: stream, logger: logger, done: make(chan struct{})}
}

func (c *speakCallback) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *speakCallback) closeStream(err error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.closed = true
	c.stream.Finish(err)
}

func (c *speakCallback) wait(ctx context.Context, idle, deadline time.Duration) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeStream(ctx.Err())
			return
		case <-c.done:
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			c.closeStream(err)
			return
		case <-timeout.C:
			c.mu.Lock()
			seen := !c.lastAudio.IsZero()
			c.mu.Unlock()
			if seen {
				c.closeStream(nil)
			} else {
				c.closeStream(errorsx.Timeout(errors.New("deepgram: no audio before deadline"), errorsx.ReasonTTSFirstAudio))
			}
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastAudio
			c.mu.Unlock()
			if !last.IsZero() && time.Since(last) > idle {
				c.closeStream(nil)
				return
			}
		}
	}
}

func (c *speakCallback) Open(*msginterfaces.OpenResponse) error { return nil }

func (c *speakCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.logger.Debug("deepgram_speak_metadata", slog.String("request_id", md.RequestID))
	return nil
}

func (c *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	c.finish(nil)
	return nil
}

func (c *speakCallback) Clear(*msginterfaces.ClearedResponse) error { return nil }

func (c *speakCallback) Close(*msginterfaces.CloseResponse) error {
	c.finish(nil)
	return nil
}

func (c *speakCallback) Warning(wr *msginterfaces.WarningResponse) error {
	c.logger.Warn("deepgram_speak_warning",
		slog.String("code", wr.WarnCode),
		slog.String("message", wr.WarnMsg))
	return nil
}

func (c *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.finish(errorsx.Backend(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonTTSSynthesize))
	return nil
}

func (c *speakCallback) UnhandledEvent([]byte) error { return nil }

func (c *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	c.mu.Lock()
	c.lastAudio = time.Now()
	c.mu.Unlock()
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return nil
	}
	if !c.stream.Send(c.ctx, pcm) {
		c.finish(c.ctx.Err())
	}
	return nil
}

var _ tts.Backend = (*Speaker)(nil)
