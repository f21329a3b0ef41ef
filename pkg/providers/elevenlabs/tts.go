// Package elevenlabs synthesizes speech over the ElevenLabs stream-input
// websocket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

const defaultBaseURL = "wss://api.elevenlabs.io/v1"

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	VoiceID    string `mapstructure:"voice_id"`
	ModelID    string `mapstructure:"model_id"`
	SampleRate int    `mapstructure:"sample_rate"`
	BaseURL    string `mapstructure:"base_url"`
}

// Backend opens one stream-input connection per sentence and requests raw
// PCM output at the configured rate.
type Backend struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Backend {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 24000
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Backend{
		cfg:    cfg,
		dialer: websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		logger: logging.NewComponentLogger(logger, "elevenlabs_tts"),
	}
}

func (b *Backend) Name() string { return "elevenlabs_tts" }

func (b *Backend) SampleRate() int { return b.cfg.SampleRate }

// inbound is a server message. Audio arrives base64 encoded; the last
// message of a request carries isFinal.
type inbound struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (b *Backend) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	voice := b.cfg.VoiceID
	if req.Voice != "" {
		voice = req.Voice
	}
	if b.cfg.APIKey == "" || voice == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	u, err := b.buildURL(voice)
	if err != nil {
		return nil, err
	}
	conn, resp, err := b.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{b.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			b.logger.Warn("elevenlabs_rate_limited",
				slog.String("turn_id", req.TurnID),
				slog.String("status", resp.Status))
			return nil, errorsx.Backend(resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}, errorsx.ReasonTTSRateLimit)
		}
		return nil, errorsx.Transport(err, errorsx.ReasonTTSConnect)
	}

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.5,
				"similarity_boost": 0.8,
			},
		},
		{"text": strings.TrimSpace(req.Text) + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			return nil, errorsx.Transport(err, errorsx.ReasonTTSSynthesize)
		}
	}

	stream := tts.NewStream(64)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	go func() {
		defer stop()
		defer conn.Close()
		stream.Finish(b.readLoop(ctx, conn, stream, req))
	}()
	return stream, nil
}

func (b *Backend) readLoop(ctx context.Context, conn *websocket.Conn, stream *tts.Stream, req tts.Request) error {
	var chunks int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && chunks > 0 {
				return nil
			}
			return errorsx.Transport(err, errorsx.ReasonTTSSynthesize)
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			b.logger.Debug("elevenlabs_unparsed_message", slog.Int("bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			return errorsx.Backend(fmt.Errorf("elevenlabs: %s: %s", msg.Error, msg.Message), errorsx.ReasonTTSSynthesize)
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return errorsx.Format(err, errorsx.ReasonTTSSynthesize)
			}
			chunks++
			if !stream.Send(ctx, raw) {
				return ctx.Err()
			}
		}
		if msg.IsFinal {
			b.logger.Debug("elevenlabs_request_done",
				slog.String("turn_id", req.TurnID),
				slog.Int("index", req.Index),
				slog.Int("chunks", chunks))
			return nil
		}
	}
}

func (b *Backend) buildURL(voice string) (string, error) {
	base, err := url.Parse(strings.TrimRight(b.cfg.BaseURL, "/") + "/text-to-speech/" + url.PathEscape(voice) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := url.Values{}
	if b.cfg.ModelID != "" {
		q.Set("model_id", b.cfg.ModelID)
	}
	q.Set("output_format", fmt.Sprintf("pcm_%d", b.cfg.SampleRate))
	q.Set("optimize_streaming_latency", "4")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

var _ tts.Backend = (*Backend)(nil)
