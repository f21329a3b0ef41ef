// Package httpstt is a one-shot recognizer for JSON-over-HTTP transcription
// services.
package httpstt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type Config struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Recognizer struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) *Recognizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Recognizer{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (r *Recognizer) Name() string { return "http_stt" }

type request struct {
	Audio      string `json:"audio"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
}

type response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func (r *Recognizer) Recognize(ctx context.Context, in stt.RecognizeRequest) (stt.Result, error) {
	if r.cfg.URL == "" {
		return stt.Result{}, errors.New("httpstt: url missing")
	}
	body, err := json.Marshal(request{
		Audio:      base64.StdEncoding.EncodeToString(in.Audio),
		Language:   in.Language,
		SampleRate: in.SampleRate,
		Encoding:   "pcm_s16le",
	})
	if err != nil {
		return stt.Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return stt.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return stt.Result{}, ctx.Err()
		}
		return stt.Result{}, errorsx.Transport(err, errorsx.ReasonSTTRecognize)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stt.Result{}, errorsx.Backend(resilience.RateLimitError{Provider: "http_stt", Message: string(msg)}, errorsx.ReasonSTTRecognize)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stt.Result{}, errorsx.Backend(fmt.Errorf("httpstt: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg)), errorsx.ReasonSTTRecognize)
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Result{}, errorsx.Backend(fmt.Errorf("httpstt: decode response: %w", err), errorsx.ReasonSTTRecognize)
	}
	return stt.Result{Text: out.Text, Confidence: out.Confidence}, nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
