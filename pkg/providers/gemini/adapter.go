// Package gemini streams replies from the Gemini API.
package gemini

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"google.golang.org/genai"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float32 `mapstructure:"temperature"`
}

type Adapter struct {
	client *genai.Client
	cfg    Config
	logger *slog.Logger
}

func NewAdapter(ctx context.Context, cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, cfg: cfg, logger: logging.NewComponentLogger(logger, "gemini")}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (<-chan frames.TokenEvent, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.Messages() {
		role := genai.Role(genai.RoleUser)
		if m.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	config := &genai.GenerateContentConfig{}
	if instructions := req.Instructions(); instructions != "" {
		config.SystemInstruction = genai.NewContentFromText(instructions, genai.RoleUser)
	}
	if a.cfg.Temperature > 0 {
		temp := a.cfg.Temperature
		config.Temperature = &temp
	}

	out := make(chan frames.TokenEvent, 128)
	go func() {
		defer close(out)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, a.cfg.Model, contents, config) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("gemini_stream_failed", slog.String("error", err.Error()))
				send(ctx, out, frames.TokenEvent{Err: classify(err)})
				return
			}
			if text := resp.Text(); text != "" {
				if !send(ctx, out, frames.TokenEvent{Text: text}) {
					return
				}
			}
		}
		send(ctx, out, frames.TokenEvent{Done: true})
	}()
	return out, nil
}

func send(ctx context.Context, out chan<- frames.TokenEvent, ev frames.TokenEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return errorsx.Backend(resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
	}
	return llm.Classify(err, errorsx.ReasonLLMStream)
}

var _ llm.Backend = (*Adapter)(nil)
