// Package openai streams chat completions from OpenAI-compatible endpoints.
package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

type Config struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	BaseURL     string        `mapstructure:"base_url"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type Adapter struct {
	client *goopenai.Client
	cfg    Config
	logger *slog.Logger
}

func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	if cfg.Model == "" {
		cfg.Model = goopenai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Adapter{
		client: goopenai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "openai"),
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Stream(ctx context.Context, req llm.Request) (<-chan frames.TokenEvent, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(req))
	if err != nil {
		return nil, classify(err)
	}
	out := make(chan frames.TokenEvent, 128)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ctx, out, frames.TokenEvent{Done: true})
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.Warn("openai_stream_failed", slog.String("error", err.Error()))
				send(ctx, out, frames.TokenEvent{Err: classify(err)})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if text := resp.Choices[0].Delta.Content; text != "" {
				if !send(ctx, out, frames.TokenEvent{Text: text}) {
					return
				}
			}
		}
	}()
	return out, nil
}

func (a *Adapter) buildRequest(req llm.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.History)+2)
	if instructions := req.Instructions(); instructions != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, m := range req.Messages() {
		role := goopenai.ChatMessageRoleUser
		if m.Role == llm.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return goopenai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    messages,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
		Stream:      true,
	}
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
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return errorsx.Backend(resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return errorsx.Backend(resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}, errorsx.ReasonLLMRateLimit)
	}
	return llm.Classify(err, errorsx.ReasonLLMStream)
}

var _ llm.Backend = (*Adapter)(nil)
