package voxturn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/configutil"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/providers/deepgram"
	"github.com/harunnryd/voxturn/pkg/providers/elevenlabs"
	"github.com/harunnryd/voxturn/pkg/providers/gemini"
	"github.com/harunnryd/voxturn/pkg/providers/httpstt"
	"github.com/harunnryd/voxturn/pkg/providers/mock"
	"github.com/harunnryd/voxturn/pkg/providers/openai"
	"github.com/harunnryd/voxturn/pkg/providers/wsstt"
)

type DialerFactory func(settings map[string]any, logger *slog.Logger) (stt.Dialer, error)
type RecognizerFactory func(settings map[string]any, logger *slog.Logger) (stt.Recognizer, error)
type LLMFactory func(ctx context.Context, settings map[string]any, logger *slog.Logger) (llm.Backend, error)
type TTSFactory func(settings map[string]any, logger *slog.Logger) (tts.Backend, error)

// ProviderRegistry maps provider names from config to backend constructors.
type ProviderRegistry struct {
	dialers     map[string]DialerFactory
	recognizers map[string]RecognizerFactory
	llm         map[string]LLMFactory
	tts         map[string]TTSFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		dialers:     make(map[string]DialerFactory),
		recognizers: make(map[string]RecognizerFactory),
		llm:         make(map[string]LLMFactory),
		tts:         make(map[string]TTSFactory),
	}
}

func key(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *ProviderRegistry) RegisterDialer(name string, f DialerFactory) { r.dialers[key(name)] = f }

func (r *ProviderRegistry) RegisterRecognizer(name string, f RecognizerFactory) {
	r.recognizers[key(name)] = f
}

func (r *ProviderRegistry) RegisterLLM(name string, f LLMFactory) { r.llm[key(name)] = f }

func (r *ProviderRegistry) RegisterTTS(name string, f TTSFactory) { r.tts[key(name)] = f }

func (r *ProviderRegistry) BuildDialer(v VendorConfig, logger *slog.Logger) (stt.Dialer, error) {
	f := r.dialers[key(v.Provider)]
	if f == nil {
		return nil, fmt.Errorf("streaming stt provider not registered: %s", v.Provider)
	}
	return f(v.Settings, logger)
}

func (r *ProviderRegistry) BuildRecognizer(v VendorConfig, logger *slog.Logger) (stt.Recognizer, error) {
	f := r.recognizers[key(v.Provider)]
	if f == nil {
		return nil, fmt.Errorf("one-shot stt provider not registered: %s", v.Provider)
	}
	return f(v.Settings, logger)
}

func (r *ProviderRegistry) BuildLLM(ctx context.Context, v VendorConfig, logger *slog.Logger) (llm.Backend, error) {
	f := r.llm[key(v.Provider)]
	if f == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", v.Provider)
	}
	return f(ctx, v.Settings, logger)
}

func (r *ProviderRegistry) BuildTTS(v VendorConfig, logger *slog.Logger) (tts.Backend, error) {
	f := r.tts[key(v.Provider)]
	if f == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", v.Provider)
	}
	return f(v.Settings, logger)
}

// DefaultProviders registers every built-in backend.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterDialer("deepgram", func(settings map[string]any, logger *slog.Logger) (stt.Dialer, error) {
		var cfg deepgram.ListenConfig
		err := configutil.Decode("vendors.stt.settings", settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "sample_rate", "encoding", "interim", "utterance_end_ms", "settle"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return deepgram.NewStreamDialer(cfg, logger), nil
	})
	r.RegisterDialer("ws", func(settings map[string]any, logger *slog.Logger) (stt.Dialer, error) {
		var cfg wsstt.Config
		err := configutil.Decode("vendors.stt.settings", settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"api_key", "sample_rate", "write_timeout"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return wsstt.NewDialer(cfg, logger), nil
	})
	r.RegisterDialer("mock", func(settings map[string]any, _ *slog.Logger) (stt.Dialer, error) {
		cfg, err := decodeMockSTT(settings)
		if err != nil {
			return nil, err
		}
		return mock.NewStreamDialer(cfg), nil
	})

	r.RegisterRecognizer("http", func(settings map[string]any, _ *slog.Logger) (stt.Recognizer, error) {
		var cfg httpstt.Config
		err := configutil.Decode("vendors.stt_fallback.settings", settings, configutil.Schema{
			Required: []string{"url"},
			Optional: []string{"api_key", "timeout"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return httpstt.New(cfg), nil
	})
	r.RegisterRecognizer("mock", func(settings map[string]any, _ *slog.Logger) (stt.Recognizer, error) {
		cfg, err := decodeMockSTT(settings)
		if err != nil {
			return nil, err
		}
		return mock.NewRecognizer(cfg), nil
	})

	r.RegisterLLM("openai", func(_ context.Context, settings map[string]any, logger *slog.Logger) (llm.Backend, error) {
		var cfg openai.Config
		err := configutil.Decode("vendors.llm.settings", settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "temperature", "max_tokens", "timeout"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return openai.NewAdapter(cfg, logger), nil
	})
	r.RegisterLLM("gemini", func(ctx context.Context, settings map[string]any, logger *slog.Logger) (llm.Backend, error) {
		var cfg gemini.Config
		err := configutil.Decode("vendors.llm.settings", settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "temperature"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		a, err := gemini.NewAdapter(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	})
	r.RegisterLLM("mock", func(_ context.Context, settings map[string]any, _ *slog.Logger) (llm.Backend, error) {
		var cfg mock.LLMConfig
		err := configutil.Decode("vendors.llm.settings", settings, configutil.Schema{
			Optional: []string{"reply", "first_token", "token_delay", "fail_first"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return mock.NewLLM(cfg), nil
	})

	r.RegisterTTS("elevenlabs", func(settings map[string]any, logger *slog.Logger) (tts.Backend, error) {
		var cfg elevenlabs.Config
		err := configutil.Decode("vendors.tts.settings", settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "sample_rate", "base_url"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return elevenlabs.New(cfg, logger), nil
	})
	r.RegisterTTS("deepgram", func(settings map[string]any, logger *slog.Logger) (tts.Backend, error) {
		var cfg deepgram.SpeakConfig
		err := configutil.Decode("vendors.tts.settings", settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "sample_rate", "idle", "deadline"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return deepgram.NewSpeaker(cfg, logger), nil
	})
	r.RegisterTTS("mock", func(settings map[string]any, _ *slog.Logger) (tts.Backend, error) {
		var cfg mock.TTSConfig
		err := configutil.Decode("vendors.tts.settings", settings, configutil.Schema{
			Optional: []string{"sample_rate", "per_rune", "first_audio", "chunk_delay", "fail_text"},
		}, &cfg)
		if err != nil {
			return nil, err
		}
		return mock.NewTTS(cfg), nil
	})
	return r
}

func decodeMockSTT(settings map[string]any) (mock.STTConfig, error) {
	var cfg mock.STTConfig
	err := configutil.Decode("vendors.stt.settings", settings, configutil.Schema{
		Optional: []string{"transcripts", "confidence", "latency"},
	}, &cfg)
	return cfg, err
}
