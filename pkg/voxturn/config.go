package voxturn

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harunnryd/voxturn/pkg/aggregators"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/vad"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	STT           STTConfig           `mapstructure:"stt"`
	VAD           vad.Config          `mapstructure:"vad"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Chunker       ChunkerConfig       `mapstructure:"chunker"`
	TTS           TTSConfig           `mapstructure:"tts"`
	Languages     LanguageConfig      `mapstructure:"languages"`
	Recorder      RecorderConfig      `mapstructure:"recorder"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Server        ServerConfig        `mapstructure:"server"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	// STTFallback is the one-shot recognizer used when a streaming turn
	// cannot produce a final. Required in streaming mode.
	STTFallback VendorConfig `mapstructure:"stt_fallback"`
	LLM         VendorConfig `mapstructure:"llm"`
	TTS         VendorConfig `mapstructure:"tts"`
}

type STTConfig struct {
	// Mode is "streaming" or "oneshot".
	Mode         string        `mapstructure:"mode"`
	FinalTimeout time.Duration `mapstructure:"final_timeout"`
}

type AudioConfig struct {
	Window      time.Duration `mapstructure:"window"`
	PreRoll     time.Duration `mapstructure:"pre_roll"`
	IngestQueue int           `mapstructure:"ingest_queue"`
}

type TurnConfig struct {
	BargeIn      bool             `mapstructure:"barge_in"`
	PendingTurns int              `mapstructure:"pending_turns"`
	FallbackText string           `mapstructure:"fallback_text"`
	Budgets      pipeline.Budgets `mapstructure:"budgets"`
}

type AgentConfig struct {
	Persona      string `mapstructure:"persona"`
	Greeting     string `mapstructure:"greeting"`
	MaxHistory   int    `mapstructure:"max_history"`
	RetryHistory int    `mapstructure:"retry_history"`
	// GreetingInstructions has the generator write the greeting when
	// Greeting is empty.
	GreetingInstructions string `mapstructure:"greeting_instructions"`
}

type ChunkerConfig struct {
	MinRunes      int      `mapstructure:"min_runes"`
	MaxRunes      int      `mapstructure:"max_runes"`
	Abbreviations []string `mapstructure:"abbreviations"`
}

type TTSConfig struct {
	Voice  string `mapstructure:"voice"`
	Locale string `mapstructure:"locale"`
}

type LanguageConfig struct {
	Default string `mapstructure:"default"`
}

type RecorderConfig struct {
	// Store is "memory", "file" or "postgres".
	Store        string        `mapstructure:"store"`
	Path         string        `mapstructure:"path"`
	DSN          string        `mapstructure:"dsn"`
	QueueSize    int           `mapstructure:"queue_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
	// MaxAttempts bounds writes of one entry before it is dropped.
	MaxAttempts int `mapstructure:"max_attempts"`
}

type ResilienceConfig struct {
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	Backoff          time.Duration `mapstructure:"backoff"`
}

type ObservabilityConfig struct {
	TimelineDir   string  `mapstructure:"timeline_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
	EventsPath    string  `mapstructure:"events_path"`
	SampleRate    float64 `mapstructure:"sample_rate"`
	AsyncBuffer   int     `mapstructure:"async_buffer"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

// LoadEnvFiles loads .env.local then .env from the working directory.
// Variables already set in the environment win; missing files are ignored.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env.local", ".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("vendors.stt.provider", "mock")
	v.SetDefault("vendors.stt_fallback.provider", "mock")
	v.SetDefault("vendors.llm.provider", "mock")
	v.SetDefault("vendors.tts.provider", "mock")
	v.SetDefault("stt.mode", "streaming")
	v.SetDefault("stt.final_timeout", "5s")
	v.SetDefault("vad.activation_threshold", 0.65)
	v.SetDefault("vad.min_speech", "200ms")
	v.SetDefault("vad.min_silence", "600ms")
	v.SetDefault("audio.window", "20ms")
	v.SetDefault("audio.pre_roll", "300ms")
	v.SetDefault("audio.ingest_queue", 256)
	v.SetDefault("turn.barge_in", false)
	v.SetDefault("turn.pending_turns", 1)
	v.SetDefault("turn.fallback_text", "Sorry, something went wrong. Please try again.")
	v.SetDefault("turn.budgets.transcription", "2s")
	v.SetDefault("turn.budgets.first_token", "3s")
	v.SetDefault("turn.budgets.first_audio", "2s")
	v.SetDefault("agent.persona", "You are a helpful voice assistant. Keep answers short and conversational.")
	v.SetDefault("agent.greeting", "")
	v.SetDefault("agent.greeting_instructions", "")
	v.SetDefault("agent.max_history", 8)
	v.SetDefault("agent.retry_history", 2)
	v.SetDefault("chunker.min_runes", 2)
	v.SetDefault("chunker.max_runes", 220)
	v.SetDefault("languages.default", "ka")
	v.SetDefault("recorder.store", "memory")
	v.SetDefault("recorder.path", "data/turns.jsonl")
	v.SetDefault("recorder.queue_size", 1024)
	v.SetDefault("recorder.write_timeout", "5s")
	v.SetDefault("recorder.close_timeout", "5s")
	v.SetDefault("recorder.max_attempts", 5)
	v.SetDefault("resilience.breaker_threshold", 3)
	v.SetDefault("resilience.breaker_cooldown", "30s")
	v.SetDefault("resilience.backoff", "150ms")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.async_buffer", 2048)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout", "20s")
}

// LoadConfig reads the YAML file at path. VOXTURN_* variables override file
// values (VOXTURN_VAD_MIN_SILENCE for vad.min_silence) and ${VAR}
// references inside strings are expanded.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("VOXTURN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		errs = append(errs, errors.New("vendors.stt.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		errs = append(errs, errors.New("vendors.llm.provider is required"))
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		errs = append(errs, errors.New("vendors.tts.provider is required"))
	}
	switch c.STT.Mode {
	case "streaming":
		if strings.TrimSpace(c.Vendors.STTFallback.Provider) == "" {
			errs = append(errs, errors.New("vendors.stt_fallback.provider is required in streaming mode"))
		}
	case "oneshot":
	default:
		errs = append(errs, fmt.Errorf("stt.mode must be streaming or oneshot, got %q", c.STT.Mode))
	}
	switch c.Recorder.Store {
	case "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Recorder.DSN) == "" {
			errs = append(errs, errors.New("recorder.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("recorder.store must be memory, file or postgres, got %q", c.Recorder.Store))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	if c.Recorder.MaxAttempts < 1 {
		errs = append(errs, errors.New("recorder.max_attempts must be at least 1"))
	}
	if c.Agent.RetryHistory > c.Agent.MaxHistory {
		errs = append(errs, errors.New("agent.retry_history must not exceed agent.max_history"))
	}
	return errors.Join(errs...)
}

// SessionConfig derives the per-session pipeline configuration.
func (c Config) SessionConfig(sessionID string, metadata map[string]string) pipeline.SessionConfig {
	return pipeline.SessionConfig{
		SessionID:            sessionID,
		Language:             c.Languages.Default,
		VAD:                  c.VAD,
		Window:               c.Audio.Window,
		PreRoll:              c.Audio.PreRoll,
		IngestQueue:          c.Audio.IngestQueue,
		PendingTurns:         c.Turn.PendingTurns,
		BargeIn:              c.Turn.BargeIn,
		FallbackText:         c.Turn.FallbackText,
		Greeting:             c.Agent.Greeting,
		GreetingInstructions: c.Agent.GreetingInstructions,
		Budgets:              c.Turn.Budgets,
		Chunker: aggregators.ChunkerConfig{
			MinRunes:      c.Chunker.MinRunes,
			MaxRunes:      c.Chunker.MaxRunes,
			Abbreviations: c.Chunker.Abbreviations,
		},
		Metadata: metadata,
	}
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.STTFallback.Settings = expandSettings(cfg.Vendors.STTFallback.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, inner := range val {
			val[k] = expandAny(inner)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.String {
			for i := 0; i < v.Len(); i++ {
				expandValue(v.Index(i))
			}
		}
	}
}
