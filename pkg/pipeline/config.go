package pipeline

import (
	"log/slog"
	"time"

	"github.com/harunnryd/voxturn/pkg/aggregators"
	"github.com/harunnryd/voxturn/pkg/vad"
)

// Budgets are per-stage soft deadlines. Exceeding one triggers the stage's
// degradation path; a zero value disables the budget.
type Budgets struct {
	// Transcription runs from speech end to the final transcript.
	Transcription time.Duration `mapstructure:"transcription"`
	FirstToken    time.Duration `mapstructure:"first_token"`
	FirstAudio    time.Duration `mapstructure:"first_audio"`
}

type SessionConfig struct {
	SessionID string
	Language  string
	VAD       vad.Config
	// Window is the canonical chunk length.
	Window time.Duration
	// PreRoll is audio kept from before a confirmed speech start.
	PreRoll time.Duration
	// IngestQueue bounds frames waiting for ingest.
	IngestQueue int
	// PendingTurns bounds utterances queued behind the active turn.
	PendingTurns int
	BargeIn      bool
	FallbackText string
	Greeting     string
	// GreetingInstructions asks the generator for the greeting when no
	// fixed Greeting is set.
	GreetingInstructions string
	Budgets              Budgets
	Chunker              aggregators.ChunkerConfig
	Metadata             map[string]string
}

func (c SessionConfig) greets() bool {
	return c.Greeting != "" || c.GreetingInstructions != ""
}

func (c *SessionConfig) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 20 * time.Millisecond
	}
	if c.PreRoll <= 0 {
		c.PreRoll = 300 * time.Millisecond
	}
	if c.IngestQueue <= 0 {
		c.IngestQueue = 256
	}
	if c.PendingTurns <= 0 {
		c.PendingTurns = 1
	}
	if c.VAD == (vad.Config{}) {
		c.VAD = vad.DefaultConfig()
	}
}

func LogConfiguration(logger *slog.Logger, cfg SessionConfig) {
	logger.Info("session_config",
		slog.String("session_id", cfg.SessionID),
		slog.String("language", cfg.Language),
		slog.Float64("vad_activation", cfg.VAD.Activation),
		slog.Duration("vad_min_speech", cfg.VAD.MinSpeech),
		slog.Duration("vad_min_silence", cfg.VAD.MinSilence),
		slog.Bool("barge_in", cfg.BargeIn),
		slog.Int("pending_turns", cfg.PendingTurns),
		slog.Duration("budget_transcription", cfg.Budgets.Transcription),
		slog.Duration("budget_first_token", cfg.Budgets.FirstToken),
		slog.Duration("budget_first_audio", cfg.Budgets.FirstAudio),
	)
}
