package stt

import (
	"context"

	"github.com/harunnryd/voxturn/pkg/frames"
)

type Mode string

const (
	ModeOneShot   Mode = "oneshot"
	ModeStreaming Mode = "streaming"
)

// Adapter is the transcription capability a session is built with.
// Implementations are owned by exactly one session.
type Adapter interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	Mode() Mode
	// Warm prepares backend resources before the first turn. It is a no-op
	// for adapters without persistent connections.
	Warm(ctx context.Context) error
	// BeginTurn starts transcription of one utterance. Audio pushed to the
	// returned Turn belongs to that utterance only.
	BeginTurn(ctx context.Context, turnID, language string) Turn
	Close() error
}

// Turn is the per-utterance transcription handle.
//
// Segments yields partial results followed by exactly one final segment and
// is then closed. If the backend cannot produce a final, the channel is
// closed without one and Err reports why.
type Turn interface {
	Push(chunk frames.PCMChunk)
	// End marks the end of the utterance.
	End()
	Segments() <-chan frames.TranscriptSegment
	// Err is valid once Segments is closed.
	Err() error
	// Audio returns every sample pushed so far.
	Audio() []int16
}

// RecognizeRequest is a blocking one-shot recognition call. Audio is a
// complete WAV container.
type RecognizeRequest struct {
	Audio      []byte
	SampleRate int
	Language   string
}

type Result struct {
	Text       string
	Confidence float64
}

// Recognizer is a one-shot backend.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, req RecognizeRequest) (Result, error)
}

// StreamEvent is a recognition result read from a streaming backend.
// TurnID is set by backends that echo the utterance id; events tagged with
// another turn are discarded.
type StreamEvent struct {
	TurnID     string
	Text       string
	IsFinal    bool
	Confidence float64
}

// StreamConn is one live connection to a streaming backend. It may carry
// many utterances in sequence.
type StreamConn interface {
	StartUtterance(turnID, language string) error
	SendAudio(pcm []byte) error
	EndUtterance() error
	// Events is closed when the connection is lost or closed; Err then
	// reports the cause.
	Events() <-chan StreamEvent
	Err() error
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Name() string
	Dial(ctx context.Context) (StreamConn, error)
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
}
