package tts

import (
	"context"
	"sync"
)

// Request is one sentence to synthesize.
type Request struct {
	TurnID string
	Index  int
	Text   string
	Voice  string
	Locale string
}

// Backend synthesizes one sentence at a time.
type Backend interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// SampleRate of the PCM the backend produces.
	SampleRate() int
	// Synthesize starts synthesis. Cancelling ctx must stop it and close the stream.
	Synthesize(ctx context.Context, req Request) (*Stream, error)
}

// Stream carries 16-bit little-endian mono PCM for one request. Audio is
// closed when synthesis finishes; Err is valid afterwards.
type Stream struct {
	audio chan []byte
	once  sync.Once
	mu    sync.Mutex
	err   error
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{audio: make(chan []byte, buffer)}
}

func (s *Stream) Audio() <-chan []byte { return s.audio }

// Send delivers pcm unless ctx ends first.
func (s *Stream) Send(ctx context.Context, pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	select {
	case s.audio <- pcm:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish closes the stream with err (nil on success). Only the first call counts.
func (s *Stream) Finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.audio)
	})
}

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SessionID  string
	Voice      string
	Locale     string
	SampleRate int
}
