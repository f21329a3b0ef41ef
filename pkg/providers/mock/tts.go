package mock

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/frames"
)

var errMockUnavailable = errors.New("mock: backend unavailable")

type TTSConfig struct {
	SampleRate int
	// PerRune is the audio length produced per character of text.
	PerRune time.Duration
	// ChunkDelay paces audio chunks; FirstAudio delays the first one.
	FirstAudio time.Duration
	ChunkDelay time.Duration
	// FailText makes every request whose text equals it fail.
	FailText string
}

// TTS renders a tone whose length follows the text length.
type TTS struct {
	cfg TTSConfig

	mu       sync.Mutex
	requests []tts.Request
}

func NewTTS(cfg TTSConfig) *TTS {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.PerRune <= 0 {
		cfg.PerRune = 10 * time.Millisecond
	}
	return &TTS{cfg: cfg}
}

func (m *TTS) Name() string { return "mock_tts" }

func (m *TTS) SampleRate() int { return m.cfg.SampleRate }

func (m *TTS) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.cfg.FailText != "" && req.Text == m.cfg.FailText {
		return nil, errMockUnavailable
	}
	total := int(frames.DurationToSamples(time.Duration(utf8.RuneCountInString(req.Text))*m.cfg.PerRune, m.cfg.SampleRate))
	chunk := m.cfg.SampleRate / 50
	stream := tts.NewStream(8)
	go func() {
		if err := sleep(ctx, m.cfg.FirstAudio); err != nil {
			stream.Finish(err)
			return
		}
		for off := 0; off < total; off += chunk {
			n := chunk
			if off+n > total {
				n = total - off
			}
			if !stream.Send(ctx, frames.PCMToBytes(tone(off, n, m.cfg.SampleRate))) {
				stream.Finish(ctx.Err())
				return
			}
			if err := sleep(ctx, m.cfg.ChunkDelay); err != nil {
				stream.Finish(err)
				return
			}
		}
		stream.Finish(nil)
	}()
	return stream, nil
}

// Requests returns every request received, in order.
func (m *TTS) Requests() []tts.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tts.Request(nil), m.requests...)
}

func tone(offset, n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		t := float64(offset+i) / float64(rate)
		out[i] = int16(6000 * math.Sin(2*math.Pi*220*t))
	}
	return out
}
