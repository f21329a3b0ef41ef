// Package playback delivers synthesized output to the listener.
package playback

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// Sink receives a turn's output in delivery order.
type Sink interface {
	WriteAudio(chunk frames.AudioChunk) error
	// WriteText shows a sentence that could not be spoken.
	WriteText(chunk frames.AudioChunk) error
	// Reset discards anything buffered but not yet played.
	Reset()
	// FlushTail marks the end of a turn's output.
	FlushTail() error
}

// MemorySink records everything it is given.
type MemorySink struct {
	mu     sync.Mutex
	chunks []frames.AudioChunk
	resets int
	turns  int
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) WriteAudio(c frames.AudioChunk) error {
	m.mu.Lock()
	m.chunks = append(m.chunks, c)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) WriteText(c frames.AudioChunk) error { return m.WriteAudio(c) }

func (m *MemorySink) Reset() {
	m.mu.Lock()
	m.resets++
	m.mu.Unlock()
}

func (m *MemorySink) FlushTail() error {
	m.mu.Lock()
	m.turns++
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Chunks() []frames.AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frames.AudioChunk(nil), m.chunks...)
}

func (m *MemorySink) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

func (m *MemorySink) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// WAVSink accumulates spoken audio at a fixed rate and writes one WAV file
// on Close. Text-only sentences go to the transcript writer.
type WAVSink struct {
	mu         sync.Mutex
	rate       int
	samples    []int16
	resamplers map[int]*audio.Resampler
	out        io.Writer
	transcript io.Writer
}

func NewWAVSink(out, transcript io.Writer, rate int) *WAVSink {
	if rate <= 0 {
		rate = frames.CanonicalRate
	}
	return &WAVSink{rate: rate, out: out, transcript: transcript, resamplers: map[int]*audio.Resampler{}}
}

func (w *WAVSink) WriteAudio(c frames.AudioChunk) error {
	if len(c.PCM) == 0 {
		return nil
	}
	pcm := frames.BytesToPCM(c.PCM)
	w.mu.Lock()
	defer w.mu.Unlock()
	rate := c.SampleRate
	if rate <= 0 {
		rate = w.rate
	}
	r, ok := w.resamplers[rate]
	if !ok {
		r = audio.NewResampler(w.rate)
		w.resamplers[rate] = r
	}
	w.samples = r.Process(w.samples, pcm, rate)
	return nil
}

func (w *WAVSink) WriteText(c frames.AudioChunk) error {
	if w.transcript == nil {
		return nil
	}
	_, err := fmt.Fprintf(w.transcript, "[text-only %s#%d] %s\n", c.TurnID, c.Index, strings.TrimSpace(c.Text))
	return err
}

// Reset is a no-op: a file sink has already "played" what it was given.
func (w *WAVSink) Reset() {}

// FlushTail inserts a short gap between turns.
func (w *WAVSink) FlushTail() error {
	w.mu.Lock()
	w.samples = append(w.samples, make([]int16, w.rate/5)...)
	w.mu.Unlock()
	return nil
}

func (w *WAVSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := audio.EncodeWAV(w.samples, w.rate, 1)
	if err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}
