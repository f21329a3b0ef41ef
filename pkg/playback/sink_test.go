package playback

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/frames"
)

func TestWAVSinkResamplesAndWritesTranscript(t *testing.T) {
	var out, transcript bytes.Buffer
	s := NewWAVSink(&out, &transcript, 16000)
	pcm := frames.PCMToBytes(make([]int16, 2400))
	if err := s.WriteAudio(frames.AudioChunk{PCM: pcm, SampleRate: 24000}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := s.WriteText(frames.AudioChunk{TurnID: "t1", Index: 1, Text: "shown instead", TextOnly: true}); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w, err := audio.DecodeWAV(&out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.SampleRate != 16000 || len(w.Samples) < 1500 || len(w.Samples) > 1600 {
		t.Fatalf("unexpected wav rate=%d samples=%d", w.SampleRate, len(w.Samples))
	}
	if !strings.Contains(transcript.String(), "t1#1] shown instead") {
		t.Fatalf("unexpected transcript %q", transcript.String())
	}
}

func TestMemorySinkCounts(t *testing.T) {
	s := NewMemorySink()
	_ = s.WriteAudio(frames.AudioChunk{Index: 0})
	_ = s.WriteText(frames.AudioChunk{Index: 1, TextOnly: true})
	s.Reset()
	_ = s.FlushTail()
	if len(s.Chunks()) != 2 || s.Resets() != 1 || s.Turns() != 1 {
		t.Fatalf("unexpected sink state")
	}
}
