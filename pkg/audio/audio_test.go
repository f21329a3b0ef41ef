package audio

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ramp(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(i % 1000)
	}
	return out
}

func TestResamplerSplitMatchesContiguous(t *testing.T) {
	in := ramp(4800)
	whole := NewResampler(16000).Process(nil, in, 48000)

	r := NewResampler(16000)
	var split []int16
	for _, size := range []int{7, 480, 1, 953, 3359} {
		split = r.Process(split, in[:size], 48000)
		in = in[size:]
	}
	if len(split) != len(whole) {
		t.Fatalf("expected %d samples, got %d", len(whole), len(split))
	}
	for i := range whole {
		if whole[i] != split[i] {
			t.Fatalf("sample %d differs: %d vs %d", i, whole[i], split[i])
		}
	}
}

func TestResamplerUpsampleInterpolates(t *testing.T) {
	out := NewResampler(16000).Process(nil, []int16{0, 100, 200, 300}, 8000)
	want := []int16{0, 50, 100, 150, 200, 250}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, out)
		}
	}
}

func TestIngestWindowsAndOffsets(t *testing.T) {
	in := NewIngest(IngestConfig{}, quietLogger())
	var chunks []frames.PCMChunk
	for i := 0; i < 5; i++ {
		// 10ms of 48kHz stereo per frame.
		got, err := in.Push(frames.AudioFrame{Samples: make([]int16, 960), SampleRate: 48000, Channels: 2, BitDepth: 16})
		if err != nil {
			t.Fatalf("push: %v", err)
		}
		chunks = append(chunks, got...)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 full windows, got %d", len(chunks))
	}
	if chunks[0].Offset != 0 || chunks[1].Offset != 320 || len(chunks[1].Samples) != 320 {
		t.Fatalf("unexpected chunk layout %+v", chunks[1])
	}
	tail := in.Terminate()
	if len(tail) != 1 || !tail[0].Final || len(tail[0].Samples) != 320 {
		t.Fatalf("expected one zero-padded final window, got %+v", tail)
	}
	if in.Terminate() != nil {
		t.Fatalf("expected nothing pending after terminate")
	}
}

func TestIngestDropsMalformedFrameAndContinues(t *testing.T) {
	in := NewIngest(IngestConfig{}, quietLogger())
	_, err := in.Push(frames.AudioFrame{Samples: make([]int16, 3), SampleRate: 16000, Channels: 2, BitDepth: 16})
	if !errorsx.IsKind(err, errorsx.KindFormat) || !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected format error, got %v", err)
	}
	_, err = in.Push(frames.AudioFrame{Samples: make([]int16, 10), SampleRate: 16000, Channels: 1, BitDepth: 8})
	if !errorsx.IsKind(err, errorsx.KindFormat) {
		t.Fatalf("expected format error for 8-bit, got %v", err)
	}
	got, err := in.Push(frames.AudioFrame{Samples: make([]int16, 320), SampleRate: 16000, Channels: 1, BitDepth: 16})
	if err != nil || len(got) != 1 || got[0].Offset != 0 {
		t.Fatalf("expected stream to continue, got %v %v", got, err)
	}
	if in.Dropped() != 2 {
		t.Fatalf("expected 2 dropped frames, got %d", in.Dropped())
	}
}

func TestWAVRoundTrip(t *testing.T) {
	samples := ramp(100)
	data, err := EncodeWAV(samples, 16000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 44+200 {
		t.Fatalf("unexpected size %d", len(data))
	}
	w, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.SampleRate != 16000 || w.Channels != 1 || len(w.Samples) != 100 || w.Samples[99] != samples[99] {
		t.Fatalf("unexpected decode %+v", w)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRingSince(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Push(frames.PCMChunk{Samples: make([]int16, 320), Offset: int64(i * 320)})
	}
	got := r.Since(700)
	if len(got) != 3 || got[0].Offset != 640 {
		t.Fatalf("expected chunks from 640, got %d starting %d", len(got), got[0].Offset)
	}
	if len(r.Since(2000)) != 0 {
		t.Fatalf("expected nothing after end")
	}
}
