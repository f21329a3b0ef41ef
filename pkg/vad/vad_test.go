package vad

import (
	"math"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
)

// tone builds canonical 20ms windows of a sine at amplitude amp.
func tone(offset int64, d time.Duration, amp float64) []frames.PCMChunk {
	total := frames.DurationToSamples(d, frames.CanonicalRate)
	var out []frames.PCMChunk
	for pos := int64(0); pos < total; pos += 320 {
		samples := make([]int16, 320)
		for i := range samples {
			samples[i] = int16(amp * math.Sin(2*math.Pi*440*float64(offset+pos+int64(i))/frames.CanonicalRate))
		}
		out = append(out, frames.PCMChunk{Samples: samples, Offset: offset + pos})
	}
	return out
}

func run(t *testing.T, d *Detector, chunks []frames.PCMChunk) []Event {
	t.Helper()
	var events []Event
	for _, c := range chunks {
		if ev, ok := d.Process(c); ok {
			events = append(events, ev)
		}
	}
	return events
}

func TestLoudThenQuietYieldsOneSpeechEnd(t *testing.T) {
	d, err := NewDetector(Config{Activation: 0.65, MinSpeech: 200 * time.Millisecond, MinSilence: 600 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	chunks := tone(0, time.Second, 10000)
	chunks = append(chunks, tone(16000, 700*time.Millisecond, 50)...)
	events := run(t, d, chunks)

	var ends []Event
	for _, ev := range events {
		if ev.Type == SpeechEnd {
			ends = append(ends, ev)
		}
	}
	if len(ends) != 1 {
		t.Fatalf("expected exactly one speech end, got %d (%v)", len(ends), events)
	}
	if ends[0].At < 1600*time.Millisecond || ends[0].At > 1700*time.Millisecond {
		t.Fatalf("speech end at %s outside [1.6s, 1.7s]", ends[0].At)
	}
	if ends[0].Boundary != time.Second {
		t.Fatalf("expected boundary at 1s, got %s", ends[0].Boundary)
	}
	if events[0].Type != SpeechStart || events[0].At != 200*time.Millisecond || events[0].Boundary != 0 {
		t.Fatalf("unexpected speech start %+v", events[0])
	}
}

func TestShortBurstProducesNoEvent(t *testing.T) {
	d, _ := NewDetector(DefaultConfig(), nil)
	chunks := tone(0, 100*time.Millisecond, 10000)
	chunks = append(chunks, tone(1600, time.Second, 0)...)
	if events := run(t, d, chunks); len(events) != 0 {
		t.Fatalf("expected no events for 100ms burst, got %v", events)
	}
	if d.State() != StateSilence {
		t.Fatalf("expected silence")
	}
}

// square builds canonical 20ms windows alternating between +amp and -amp,
// so every window's RMS is exactly amp.
func square(offset int64, d time.Duration, amp int16) []frames.PCMChunk {
	total := frames.DurationToSamples(d, frames.CanonicalRate)
	var out []frames.PCMChunk
	for pos := int64(0); pos < total; pos += 320 {
		samples := make([]int16, 320)
		for i := range samples {
			samples[i] = amp
			if i%2 == 1 {
				samples[i] = -amp
			}
		}
		out = append(out, frames.PCMChunk{Samples: samples, Offset: offset + pos})
	}
	return out
}

func TestSubThresholdEnergyNeverStartsSpeech(t *testing.T) {
	cfg := DefaultConfig()
	full := NewEnergyScorer().FullScale
	limit := cfg.Activation * full

	d, err := NewDetector(cfg, nil)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	chunks := square(0, 3*time.Second, int16(0.99*limit))
	// a sine's RMS is amp/sqrt(2)
	chunks = append(chunks, tone(48000, 3*time.Second, 0.97*limit*math.Sqrt2)...)
	if events := run(t, d, chunks); len(events) != 0 {
		t.Fatalf("expected no events for sub-threshold audio, got %v", events)
	}
	if d.State() != StateSilence {
		t.Fatalf("expected silence, got %s", d.State())
	}

	// the same signal just over the threshold does start speech
	d, _ = NewDetector(cfg, nil)
	events := run(t, d, square(0, time.Second, int16(1.02*limit)))
	if len(events) == 0 || events[0].Type != SpeechStart {
		t.Fatalf("expected speech start above threshold, got %v", events)
	}
}

func TestShortPauseDoesNotEndSpeech(t *testing.T) {
	d, _ := NewDetector(DefaultConfig(), nil)
	chunks := tone(0, 500*time.Millisecond, 10000)
	chunks = append(chunks, tone(8000, 300*time.Millisecond, 0)...)
	chunks = append(chunks, tone(12800, 500*time.Millisecond, 10000)...)
	events := run(t, d, chunks)
	if len(events) != 1 || events[0].Type != SpeechStart || d.State() != StateSpeaking {
		t.Fatalf("expected a single speech start, got %v", events)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewDetector(Config{Activation: 1.5, MinSilence: time.Second}, nil); err == nil {
		t.Fatalf("expected threshold error")
	}
	if _, err := NewDetector(Config{Activation: 0.5}, nil); err == nil {
		t.Fatalf("expected min silence error")
	}
}
