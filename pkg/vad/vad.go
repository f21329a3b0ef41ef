// Package vad turns per-window speech probabilities into debounced speech
// start and end events.
package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
)

// Config holds the hysteresis parameters. It is passed by value at
// construction and never read from globals.
type Config struct {
	Activation float64       `mapstructure:"activation_threshold"`
	MinSpeech  time.Duration `mapstructure:"min_speech"`
	MinSilence time.Duration `mapstructure:"min_silence"`
}

func DefaultConfig() Config {
	return Config{
		Activation: 0.65,
		MinSpeech:  200 * time.Millisecond,
		MinSilence: 600 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Activation <= 0 || c.Activation >= 1 {
		return fmt.Errorf("vad activation threshold must be in (0,1), got %v", c.Activation)
	}
	if c.MinSpeech < 0 || c.MinSilence <= 0 {
		return fmt.Errorf("vad durations must be positive (min_speech=%s min_silence=%s)", c.MinSpeech, c.MinSilence)
	}
	return nil
}

// Scorer maps a canonical window to a speech probability in [0,1].
type Scorer interface {
	Score(samples []int16) float64
}

// EnergyScorer scores by RMS energy relative to FullScale.
type EnergyScorer struct {
	FullScale float64
}

func NewEnergyScorer() EnergyScorer { return EnergyScorer{FullScale: 3000} }

func (e EnergyScorer) Score(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(samples)))
	scale := e.FullScale
	if scale <= 0 {
		scale = 3000
	}
	p := rms / scale
	if p > 1 {
		p = 1
	}
	return p
}

type State int

const (
	StateSilence State = iota
	StateSpeaking
)

func (s State) String() string {
	if s == StateSpeaking {
		return "SPEAKING"
	}
	return "SILENCE"
}

type EventType int

const (
	SpeechStart EventType = iota + 1
	SpeechEnd
)

func (e EventType) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is a confirmed boundary. At is the session time the event was
// decided; Boundary is where the speech actually started or stopped, which
// precedes At by the hysteresis window.
type Event struct {
	Type        EventType
	At          time.Duration
	Boundary    time.Duration
	Probability float64
}

// Detector is a per-session hysteresis state machine. Time is derived from
// sample counts so results do not depend on wall-clock scheduling.
type Detector struct {
	cfg    Config
	scorer Scorer
	state  State

	minSpeech  int64
	minSilence int64
	run        int64
	runStart   int64
}

func NewDetector(cfg Config, scorer Scorer) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scorer == nil {
		scorer = NewEnergyScorer()
	}
	return &Detector{
		cfg:        cfg,
		scorer:     scorer,
		minSpeech:  frames.DurationToSamples(cfg.MinSpeech, frames.CanonicalRate),
		minSilence: frames.DurationToSamples(cfg.MinSilence, frames.CanonicalRate),
	}, nil
}

func (d *Detector) State() State { return d.state }

func (d *Detector) Config() Config { return d.cfg }

// Process scores one window and returns at most one confirmed event.
func (d *Detector) Process(chunk frames.PCMChunk) (Event, bool) {
	n := int64(len(chunk.Samples))
	if n == 0 {
		return Event{}, false
	}
	p := d.scorer.Score(chunk.Samples)
	voiced := p > d.cfg.Activation
	end := chunk.Offset + n

	switch d.state {
	case StateSilence:
		if !voiced {
			d.run = 0
			return Event{}, false
		}
		if d.run == 0 {
			d.runStart = chunk.Offset
		}
		d.run += n
		if d.run >= d.minSpeech {
			d.state = StateSpeaking
			d.run = 0
			return d.event(SpeechStart, end, d.runStart, p), true
		}
	case StateSpeaking:
		if voiced {
			d.run = 0
			return Event{}, false
		}
		if d.run == 0 {
			d.runStart = chunk.Offset
		}
		d.run += n
		if d.run >= d.minSilence {
			d.state = StateSilence
			d.run = 0
			return d.event(SpeechEnd, end, d.runStart, p), true
		}
	}
	return Event{}, false
}

func (d *Detector) event(t EventType, at, boundary int64, p float64) Event {
	return Event{
		Type:        t,
		At:          frames.SamplesToDuration(at, frames.CanonicalRate),
		Boundary:    frames.SamplesToDuration(boundary, frames.CanonicalRate),
		Probability: p,
	}
}

// Reset returns the detector to silence, discarding the hysteresis window.
func (d *Detector) Reset() {
	d.state = StateSilence
	d.run = 0
	d.runStart = 0
}
