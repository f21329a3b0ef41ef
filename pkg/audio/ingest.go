package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
)

// ErrInvalidFrame is the root of every FormatError raised by ingest.
var ErrInvalidFrame = errors.New("invalid audio frame")

const maxInputRate = 192000

type IngestConfig struct {
	// Window is the canonical chunk length. Defaults to 20ms.
	Window time.Duration
}

// Ingest normalizes arbitrary transport frames into fixed canonical windows.
// It is owned by a single session goroutine.
type Ingest struct {
	resampler *Resampler
	window    int
	pending   []int16
	offset    int64
	dropped   int
	logger    *slog.Logger
}

func NewIngest(cfg IngestConfig, logger *slog.Logger) *Ingest {
	if cfg.Window <= 0 {
		cfg.Window = 20 * time.Millisecond
	}
	window := int(frames.DurationToSamples(cfg.Window, frames.CanonicalRate))
	if window <= 0 {
		window = 320
	}
	return &Ingest{
		resampler: NewResampler(frames.CanonicalRate),
		window:    window,
		pending:   make([]int16, 0, window*2),
		logger:    logging.NewComponentLogger(logger, "audio_ingest"),
	}
}

// ValidateFrame reports a FormatError for frames ingest cannot interpret.
func ValidateFrame(f frames.AudioFrame) error {
	switch {
	case f.BitDepth != 16:
		return errorsx.Format(fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFrame, f.BitDepth), errorsx.ReasonAudioFormat)
	case f.Channels <= 0:
		return errorsx.Format(fmt.Errorf("%w: channel count %d", ErrInvalidFrame, f.Channels), errorsx.ReasonAudioFormat)
	case f.SampleRate <= 0 || f.SampleRate > maxInputRate:
		return errorsx.Format(fmt.Errorf("%w: sample rate %d", ErrInvalidFrame, f.SampleRate), errorsx.ReasonAudioFormat)
	case len(f.Samples)%f.Channels != 0:
		return errorsx.Format(fmt.Errorf("%w: %d samples not divisible by %d channels", ErrInvalidFrame, len(f.Samples), f.Channels), errorsx.ReasonAudioFormat)
	}
	return nil
}

// Push converts f and returns every complete window it produced. A malformed
// frame is dropped with a warning and its FormatError returned; the stream
// stays usable.
func (in *Ingest) Push(f frames.AudioFrame) ([]frames.PCMChunk, error) {
	if err := ValidateFrame(f); err != nil {
		in.dropped++
		in.logger.Warn("audio_frame_dropped",
			slog.Uint64("seq", f.Seq),
			slog.String("reason", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return nil, err
	}
	mono := Downmix(f.Samples, f.Channels)
	in.pending = in.resampler.Process(in.pending, mono, f.SampleRate)

	var out []frames.PCMChunk
	for len(in.pending) >= in.window {
		out = append(out, in.emit(in.pending[:in.window], false))
		in.pending = append(in.pending[:0], in.pending[in.window:]...)
	}
	return out, nil
}

// Terminate ends the current segment. A partial window is zero-padded and
// returned as the final chunk.
func (in *Ingest) Terminate() []frames.PCMChunk {
	if len(in.pending) == 0 {
		return nil
	}
	buf := make([]int16, in.window)
	copy(buf, in.pending)
	in.pending = in.pending[:0]
	return []frames.PCMChunk{in.emit(buf, true)}
}

func (in *Ingest) emit(samples []int16, final bool) frames.PCMChunk {
	chunk := frames.PCMChunk{
		Samples: append([]int16(nil), samples...),
		Offset:  in.offset,
		Final:   final,
	}
	in.offset += int64(len(samples))
	return chunk
}

// Reset restarts ingest for a new session.
func (in *Ingest) Reset() {
	in.resampler.Reset()
	in.pending = in.pending[:0]
	in.offset = 0
	in.dropped = 0
}

func (in *Ingest) Dropped() int { return in.dropped }

// Position is the session time covered by emitted windows.
func (in *Ingest) Position() time.Duration {
	return frames.SamplesToDuration(in.offset, frames.CanonicalRate)
}

func (in *Ingest) WindowSamples() int { return in.window }
