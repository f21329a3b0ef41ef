package frames

import (
	"encoding/binary"
	"sync"
	"time"
)

// Canonical PCM layout used by every stage after ingest.
const (
	CanonicalRate     = 16000
	CanonicalChannels = 1
	CanonicalBitDepth = 16
)

// AudioFrame is a block of interleaved PCM samples as received from a transport.
type AudioFrame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	BitDepth   int
	Seq        uint64
}

// NewAudioFrameFromBytes builds a frame from little-endian 16-bit PCM bytes.
// An odd byte count is kept as-is so ingest can reject the frame.
func NewAudioFrameFromBytes(seq uint64, data []byte, rate, channels int) AudioFrame {
	return AudioFrame{
		Samples:    BytesToPCM(data),
		SampleRate: rate,
		Channels:   channels,
		BitDepth:   bitDepthFor(data),
		Seq:        seq,
	}
}

func bitDepthFor(data []byte) int {
	if len(data)%2 != 0 {
		return 0
	}
	return 16
}

// Duration reports the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return SamplesToDuration(int64(len(f.Samples)/f.Channels), f.SampleRate)
}

// PCMChunk is a fixed window of canonical audio. Offset is the index of the
// first sample counted from the start of the session.
type PCMChunk struct {
	Samples []int16
	Offset  int64
	Final   bool
}

func (c PCMChunk) Start() time.Duration {
	return SamplesToDuration(c.Offset, CanonicalRate)
}

func (c PCMChunk) End() time.Duration {
	return SamplesToDuration(c.Offset+int64(len(c.Samples)), CanonicalRate)
}

func (c PCMChunk) Bytes() []byte { return PCMToBytes(c.Samples) }

// TranscriptSegment is one recognition result for a turn. Seq is strictly
// increasing within a turn and exactly one segment per turn has IsFinal set.
type TranscriptSegment struct {
	TurnID     string
	Seq        int
	Text       string
	IsFinal    bool
	Confidence float64
}

// Utterance is the final user input handed to generation.
type Utterance struct {
	TurnID      string
	Text        string
	Language    string
	SpeechStart time.Duration
	SpeechEnd   time.Duration
}

// TokenEvent is one element of a generation stream. A stream ends with either
// Done or a non-nil Err.
type TokenEvent struct {
	Text string
	Done bool
	Err  error
}

// SentenceChunk is a speakable piece of a reply. Index is strictly increasing
// per turn.
type SentenceChunk struct {
	TurnID string
	Index  int
	Text   string
	Last   bool
}

// AudioChunk is synthesized audio for one sentence. Part orders the pieces of
// a single sentence; Last marks the final piece of that sentence. TextOnly
// chunks carry no audio and are shown instead of spoken.
type AudioChunk struct {
	TurnID     string
	Index      int
	Part       int
	PCM        []byte
	SampleRate int
	Text       string
	TextOnly   bool
	Last       bool
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnRecord is the persisted summary of one side of a turn.
type TurnRecord struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	TurnIndex int       `json:"turn_index"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LatencyMs int64     `json:"latency_ms"`
	Degraded  bool      `json:"degraded,omitempty"`
}

func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

func DurationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// PCMToBytes encodes samples as little-endian 16-bit PCM.
func PCMToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToPCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

var sampleBufPool = sync.Pool{
	New: func() any {
		return make([]int16, 0, 640)
	},
}

func AcquireSampleBuf(size int) []int16 {
	b := sampleBufPool.Get().([]int16)
	if cap(b) < size {
		return make([]int16, size)
	}
	return b[:size]
}

func ReleaseSampleBuf(b []int16) {
	sampleBufPool.Put(b[:0])
}
