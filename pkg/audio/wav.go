package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodeWAV wraps 16-bit PCM samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("write wav data: %w", err)
	}
	return buf.Bytes(), nil
}

// WAV is a decoded PCM file.
type WAV struct {
	Samples    []int16
	SampleRate int
	Channels   int
	BitDepth   int
}

// DecodeWAV reads a PCM WAV stream, skipping non-audio chunks such as LIST.
func DecodeWAV(r io.Reader) (WAV, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return WAV{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return WAV{}, fmt.Errorf("invalid wav file: missing RIFF/WAVE header")
	}
	var out WAV
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return WAV{}, fmt.Errorf("invalid wav file: missing data chunk")
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return WAV{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return WAV{}, fmt.Errorf("fmt chunk too short: %d", len(body))
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return WAV{}, fmt.Errorf("unsupported audio format %d (only PCM)", format)
			}
			out.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			out.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			out.BitDepth = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAV{}, fmt.Errorf("invalid wav file: data before fmt")
			}
			if out.BitDepth != 16 {
				return WAV{}, fmt.Errorf("unsupported bit depth %d (only 16-bit)", out.BitDepth)
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && err != io.ErrUnexpectedEOF {
				return WAV{}, fmt.Errorf("read wav data: %w", err)
			}
			data = data[:n-n%2]
			out.Samples = make([]int16, len(data)/2)
			for i := range out.Samples {
				out.Samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
			}
			return out, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return WAV{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}
