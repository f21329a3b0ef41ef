package audio

import "github.com/harunnryd/voxturn/pkg/frames"

// Ring keeps the most recent canonical chunks so audio captured before a
// speech start is confirmed can be attached to the turn.
type Ring struct {
	buf   []frames.PCMChunk
	next  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]frames.PCMChunk, capacity)}
}

func (r *Ring) Push(c frames.PCMChunk) {
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Since returns buffered chunks that end after offset, oldest first.
func (r *Ring) Since(offset int64) []frames.PCMChunk {
	out := make([]frames.PCMChunk, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		c := r.buf[(start+i)%len(r.buf)]
		if c.Offset+int64(len(c.Samples)) > offset {
			out = append(out, c)
		}
	}
	return out
}

func (r *Ring) Reset() {
	r.next = 0
	r.count = 0
}
