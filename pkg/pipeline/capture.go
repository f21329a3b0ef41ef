package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// capture holds the audio of one utterance. The ingest goroutine appends to
// it; the turn worker replays it into the transcription adapter, possibly
// long after capture began when the utterance was queued.
type capture struct {
	id          string
	speechStart time.Duration

	mu        sync.Mutex
	chunks    []frames.PCMChunk
	ended     bool
	speechEnd time.Duration
	endedAt   time.Time
	notify    chan struct{}
	done      chan struct{}
}

func newCapture(id string, speechStart time.Duration) *capture {
	return &capture{
		id:          id,
		speechStart: speechStart,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (c *capture) append(chunk frames.PCMChunk) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *capture) end(speechEnd time.Duration) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.speechEnd = speechEnd
	c.endedAt = time.Now()
	c.mu.Unlock()
	close(c.done)
}

func (c *capture) from(i int) ([]frames.PCMChunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.chunks) {
		return nil, c.ended
	}
	return c.chunks[i:len(c.chunks):len(c.chunks)], c.ended
}

func (c *capture) samples() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ch := range c.chunks {
		n += len(ch.Samples)
	}
	out := make([]int16, 0, n)
	for _, ch := range c.chunks {
		out = append(out, ch.Samples...)
	}
	return out
}

func (c *capture) bounds() (start, end time.Duration, endedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speechStart, c.speechEnd, c.endedAt
}

// feed pushes the captured audio into st as it becomes available and ends
// the transcription turn once the utterance is complete.
func (c *capture) feed(ctx context.Context, st stt.Turn) {
	next := 0
	for {
		chunks, ended := c.from(next)
		for _, ch := range chunks {
			st.Push(ch)
		}
		next += len(chunks)
		if ended {
			st.End()
			return
		}
		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return
		}
	}
}
