package stt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn answers every end marker with a partial and a final unless it is
// told to drop the connection first.
type fakeConn struct {
	mu        sync.Mutex
	events    chan StreamEvent
	err       error
	closed    bool
	bytes     int
	turn      string
	dropOnEnd bool
	text      string
}

func newFakeConn(dropOnEnd bool, text string) *fakeConn {
	return &fakeConn{events: make(chan StreamEvent, 16), dropOnEnd: dropOnEnd, text: text}
}

func (c *fakeConn) StartUtterance(turnID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turn = turnID
	c.bytes = 0
	return nil
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.bytes += len(pcm)
	return nil
}

func (c *fakeConn) EndUtterance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.dropOnEnd {
		c.err = errors.New("connection reset by peer")
		c.closed = true
		close(c.events)
		return nil
	}
	c.events <- StreamEvent{TurnID: c.turn, Text: "partial"}
	c.events <- StreamEvent{TurnID: "someone-else", Text: "stale", IsFinal: true}
	c.events <- StreamEvent{TurnID: c.turn, Text: c.text, IsFinal: true}
	return nil
}

func (c *fakeConn) Events() <-chan StreamEvent { return c.events }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) receivedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  func(n int) *fakeConn
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(context.Context) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.next(len(d.conns))
	d.conns = append(d.conns, c)
	return c, nil
}

func pushUtterance(turn Turn, windows int) {
	for i := 0; i < windows; i++ {
		turn.Push(frames.PCMChunk{Samples: make([]int16, 320), Offset: int64(i * 320)})
	}
	turn.End()
}

func collect(t *testing.T, turn Turn) []frames.TranscriptSegment {
	t.Helper()
	var segs []frames.TranscriptSegment
	timeout := time.After(2 * time.Second)
	for {
		select {
		case seg, ok := <-turn.Segments():
			if !ok {
				return segs
			}
			segs = append(segs, seg)
		case <-timeout:
			t.Fatalf("timed out waiting for segments")
		}
	}
}

func assertOneFinal(t *testing.T, segs []frames.TranscriptSegment) {
	t.Helper()
	finals := 0
	for i, seg := range segs {
		if i > 0 && seg.Seq <= segs[i-1].Seq {
			t.Fatalf("sequence not increasing: %v", segs)
		}
		if seg.IsFinal {
			finals++
		}
	}
	if finals != 1 || !segs[len(segs)-1].IsFinal {
		t.Fatalf("expected exactly one trailing final, got %v", segs)
	}
}

func TestStreamingReusesWarmConnectionAcrossTurns(t *testing.T) {
	dialer := &fakeDialer{next: func(int) *fakeConn { return newFakeConn(false, "hello there") }}
	a := NewStreamingAdapter(dialer, StreamingConfig{Config: Config{Language: "ka"}}, testLogger())
	if err := a.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	for _, id := range []string{"t1", "t2"} {
		turn := a.BeginTurn(context.Background(), id, "")
		pushUtterance(turn, 5)
		segs := collect(t, turn)
		if turn.Err() != nil {
			t.Fatalf("turn %s: %v", id, turn.Err())
		}
		assertOneFinal(t, segs)
		if segs[len(segs)-1].Text != "hello there" || segs[0].TurnID != id {
			t.Fatalf("unexpected segments %v", segs)
		}
	}
	if a.Dials() != 1 {
		t.Fatalf("expected one warm connection, got %d dials", a.Dials())
	}
}

func TestStreamingReconnectReplaysTurnAudio(t *testing.T) {
	dialer := &fakeDialer{next: func(n int) *fakeConn { return newFakeConn(n == 0, "recovered") }}
	a := NewStreamingAdapter(dialer, StreamingConfig{}, testLogger())
	turn := a.BeginTurn(context.Background(), "t1", "ka")
	pushUtterance(turn, 10)
	segs := collect(t, turn)
	if turn.Err() != nil {
		t.Fatalf("expected recovery, got %v", turn.Err())
	}
	assertOneFinal(t, segs)
	if a.Dials() != 2 {
		t.Fatalf("expected exactly one reconnect, got %d dials", a.Dials())
	}
	if got := dialer.conns[1].receivedBytes(); got != 10*320*2 {
		t.Fatalf("expected full replay of %d bytes, got %d", 10*320*2, got)
	}
}

func TestStreamingRepeatedLossFallsBackWithAudio(t *testing.T) {
	dialer := &fakeDialer{next: func(int) *fakeConn { return newFakeConn(true, "") }}
	a := NewStreamingAdapter(dialer, StreamingConfig{}, testLogger())
	turn := a.BeginTurn(context.Background(), "t1", "ka")
	pushUtterance(turn, 4)
	if segs := collect(t, turn); len(segs) != 0 {
		t.Fatalf("expected no segments, got %v", segs)
	}
	if !errorsx.IsKind(turn.Err(), errorsx.KindTransport) {
		t.Fatalf("expected transport error, got %v", turn.Err())
	}
	if a.Dials() != 2 {
		t.Fatalf("expected initial dial plus one reconnect, got %d", a.Dials())
	}

	rec := &fakeRecognizer{text: "from fallback"}
	oneShot := NewOneShotAdapter(rec, Config{Language: "ka"}, testLogger())
	seg, err := oneShot.Transcribe(context.Background(), "t1", "ka", turn.Audio())
	if err != nil || !seg.IsFinal || seg.Text != "from fallback" {
		t.Fatalf("unexpected fallback result %v %v", seg, err)
	}
	if rec.samples != 4*320 {
		t.Fatalf("expected fallback to receive buffered audio, got %d samples", rec.samples)
	}
}

func TestStreamingCancelStopsTurn(t *testing.T) {
	dialer := &fakeDialer{next: func(int) *fakeConn { return newFakeConn(false, "x") }}
	a := NewStreamingAdapter(dialer, StreamingConfig{}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	turn := a.BeginTurn(ctx, "t1", "ka")
	turn.Push(frames.PCMChunk{Samples: make([]int16, 320)})
	cancel()
	collect(t, turn)
	if !errors.Is(turn.Err(), context.Canceled) {
		t.Fatalf("expected cancellation, got %v", turn.Err())
	}
}

type fakeRecognizer struct {
	text    string
	err     error
	samples int
	lang    string
}

func (r *fakeRecognizer) Name() string { return "fake_rest" }

func (r *fakeRecognizer) Recognize(_ context.Context, req RecognizeRequest) (Result, error) {
	if r.err != nil {
		return Result{}, r.err
	}
	w, err := audio.DecodeWAV(bytes.NewReader(req.Audio))
	if err != nil {
		return Result{}, err
	}
	r.samples = len(w.Samples)
	r.lang = req.Language
	return Result{Text: r.text, Confidence: 0.9}, nil
}

func TestOneShotTurnProducesSingleFinal(t *testing.T) {
	rec := &fakeRecognizer{text: "  gamarjoba  "}
	a := NewOneShotAdapter(rec, Config{Language: "ka"}, testLogger())
	turn := a.BeginTurn(context.Background(), "t9", "")
	pushUtterance(turn, 3)
	segs := collect(t, turn)
	assertOneFinal(t, segs)
	if segs[0].Text != "gamarjoba" || rec.lang != "ka" || rec.samples != 960 {
		t.Fatalf("unexpected result %v lang=%s samples=%d", segs, rec.lang, rec.samples)
	}
}

func TestOneShotBackendFailureIsExplicit(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("503")}
	a := NewOneShotAdapter(rec, Config{}, testLogger())
	turn := a.BeginTurn(context.Background(), "t1", "ka")
	pushUtterance(turn, 1)
	if segs := collect(t, turn); len(segs) != 0 {
		t.Fatalf("expected no final, got %v", segs)
	}
	if !errorsx.IsKind(turn.Err(), errorsx.KindBackend) {
		t.Fatalf("expected backend error, got %v", turn.Err())
	}
}
