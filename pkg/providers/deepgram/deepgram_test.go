package deepgram

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/errorsx"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, events <-chan stt.StreamEvent) stt.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatalf("events closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return stt.StreamEvent{}
}

func TestListenConnDeliversFinalOnSpeechFinal(t *testing.T) {
	conn := newListenConn(time.Minute, quietLogger())
	if err := conn.StartUtterance("t1", "en"); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn.onResult("hello", false, false, 0.5)
	if ev := nextEvent(t, conn.Events()); ev.IsFinal || ev.Text != "hello" {
		t.Fatalf("unexpected partial: %+v", ev)
	}
	conn.onResult("hello there", true, false, 0.9)
	if ev := nextEvent(t, conn.Events()); ev.IsFinal || ev.Text != "hello there" {
		t.Fatalf("unexpected partial: %+v", ev)
	}
	if err := conn.EndUtterance(); err != nil {
		t.Fatalf("end: %v", err)
	}
	conn.onResult("friend", true, true, 0.9)
	ev := nextEvent(t, conn.Events())
	if !ev.IsFinal || ev.TurnID != "t1" || ev.Text != "hello there friend" {
		t.Fatalf("unexpected final: %+v", ev)
	}
}

func TestListenConnSettlesWithoutSpeechFinal(t *testing.T) {
	conn := newListenConn(20*time.Millisecond, quietLogger())
	_ = conn.StartUtterance("t1", "en")
	conn.onResult("book a table", true, false, 0.9)
	_ = nextEvent(t, conn.Events())
	_ = conn.EndUtterance()
	ev := nextEvent(t, conn.Events())
	if !ev.IsFinal || ev.Text != "book a table" {
		t.Fatalf("unexpected final: %+v", ev)
	}
}

func TestListenConnIgnoresStaleSettleTimer(t *testing.T) {
	conn := newListenConn(30*time.Millisecond, quietLogger())
	_ = conn.StartUtterance("t1", "en")
	_ = conn.EndUtterance()
	_ = conn.StartUtterance("t2", "en")
	time.Sleep(60 * time.Millisecond)
	select {
	case ev := <-conn.Events():
		t.Fatalf("unexpected event from previous utterance: %+v", ev)
	default:
	}
}

func TestListenConnSpeechFinalBeforeEnd(t *testing.T) {
	conn := newListenConn(time.Minute, quietLogger())
	_ = conn.StartUtterance("t1", "en")
	conn.onResult("yes", true, true, 0.9)
	_ = nextEvent(t, conn.Events())
	_ = conn.EndUtterance()
	ev := nextEvent(t, conn.Events())
	if !ev.IsFinal || ev.Text != "yes" {
		t.Fatalf("unexpected final: %+v", ev)
	}
}

func TestListenConnUtteranceEndDelivers(t *testing.T) {
	conn := newListenConn(time.Minute, quietLogger())
	_ = conn.StartUtterance("t1", "en")
	conn.onResult("maybe", true, false, 0.9)
	_ = nextEvent(t, conn.Events())
	_ = conn.EndUtterance()
	conn.onUtteranceEnd()
	if ev := nextEvent(t, conn.Events()); !ev.IsFinal || ev.Text != "maybe" {
		t.Fatalf("unexpected final: %+v", ev)
	}
}

func TestListenConnFailClosesEvents(t *testing.T) {
	conn := newListenConn(time.Minute, quietLogger())
	cb := &listenCallback{conn: conn}
	_ = cb.Close(nil)
	if _, ok := <-conn.Events(); ok {
		t.Fatalf("expected closed events")
	}
	if !errorsx.IsKind(conn.Err(), errorsx.KindTransport) {
		t.Fatalf("expected transport error, got %v", conn.Err())
	}
	if err := conn.SendAudio([]byte{0, 0}); err == nil {
		t.Fatalf("expected send on closed connection to fail")
	}
}

func TestSpeakCallbackFinishesOnFlush(t *testing.T) {
	ctx := context.Background()
	stream := tts.NewStream(4)
	cb := newSpeakCallback(ctx, stream, quietLogger())
	go cb.wait(ctx, time.Minute, time.Minute)

	_ = cb.Binary([]byte{1, 2, 3, 4})
	_ = cb.Flush(&msginterfaces.FlushedResponse{})

	var got int
	for pcm := range stream.Audio() {
		got += len(pcm)
	}
	if got != 4 {
		t.Fatalf("expected 4 bytes, got %d", got)
	}
	if stream.Err() != nil {
		t.Fatalf("unexpected error: %v", stream.Err())
	}
	// Audio after completion is discarded.
	_ = cb.Binary([]byte{5, 6})
}

func TestSpeakCallbackIdleWindow(t *testing.T) {
	ctx := context.Background()
	stream := tts.NewStream(4)
	cb := newSpeakCallback(ctx, stream, quietLogger())
	go cb.wait(ctx, 60*time.Millisecond, time.Minute)
	_ = cb.Binary([]byte{1, 2})
	for range stream.Audio() {
	}
	if stream.Err() != nil {
		t.Fatalf("unexpected error: %v", stream.Err())
	}
}

func TestSpeakCallbackError(t *testing.T) {
	ctx := context.Background()
	stream := tts.NewStream(4)
	cb := newSpeakCallback(ctx, stream, quietLogger())
	go cb.wait(ctx, time.Minute, time.Minute)
	_ = cb.Error(&msginterfaces.ErrorResponse{ErrCode: "INVALID", ErrMsg: "bad voice"})
	for range stream.Audio() {
	}
	if !errorsx.IsKind(stream.Err(), errorsx.KindBackend) {
		t.Fatalf("expected backend error, got %v", stream.Err())
	}
}

func TestSpeakCallbackDeadlineWithoutAudio(t *testing.T) {
	ctx := context.Background()
	stream := tts.NewStream(4)
	cb := newSpeakCallback(ctx, stream, quietLogger())
	go cb.wait(ctx, time.Minute, 30*time.Millisecond)
	for range stream.Audio() {
	}
	if !errorsx.IsKind(stream.Err(), errorsx.KindTimeout) {
		t.Fatalf("expected timeout, got %v", stream.Err())
	}
}

func TestSpeakerRequiresKey(t *testing.T) {
	s := NewSpeaker(SpeakConfig{}, quietLogger())
	if _, err := s.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	d := NewStreamDialer(ListenConfig{}, quietLogger())
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatalf("expected missing key error")
	}
	if s.SampleRate() != 24000 {
		t.Fatalf("unexpected default rate %d", s.SampleRate())
	}
}
