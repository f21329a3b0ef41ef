package wsstt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/errorsx"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer answers every utterance with a partial, a stale result and a
// final carrying the number of audio bytes received.
func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var start control
		bytes := 0
		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				bytes += len(data)
				continue
			}
			var msg control
			_ = json.Unmarshal(data, &msg)
			switch msg.Type {
			case "start":
				start = msg
				bytes = 0
				_ = ws.WriteJSON(result{Type: "partial", Text: "hel", Sequence: 2})
				_ = ws.WriteJSON(result{Type: "partial", Text: "stale", Sequence: 1})
			case "end":
				text := start.Language + ":" + start.Encoding
				if bytes != 640 {
					text = "wrong byte count"
				}
				_ = ws.WriteJSON(result{Type: "final", Text: text, Sequence: 3, Confidence: 0.9})
			}
		}
	}))
}

func collect(t *testing.T, events <-chan stt.StreamEvent) []stt.StreamEvent {
	t.Helper()
	var out []stt.StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events closed early")
			}
			out = append(out, ev)
			if ev.IsFinal {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out, got %+v", out)
		}
	}
}

func TestConnUtterances(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := NewDialer(Config{URL: wsURL(srv)}, quietLogger()).Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, turn := range []string{"t1", "t2"} {
		if err := conn.StartUtterance(turn, "ka"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := conn.SendAudio(make([]byte, 640)); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := conn.EndUtterance(); err != nil {
			t.Fatalf("end: %v", err)
		}
		events := collect(t, conn.Events())
		if len(events) != 2 {
			t.Fatalf("expected partial and final, got %+v", events)
		}
		final := events[1]
		if final.TurnID != turn || final.Text != "ka:pcm_s16le" || final.Confidence != 0.9 {
			t.Fatalf("unexpected final %+v", final)
		}
	}
}

func TestConnServerError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_, _, _ = ws.ReadMessage()
		_ = ws.WriteJSON(result{Type: "error", Message: "quota exceeded"})
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	conn, err := NewDialer(Config{URL: wsURL(srv)}, quietLogger()).Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.StartUtterance("t1", "")
	for range conn.Events() {
	}
	if !errorsx.IsKind(conn.Err(), errorsx.KindBackend) {
		t.Fatalf("expected backend error, got %v", conn.Err())
	}
	if err := conn.SendAudio([]byte{0, 0}); err == nil {
		t.Fatalf("expected send after failure to error")
	}
	_ = conn.Close()
}

func TestConnCloseIsClean(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	conn, err := NewDialer(Config{URL: wsURL(srv)}, quietLogger()).Dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
	if _, ok := <-conn.Events(); ok {
		t.Fatalf("expected closed events")
	}
	if conn.Err() != nil {
		t.Fatalf("expected no error after close, got %v", conn.Err())
	}
}

func TestDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()
	if _, err := NewDialer(Config{URL: url}, quietLogger()).Dial(context.Background()); !errorsx.IsKind(err, errorsx.KindTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestStreamingAdapterOverWebsocket(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	adapter := stt.NewStreamingAdapter(NewDialer(Config{URL: wsURL(srv)}, quietLogger()), stt.StreamingConfig{}, quietLogger())
	defer adapter.Close()
	if err := adapter.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if adapter.Dials() != 1 {
		t.Fatalf("expected one dial, got %d", adapter.Dials())
	}
}
