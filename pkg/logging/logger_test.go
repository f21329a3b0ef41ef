package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := newLogger(&buf, slog.LevelInfo, "json")
	NewComponentLogger(base, "vad").Info("speech_start", "offset_ms", 200)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json line, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "vad" || entry["msg"] != "speech_start" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestTextFormatAndLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, ParseLevel("warn"), "text")
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "msg=shown") {
		t.Fatalf("unexpected output %q", out)
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info default")
	}
}
