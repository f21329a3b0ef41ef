package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

// LatencyObserver logs one breakdown line per finished turn: transcription,
// first token and first audio, plus the end-to-end time to first audio.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	sessionID  string
	sttMs      float64
	llmFirstMs float64
	ttsFirstMs float64
	fallback   bool
	retries    int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ev.Tag("turn_id")
	if turnID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{sttMs: -1, llmFirstMs: -1, ttsFirstMs: -1}
		o.traces[turnID] = t
	}
	if t.sessionID == "" {
		t.sessionID = ev.Tag("session_id")
	}
	switch ev.Name {
	case metrics.EventSTTFinal:
		t.sttMs = ev.Value
	case metrics.EventSTTFallback:
		t.fallback = true
	case metrics.EventLLMRetry:
		t.retries++
	case metrics.EventLLMFirstTok:
		if t.llmFirstMs < 0 {
			t.llmFirstMs = ev.Value
		}
	case metrics.EventTTSFirstByte:
		if t.ttsFirstMs < 0 {
			t.ttsFirstMs = ev.Value
		}
	case metrics.EventTurnComplete:
		o.log.Info("latency",
			"session_id", t.sessionID,
			"turn_id", turnID,
			"stt_ms", t.sttMs,
			"llm_first_token_ms", t.llmFirstMs,
			"tts_first_audio_ms", t.ttsFirstMs,
			"ttfb_ms", ev.Value,
			"stt_fallback", t.fallback,
			"llm_retries", t.retries,
		)
		delete(o.traces, turnID)
	case metrics.EventTurnCancelled, metrics.EventTurnFailed, metrics.EventTurnEmpty:
		delete(o.traces, turnID)
	}
}

// Pending reports turns with partial measurements.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.traces)
}
