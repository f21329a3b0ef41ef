package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/voxturn/pkg/metrics"
)

// warnEvents are logged at warn level; everything else goes to debug.
var warnEvents = map[string]bool{
	metrics.EventFrameDropped:    true,
	metrics.EventTurnFailed:      true,
	metrics.EventBudgetExceeded:  true,
	metrics.EventBreakerOpen:     true,
	metrics.EventTTSDegraded:     true,
	metrics.EventRecorderDropped: true,
	metrics.EventRecorderError:   true,
}

// LoggerObserver mirrors pipeline events into the structured log. Free
// text in fields is redacted.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	level := slog.LevelDebug
	if warnEvents[ev.Name] {
		level = slog.LevelWarn
	}
	ctx := context.Background()
	if !o.log.Enabled(ctx, level) {
		return
	}
	attrs := make([]slog.Attr, 0, 4+len(ev.Tags))
	attrs = append(attrs, slog.String("name", ev.Name))
	// session and turn ids stay top level so log queries can filter on them.
	for _, k := range []string{"session_id", "turn_id"} {
		if v := ev.Tag(k); v != "" {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	if ev.Value != 0 {
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	if tags := otherTags(ev.Tags); len(tags) > 0 {
		attrs = append(attrs, slog.Any("tags", tags))
	}
	if fields := sanitizeFields(ev.Fields); len(fields) > 0 {
		attrs = append(attrs, slog.Any("fields", fields))
	}
	o.log.LogAttrs(ctx, level, "pipeline_event", attrs...)
}

type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}
