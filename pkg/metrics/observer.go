package metrics

import "time"

// MetricsEvent is one pipeline observation. Tags are low-cardinality labels
// (session_id, turn_id, stage); Fields carry free-form detail.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Tag returns the named tag or "".
func (ev MetricsEvent) Tag(key string) string {
	if ev.Tags == nil {
		return ""
	}
	return ev.Tags[key]
}

// Observer receives events from every stage. Implementations must be safe
// for concurrent use and must not block the caller for long.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
