package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// eventLine is the on-disk shape of one event.
type eventLine struct {
	Time   time.Time         `json:"time"`
	Event  string            `json:"event"`
	Value  float64           `json:"value,omitempty"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

// JSONLObserver appends one JSON object per event to w.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	line := eventLine{Time: ev.Time.UTC(), Event: ev.Name, Value: ev.Value, Tags: ev.Tags, Fields: ev.Fields}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return
	}
	o.err = o.enc.Encode(line)
}

// Err reports the first write error. Events after it are discarded.
func (o *JSONLObserver) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}
