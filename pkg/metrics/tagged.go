package metrics

// TaggedObserver adds fixed tags to every event. Tags already set on an
// event take precedence.
type TaggedObserver struct {
	inner Observer
	tags  map[string]string
}

func WithTags(inner Observer, tags map[string]string) *TaggedObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	return &TaggedObserver{inner: inner, tags: tags}
}

func (t *TaggedObserver) RecordEvent(ev MetricsEvent) {
	merged := make(map[string]string, len(t.tags)+len(ev.Tags))
	for k, v := range t.tags {
		merged[k] = v
	}
	for k, v := range ev.Tags {
		merged[k] = v
	}
	ev.Tags = merged
	t.inner.RecordEvent(ev)
}
