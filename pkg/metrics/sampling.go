package metrics

import (
	"hash/fnv"
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of events. Events tagged with a
// turn_id are sampled per turn, so a kept turn keeps all of its events.
// Untagged events are thinned by a counter.
type SamplingObserver struct {
	inner     Observer
	threshold uint32
	every     uint64
	counter   atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	s := &SamplingObserver{inner: inner}
	if rate == 0 {
		return s
	}
	s.threshold = uint32(rate * math.MaxUint32)
	s.every = uint64(math.Max(1, math.Round(1/rate)))
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.every == 0 {
		return
	}
	if s.every == 1 || s.keep(ev) {
		s.inner.RecordEvent(ev)
	}
}

func (s *SamplingObserver) keep(ev MetricsEvent) bool {
	if turn := ev.Tag("turn_id"); turn != "" {
		h := fnv.New32a()
		_, _ = h.Write([]byte(ev.Tag("session_id")))
		_, _ = h.Write([]byte(turn))
		return h.Sum32() < s.threshold
	}
	return s.counter.Add(1)%s.every == 0
}
