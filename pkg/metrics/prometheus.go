package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver maps pipeline events onto Prometheus collectors.
type PrometheusObserver struct {
	StageLatency   *prometheus.HistogramVec
	TurnLatency    prometheus.Histogram
	Turns          *prometheus.CounterVec
	BudgetOverruns *prometheus.CounterVec
	Degradations   *prometheus.CounterVec
	FramesDropped  prometheus.Counter
	RecorderDrops  prometheus.Counter
	RecorderErrors prometheus.Counter
	BreakerEvents  *prometheus.CounterVec
}

// NewPrometheusObserver registers collectors on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	f := promauto.With(reg)
	return &PrometheusObserver{
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxturn_stage_latency_seconds",
			Help:    "Latency from speech end to each stage milestone",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxturn_turn_latency_seconds",
			Help:    "Speech end to first audible response",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxturn_turns_total",
			Help: "Turns by outcome",
		}, []string{"outcome"}),
		BudgetOverruns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxturn_budget_overruns_total",
			Help: "Stage soft budget overruns",
		}, []string{"stage"}),
		Degradations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxturn_degradations_total",
			Help: "Degraded paths taken (stt fallback, llm retry, tts text-only)",
		}, []string{"kind"}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voxturn_audio_frames_dropped_total",
			Help: "Malformed inbound audio frames",
		}),
		RecorderDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "voxturn_recorder_dropped_total",
			Help: "Turn records dropped from the recorder queue",
		}),
		RecorderErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voxturn_recorder_errors_total",
			Help: "Failed store writes",
		}),
		BreakerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voxturn_breaker_events_total",
			Help: "Circuit breaker transitions and denials",
		}, []string{"event", "component"}),
	}
}

func (p *PrometheusObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSTTFinal, EventLLMFirstTok, EventTTSFirstByte:
		p.StageLatency.WithLabelValues(ev.Name).Observe(ev.Value / 1000)
	case EventTurnComplete:
		p.Turns.WithLabelValues("complete").Inc()
		if ev.Value > 0 {
			p.TurnLatency.Observe(ev.Value / 1000)
		}
	case EventTurnCancelled:
		p.Turns.WithLabelValues("cancelled").Inc()
	case EventTurnFailed:
		p.Turns.WithLabelValues("failed").Inc()
	case EventTurnEmpty:
		p.Turns.WithLabelValues("empty").Inc()
	case EventBudgetExceeded:
		p.BudgetOverruns.WithLabelValues(ev.Tag("stage")).Inc()
	case EventSTTFallback, EventLLMRetry, EventTTSDegraded:
		p.Degradations.WithLabelValues(ev.Name).Inc()
	case EventFrameDropped:
		p.FramesDropped.Inc()
	case EventRecorderDropped:
		n := ev.Value
		if n <= 0 {
			n = 1
		}
		p.RecorderDrops.Add(n)
	case EventRecorderError:
		p.RecorderErrors.Inc()
	case EventBreakerOpen, EventBreakerClose, EventBreakerDenied, EventRateLimit:
		p.BreakerEvents.WithLabelValues(ev.Name, ev.Tag("component")).Inc()
	}
}
