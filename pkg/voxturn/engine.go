package voxturn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/harunnryd/voxturn/pkg/adapters/stt"
	"github.com/harunnryd/voxturn/pkg/adapters/tts"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/llm"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/observers"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/playback"
	"github.com/harunnryd/voxturn/pkg/recorder"
	"github.com/harunnryd/voxturn/pkg/recorder/postgres"
	"github.com/harunnryd/voxturn/pkg/redact"
	"github.com/harunnryd/voxturn/pkg/resilience"
	"github.com/harunnryd/voxturn/pkg/runner"
)

var ErrNotReady = errors.New("voxturn: engine not prewarmed")

type SinkFactory func(sessionID string) (playback.Sink, error)

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// SinkFactory builds the playback sink of each session. Sessions play
	// into a MemorySink when nil.
	SinkFactory SinkFactory
	Logger      *slog.Logger
	// Registerer receives the Prometheus collectors. Nil keeps them
	// unregistered.
	Registerer prometheus.Registerer
	// Store overrides the recorder store selected by config.
	Store recorder.Store
	// Banner receives the startup banner when Run begins.
	Banner io.Writer
}

// Engine owns the shared backends and builds one pipeline session per
// conversation.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	providers *ProviderRegistry
	sinks     SinkFactory

	asyncObs    *metrics.AsyncObserver
	timeline    *observers.TimelineObserver
	eventsFile  io.Closer
	prometheus  *metrics.PrometheusObserver
	storeOption recorder.Store

	dialer     stt.Dialer
	recognizer stt.Recognizer
	fallback   stt.Recognizer
	llm        *llm.CircuitBreakerBackend
	tts        tts.Backend
	ttsBreaker *resilience.CircuitBreaker

	recorder *recorder.Recorder
	registry *pipeline.SessionRegistry
	runner   *pipeline.Runner

	prewarmMu sync.Mutex
	ready     atomic.Bool

	metaMu   sync.Mutex
	metadata map[string]map[string]string
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
		logging.SetDefaultLogger(logger)
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("voxturn_init",
		slog.String("environment", cfg.Environment),
		slog.String("stt_provider", cfg.Vendors.STT.Provider),
		slog.String("stt_mode", cfg.STT.Mode),
		slog.String("llm_provider", cfg.Vendors.LLM.Provider),
		slog.String("tts_provider", cfg.Vendors.TTS.Provider),
		slog.String("recorder_store", cfg.Recorder.Store),
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		providers:   providers,
		sinks:       opts.SinkFactory,
		storeOption: opts.Store,
		metadata:    make(map[string]map[string]string),
	}
	if err := e.buildObservers(opts.Registerer); err != nil {
		return nil, err
	}
	if err := e.buildBackends(ctx); err != nil {
		e.closeObservers()
		return nil, err
	}

	e.registry = pipeline.NewSessionRegistry(e.newSession)
	hooks := runner.Hooks{
		OnStart: func() {
			logger.Info("engine_ready", slog.String("addr", cfg.Server.Addr), slog.Bool("prewarmed", e.Ready()))
		},
		OnStop: func() {
			e.shutdown()
			logger.Info("shutdown",
				slog.Int("goroutines", runtime.NumGoroutine()),
				slog.Int64("active_sessions", e.registry.Count()))
		},
	}
	e.runner = pipeline.NewRunner(e.registry, hooks, cfg.Server.DrainTimeout).WithLogger(logger)
	if opts.Banner != nil {
		e.runner.WithBanner(opts.Banner)
	}
	return e, nil
}

func (e *Engine) buildObservers(reg prometheus.Registerer) error {
	obs := e.cfg.Observability
	e.prometheus = metrics.NewPrometheusObserver(reg)
	list := []metrics.Observer{
		e.prometheus,
		observers.NewLatencyObserver(logging.NewComponentLogger(e.logger, "latency")),
		observers.NewLoggerObserver(logging.NewComponentLogger(e.logger, "events")),
	}

	var sampled []metrics.Observer
	if dir := strings.TrimSpace(obs.TimelineDir); dir != "" {
		if obs.RetentionDays > 0 {
			n, err := observers.PurgeTimelines(dir, time.Duration(obs.RetentionDays)*24*time.Hour)
			if err != nil {
				e.logger.Warn("timeline_purge_failed", slog.String("error", err.Error()))
			} else if n > 0 {
				e.logger.Info("timeline_purged", slog.Int("files", n))
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		sampled = append(sampled, e.timeline)
	}
	if path := strings.TrimSpace(obs.EventsPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("events path: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("events path: %w", err)
		}
		e.eventsFile = f
		sampled = append(sampled, metrics.NewJSONLObserver(f))
	}
	if len(sampled) > 0 {
		list = append(list, metrics.NewSamplingObserver(observers.NewMultiObserver(sampled...), obs.SampleRate))
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), obs.AsyncBuffer)
	return nil
}

func (e *Engine) buildBackends(ctx context.Context) error {
	vendors := e.cfg.Vendors
	var err error
	switch e.cfg.STT.Mode {
	case string(stt.ModeStreaming):
		if e.dialer, err = e.providers.BuildDialer(vendors.STT, e.logger); err != nil {
			return err
		}
		if e.fallback, err = e.providers.BuildRecognizer(vendors.STTFallback, e.logger); err != nil {
			return err
		}
	default:
		if e.recognizer, err = e.providers.BuildRecognizer(vendors.STT, e.logger); err != nil {
			return err
		}
	}

	res := e.cfg.Resilience
	backend, err := e.providers.BuildLLM(ctx, vendors.LLM, e.logger)
	if err != nil {
		return err
	}
	e.llm = llm.NewCircuitBreakerBackend(backend, resilience.NewCircuitBreaker(res.BreakerThreshold, res.BreakerCooldown))
	e.llm.SetObserver(e.asyncObs)

	if e.tts, err = e.providers.BuildTTS(vendors.TTS, e.logger); err != nil {
		return err
	}
	e.ttsBreaker = resilience.NewCircuitBreaker(res.BreakerThreshold, res.BreakerCooldown)
	return nil
}

// Prewarm validates the VAD parameters, opens and migrates the recorder
// store and checks streaming transcription connectivity. Sessions cannot
// be created before it succeeds. Calling it again after success is a no-op.
func (e *Engine) Prewarm(ctx context.Context) error {
	e.prewarmMu.Lock()
	defer e.prewarmMu.Unlock()
	if e.ready.Load() {
		return nil
	}
	start := time.Now()
	if err := e.cfg.VAD.Validate(); err != nil {
		return fmt.Errorf("prewarm vad: %w", err)
	}
	if e.recorder == nil {
		store, err := e.openStore(ctx)
		if err != nil {
			return fmt.Errorf("prewarm recorder: %w", err)
		}
		rc := e.cfg.Recorder
		e.recorder = recorder.New(store, recorder.Config{
			QueueSize:    rc.QueueSize,
			WriteTimeout: rc.WriteTimeout,
			MaxAttempts:  rc.MaxAttempts,
		}, e.logger, e.asyncObs)
	}
	if e.dialer != nil {
		conn, err := e.dialer.Dial(ctx)
		if err != nil {
			return fmt.Errorf("prewarm stt %s: %w", e.dialer.Name(), err)
		}
		_ = conn.Close()
	}
	e.ready.Store(true)
	e.logger.Info("prewarm_complete", slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *Engine) openStore(ctx context.Context) (recorder.Store, error) {
	if e.storeOption != nil {
		return e.storeOption, nil
	}
	rc := e.cfg.Recorder
	switch rc.Store {
	case "file":
		if err := os.MkdirAll(filepath.Dir(rc.Path), 0o755); err != nil {
			return nil, err
		}
		return recorder.NewFileStore(rc.Path)
	case "postgres":
		return postgres.Open(ctx, rc.DSN)
	default:
		return recorder.NewMemoryStore(), nil
	}
}

func (e *Engine) Ready() bool { return e.ready.Load() }

// OpenSession creates and starts the session for id, or returns the live
// one. An empty id gets a generated one.
func (e *Engine) OpenSession(ctx context.Context, id string, metadata map[string]string) (*pipeline.Session, error) {
	if !e.Ready() {
		return nil, ErrNotReady
	}
	if id == "" {
		id = uuid.NewString()
	}
	e.metaMu.Lock()
	e.metadata[id] = metadata
	e.metaMu.Unlock()
	sess, _, err := e.registry.GetOrCreate(ctx, id)
	e.metaMu.Lock()
	delete(e.metadata, id)
	e.metaMu.Unlock()
	return sess, err
}

// CloseSession stops the session and closes its timeline file.
func (e *Engine) CloseSession(id string) {
	e.registry.Remove(id)
	if e.timeline != nil {
		_ = e.timeline.CloseSession(id)
	}
}

func (e *Engine) newSession(_ context.Context, sessionID string) (*pipeline.Session, error) {
	cfg := e.cfg
	e.metaMu.Lock()
	meta := e.metadata[sessionID]
	e.metaMu.Unlock()

	logger := e.logger.With(slog.String("session_id", sessionID))
	obs := metrics.WithTags(e.asyncObs, map[string]string{"session_id": sessionID})
	sttCfg := stt.Config{SessionID: sessionID, SampleRate: frames.CanonicalRate, Language: cfg.Languages.Default}

	var adapter stt.Adapter
	var fallback *stt.OneShotAdapter
	if e.dialer != nil {
		adapter = stt.NewStreamingAdapter(e.dialer, stt.StreamingConfig{Config: sttCfg, FinalTimeout: cfg.STT.FinalTimeout}, logger)
		if e.fallback != nil {
			fallback = stt.NewOneShotAdapter(e.fallback, sttCfg, logger)
		}
	} else {
		adapter = stt.NewOneShotAdapter(e.recognizer, sttCfg, logger)
	}

	generator := llm.NewGenerator(e.llm, llm.GeneratorConfig{
		Persona:      cfg.Agent.Persona,
		Language:     cfg.Languages.Default,
		MaxHistory:   cfg.Agent.MaxHistory,
		RetryHistory: cfg.Agent.RetryHistory,
		FirstToken:   cfg.Turn.Budgets.FirstToken,
		Backoff:      cfg.Resilience.Backoff,
	}, logger, obs)
	synth := tts.NewSynthesizer(e.tts, e.ttsBreaker, tts.SynthesizerConfig{
		Voice:      cfg.TTS.Voice,
		Locale:     cfg.TTS.Locale,
		FirstAudio: cfg.Turn.Budgets.FirstAudio,
		Backoff:    cfg.Resilience.Backoff,
	}, logger, obs)

	var sink playback.Sink = playback.NewMemorySink()
	if e.sinks != nil {
		s, err := e.sinks(sessionID)
		if err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("playback sink: %w", err)
		}
		sink = s
	}

	b := pipeline.NewSessionBuilder().
		WithSTT(adapter).
		WithGenerator(generator).
		WithSynthesizer(synth).
		WithSink(sink).
		WithObserver(obs).
		WithLogger(logger)
	if fallback != nil {
		b = b.WithFallback(fallback)
	}
	if e.recorder != nil {
		b = b.WithRecorder(e.recorder)
	}
	sess, err := b.Build(cfg.SessionConfig(sessionID, meta))
	if err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return sess, nil
}

func (e *Engine) Registry() *pipeline.SessionRegistry { return e.registry }

func (e *Engine) Config() Config { return e.cfg }

// Observer is the engine-wide event sink.
func (e *Engine) Observer() metrics.Observer { return e.asyncObs }

func (e *Engine) Prometheus() *metrics.PrometheusObserver { return e.prometheus }

// Recorder is nil until Prewarm succeeds.
func (e *Engine) Recorder() *recorder.Recorder { return e.recorder }

// Run blocks until ctx ends or Stop is called, then drains live sessions.
func (e *Engine) Run(ctx context.Context) error { return e.runner.Run(ctx) }

func (e *Engine) Stop() error { return e.runner.Stop() }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) shutdown() {
	if e.recorder != nil {
		timeout := e.cfg.Recorder.CloseTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := e.recorder.Close(ctx); err != nil {
			e.logger.Warn("recorder_close_failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	e.closeObservers()
}

func (e *Engine) closeObservers() {
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
	if e.eventsFile != nil {
		_ = e.eventsFile.Close()
	}
}
