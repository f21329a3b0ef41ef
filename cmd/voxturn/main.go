package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/voxturn/pkg/audio"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/pipeline"
	"github.com/harunnryd/voxturn/pkg/playback"
	"github.com/harunnryd/voxturn/pkg/runner"
	"github.com/harunnryd/voxturn/pkg/voxturn"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: voxturn <command> [flags]

commands:
  run     replay a WAV file through one session and write the reply audio
  serve   run the ops server (/healthz, /readyz, /metrics, POST /v1/turns)
  version print the build version
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "serve":
		err = serveCommand(os.Args[2:])
	case "version":
		fmt.Println(runner.Version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("voxturn_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func loadConfig(path string) (voxturn.Config, error) {
	if err := voxturn.LoadEnvFiles(); err != nil {
		return voxturn.Config{}, err
	}
	return voxturn.LoadConfig(path)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config")
	input := fs.String("input", "", "input WAV file (16-bit PCM)")
	output := fs.String("output", "reply.wav", "output WAV file")
	speed := fs.Float64("speed", 1, "replay speed; 0 pushes audio as fast as the session accepts it")
	timeout := fs.Duration("timeout", 2*time.Minute, "upper bound on the whole replay")
	_ = fs.Parse(args)
	if *input == "" {
		return errors.New("-input is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	in, err := os.Open(*input)
	if err != nil {
		return err
	}
	wav, err := audio.DecodeWAV(in)
	_ = in.Close()
	if err != nil {
		return fmt.Errorf("decode %s: %w", *input, err)
	}
	out, err := os.Create(*output)
	if err != nil {
		return err
	}
	defer out.Close()

	sink := playback.NewWAVSink(out, os.Stdout, 0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	eng, err := voxturn.NewEngine(ctx, voxturn.EngineOptions{
		Config:      cfg,
		SinkFactory: func(string) (playback.Sink, error) { return sink, nil },
	})
	if err != nil {
		return err
	}
	defer eng.Stop()
	if err := eng.Prewarm(ctx); err != nil {
		return err
	}

	id := uuid.NewString()
	sess, err := eng.OpenSession(ctx, id, map[string]string{"source": *input})
	if err != nil {
		return err
	}
	if err := replay(ctx, sess, wav, *speed); err != nil {
		return err
	}
	if err := sess.Wait(ctx); err != nil {
		return err
	}
	eng.CloseSession(id)
	if err := sink.Close(); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	slog.Info("replay_complete",
		slog.String("session_id", id),
		slog.String("output", *output),
		slog.Int64("frames_dropped", sess.FramesDropped()))
	return nil
}

// replay pushes wav as 20ms frames. speed 1 paces frames in real time.
func replay(ctx context.Context, sess *pipeline.Session, wav audio.WAV, speed float64) error {
	if wav.SampleRate <= 0 || wav.Channels <= 0 {
		return errors.New("wav: missing format")
	}
	step := wav.SampleRate / 50 * wav.Channels
	var pace time.Duration
	if speed > 0 {
		pace = time.Duration(float64(20*time.Millisecond) / speed)
	}
	seq := uint64(0)
	for off := 0; off < len(wav.Samples); off += step {
		end := min(off+step, len(wav.Samples))
		seq++
		f := frames.AudioFrame{
			Samples:    wav.Samples[off:end],
			SampleRate: wav.SampleRate,
			Channels:   wav.Channels,
			BitDepth:   16,
			Seq:        seq,
		}
		for {
			err := sess.PushAudio(f)
			if errors.Is(err, pipeline.ErrIngestFull) && pace == 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil && !errors.Is(err, pipeline.ErrIngestFull) {
				return err
			}
			break
		}
		if pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pace):
			}
		}
	}
	sess.CloseInput()
	return nil
}

type sinkTable struct {
	mu    sync.Mutex
	sinks map[string]playback.Sink
}

func (t *sinkTable) put(id string, s playback.Sink) {
	t.mu.Lock()
	t.sinks[id] = s
	t.mu.Unlock()
}

func (t *sinkTable) take(id string) (playback.Sink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sinks[id]
	if !ok {
		return nil, fmt.Errorf("no sink for session %s", id)
	}
	delete(t.sinks, id)
	return s, nil
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := &sinkTable{sinks: make(map[string]playback.Sink)}
	eng, err := voxturn.NewEngine(ctx, voxturn.EngineOptions{
		Config:      cfg,
		SinkFactory: sinks.take,
		Registerer:  prometheus.DefaultRegisterer,
		Banner:      os.Stdout,
	})
	if err != nil {
		return err
	}

	srv := echo.New()
	srv.HideBanner = true
	srv.Use(middleware.Recover())
	srv.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	srv.GET("/readyz", func(c echo.Context) error {
		if !eng.Ready() {
			return c.String(http.StatusServiceUnavailable, "warming")
		}
		if eng.Registry().Draining() {
			return c.String(http.StatusServiceUnavailable, "draining")
		}
		return c.String(http.StatusOK, "ready")
	})
	srv.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	srv.POST("/v1/turns", turnsHandler(eng, sinks))

	go func() {
		if err := srv.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops_server_failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	if err := eng.Prewarm(ctx); err != nil {
		_ = srv.Shutdown(context.Background())
		return err
	}
	runErr := eng.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops_server_shutdown", slog.String("error", err.Error()))
	}
	return runErr
}

// turnsHandler runs the posted WAV through a fresh session and answers with
// the synthesized reply as WAV.
func turnsHandler(eng *voxturn.Engine, sinks *sinkTable) echo.HandlerFunc {
	return func(c echo.Context) error {
		wav, err := audio.DecodeWAV(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), time.Minute)
		defer cancel()

		var out, transcript bytes.Buffer
		sink := playback.NewWAVSink(&out, &transcript, 0)
		id := uuid.NewString()
		sinks.put(id, sink)
		sess, err := eng.OpenSession(ctx, id, map[string]string{"source": "http", "remote": c.RealIP()})
		if err != nil {
			_, _ = sinks.take(id)
			if errors.Is(err, voxturn.ErrNotReady) || errors.Is(err, pipeline.ErrDraining) {
				return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
			}
			return err
		}
		defer eng.CloseSession(id)

		if err := replay(ctx, sess, wav, 0); err != nil {
			return err
		}
		if err := sess.Wait(ctx); err != nil {
			return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
		}
		if err := sink.Close(); err != nil {
			return err
		}
		c.Response().Header().Set("X-Session-Id", id)
		if transcript.Len() > 0 {
			c.Response().Header().Set("X-Text-Only", "true")
		}
		return c.Blob(http.StatusOK, "audio/wav", out.Bytes())
	}
}
