package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner moves a process through New, Starting, Running, Draining
// and Stopped. Draining is bounded by the drain timeout.
type LifecycleRunner struct {
	state   atomic.Int32
	stopped chan struct{}
	signalOnce sync.Once

	stopOnce sync.Once
	stopErr  error

	hooks   Hooks
	drainer Drainer
	timeout time.Duration
	banner  io.Writer
	logger  *slog.Logger
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		stopped: make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		logger:  slog.Default(),
	}
	r.state.Store(int32(StateNew))
	return r
}

// WithBanner prints the startup banner to w when Run begins.
func (r *LifecycleRunner) WithBanner(w io.Writer) *LifecycleRunner {
	r.banner = w
	return r
}

func (r *LifecycleRunner) WithLogger(l *slog.Logger) *LifecycleRunner {
	if l != nil {
		r.logger = l
	}
	return r
}

// Run blocks until ctx ends or Stop is called, then drains. A runner runs
// once.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("run from state %s", r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if r.banner != nil {
		PrintBanner(r.banner)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	select {
	case <-ctx.Done():
	case <-r.stopped:
	}
	return r.drain()
}

// Stop drains and returns the drain result. It is safe to call more than
// once and before Run.
func (r *LifecycleRunner) Stop() error {
	r.signalOnce.Do(func() { close(r.stopped) })
	return r.drain()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) drain() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		start := time.Now()
		r.stopErr = r.waitDrainer()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))

		attrs := []any{slog.Duration("drain", time.Since(start))}
		if r.stopErr != nil {
			attrs = append(attrs, slog.String("error", r.stopErr.Error()))
		}
		r.logger.Info("lifecycle_stopped", attrs...)
	})
	return r.stopErr
}

func (r *LifecycleRunner) waitDrainer() error {
	if r.drainer == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain() }()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return ErrDrainTimeout
	}
}
