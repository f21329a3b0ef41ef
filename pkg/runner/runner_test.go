package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

func TestLifecycleRunnerDrainsOnCancel(t *testing.T) {
	var started, stopped, drained bool
	r := NewLifecycleRunner(drainFunc(func() error { drained = true; return nil }), Hooks{
		OnStart: func() { started = true },
		OnStop:  func() { stopped = true },
	}, time.Second)
	var buf bytes.Buffer
	r.WithBanner(&buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !started || !drained || !stopped {
		t.Fatalf("hooks: started=%v drained=%v stopped=%v", started, drained, stopped)
	}
	if r.State() != StateStopped || r.State().String() != "stopped" {
		t.Fatalf("unexpected state %v", r.State())
	}
	if !bytes.Contains(buf.Bytes(), []byte(Version)) {
		t.Fatalf("expected banner with version")
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run should fail")
	}
}

func TestLifecycleRunnerDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(drainFunc(func() error { <-block; return nil }), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("stop is idempotent, got %v", err)
	}
}
