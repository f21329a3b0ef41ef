package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/harunnryd/voxturn/pkg/runner"
)

// Runner ties a session registry to the process lifecycle: on stop it
// refuses new sessions, gives live ones the drain timeout to finish, then
// closes whatever is left.
type Runner struct {
	reg *SessionRegistry
	lc  *runner.LifecycleRunner
}

func NewRunner(reg *SessionRegistry, hooks runner.Hooks, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	drainer := DrainerFunc(func() error {
		reg.SetDraining(true)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		reg.WaitForEmpty(ctx, 0)
		reg.CloseAll()
		return nil
	})
	// The lifecycle deadline sits past the drain wait so CloseAll always runs.
	lc := runner.NewLifecycleRunner(drainer, hooks, timeout+2*time.Second)
	return &Runner{reg: reg, lc: lc}
}

// WithBanner prints the startup banner to w when Run begins.
func (r *Runner) WithBanner(w io.Writer) *Runner {
	r.lc.WithBanner(w)
	return r
}

func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.lc.WithLogger(l)
	return r
}

func (r *Runner) Run(ctx context.Context) error { return r.lc.Run(ctx) }
func (r *Runner) Stop() error                   { return r.lc.Stop() }
func (r *Runner) State() runner.State           { return r.lc.State() }

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }
