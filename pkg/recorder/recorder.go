// Package recorder persists turn records off the hot path.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
	"github.com/harunnryd/voxturn/pkg/logging"
	"github.com/harunnryd/voxturn/pkg/metrics"
	"github.com/harunnryd/voxturn/pkg/resilience"
)

// Store is a durable sink for conversation history.
type Store interface {
	StartSession(ctx context.Context, sessionID string, startedAt time.Time, metadata map[string]string) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	SaveTurn(ctx context.Context, rec frames.TurnRecord) error
	Close() error
}

type Config struct {
	// QueueSize bounds pending writes; the oldest entry is dropped on overflow.
	QueueSize    int
	WriteTimeout time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	// MaxAttempts bounds writes of one entry. An entry that still fails, or
	// that the store rejects as malformed, is dropped so later entries are
	// not held behind it.
	MaxAttempts int
}

type opKind int

const (
	opTurn opKind = iota
	opStart
	opEnd
)

type entry struct {
	seq      uint64
	kind     opKind
	rec      frames.TurnRecord
	session  string
	at       time.Time
	metadata map[string]string
}

// Recorder queues records for a single background writer. Submissions never
// block and never report store failures to the caller.
type Recorder struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer

	mu      sync.Mutex
	queue   []entry
	nextSeq uint64
	closing bool

	wake    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Int64
	stored  atomic.Int64
}

func New(store Store, cfg Config, logger *slog.Logger, obs metrics.Observer) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		store:  store,
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "recorder"),
		obs:    obs,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go r.loop()
	return r
}

// Submit enqueues a turn record.
func (r *Recorder) Submit(rec frames.TurnRecord) {
	r.enqueue(entry{kind: opTurn, rec: rec, session: rec.SessionID})
}

func (r *Recorder) StartSession(sessionID string, metadata map[string]string) {
	r.enqueue(entry{kind: opStart, session: sessionID, at: time.Now(), metadata: metadata})
}

func (r *Recorder) EndSession(sessionID string) {
	r.enqueue(entry{kind: opEnd, session: sessionID, at: time.Now()})
}

func (r *Recorder) enqueue(e entry) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return
	}
	r.nextSeq++
	e.seq = r.nextSeq
	var lost entry
	overflow := len(r.queue) >= r.cfg.QueueSize
	if overflow {
		lost = r.queue[0]
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, e)
	r.mu.Unlock()

	if overflow {
		n := r.dropped.Add(1)
		r.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventRecorderDropped, Time: time.Now(), Value: 1})
		if n == 1 || n%100 == 0 {
			r.logger.Warn("recorder_drop_oldest",
				slog.String("reason", string(errorsx.ReasonRecorderDrop)),
				slog.String("session_id", lost.session),
				slog.Int("turn_index", lost.rec.TurnIndex),
				slog.Int64("dropped_total", n))
		}
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) head() (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return entry{}, false
	}
	return r.queue[0], true
}

// ack removes the head if it is still the entry that was written. It
// reports false when overflow already dropped it.
func (r *Recorder) ack(seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) > 0 && r.queue[0].seq == seq {
		r.queue = r.queue[1:]
		return true
	}
	return false
}

// giveUp drops the head entry after its last failed write.
func (r *Recorder) giveUp(e entry, attempts int, err error) {
	if !r.ack(e.seq) {
		return
	}
	n := r.dropped.Add(1)
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventRecorderDropped,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"session_id": e.session, "cause": "write_failed"},
	})
	r.logger.Warn("recorder_drop_failed",
		slog.String("reason", string(errorsx.ReasonRecorderDrop)),
		slog.String("session_id", e.session),
		slog.Int("turn_index", e.rec.TurnIndex),
		slog.Int("attempts", attempts),
		slog.Int64("dropped_total", n),
		slog.String("error", err.Error()))
}

func (r *Recorder) loop() {
	defer close(r.done)
	failures := 0
	var failedSeq uint64
	for {
		e, ok := r.head()
		if !ok {
			r.mu.Lock()
			closing := r.closing
			r.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-r.wake:
				continue
			case <-r.ctx.Done():
				return
			}
		}
		if e.seq != failedSeq {
			failures = 0
		}
		if err := r.write(e); err != nil {
			failures++
			failedSeq = e.seq
			r.obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventRecorderError, Time: time.Now()})
			if failures >= r.cfg.MaxAttempts || errorsx.IsKind(err, errorsx.KindFormat) {
				r.giveUp(e, failures, err)
				continue
			}
			delay := resilience.Backoff(r.cfg.RetryBase, r.cfg.RetryMax, 0.2, failures-1)
			r.logger.Warn("recorder_store_failed",
				slog.String("reason", string(errorsx.ReasonRecorderStore)),
				slog.String("session_id", e.session),
				slog.Int("attempt", failures),
				slog.Duration("retry_in", delay),
				slog.String("error", err.Error()))
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		failures = 0
		r.ack(e.seq)
		r.stored.Add(1)
	}
}

func (r *Recorder) write(e entry) error {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
	defer cancel()
	switch e.kind {
	case opStart:
		return r.store.StartSession(ctx, e.session, e.at, e.metadata)
	case opEnd:
		return r.store.EndSession(ctx, e.session, e.at)
	default:
		return r.store.SaveTurn(ctx, e.rec)
	}
}

// Dropped is the number of entries lost to queue overflow or to writes that
// kept failing.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Stored is the number of entries written successfully.
func (r *Recorder) Stored() int64 { return r.stored.Load() }

// Pending returns the queued turn records, oldest first.
func (r *Recorder) Pending() []frames.TurnRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]frames.TurnRecord, 0, len(r.queue))
	for _, e := range r.queue {
		if e.kind == opTurn {
			out = append(out, e.rec)
		}
	}
	return out
}

// Close stops accepting entries and drains the queue until ctx ends, then
// abandons whatever is left and closes the store.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.cancel()
		<-r.done
		r.mu.Lock()
		left := len(r.queue)
		r.mu.Unlock()
		if left > 0 {
			r.logger.Warn("recorder_abandoned", slog.Int("pending", left))
		}
	}
	r.cancel()
	return r.store.Close()
}
