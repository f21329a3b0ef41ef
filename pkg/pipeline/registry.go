package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// SessionFactory builds an unstarted session with the given id.
type SessionFactory func(ctx context.Context, sessionID string) (*Session, error)

var ErrDraining = errors.New("pipeline: registry is draining")

// SessionRegistry tracks live sessions by id.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

// GetOrCreate returns the session for id, building and starting it on first
// use. The bool reports whether a new session was created.
func (r *SessionRegistry) GetOrCreate(ctx context.Context, sessionID string) (*Session, bool, error) {
	if sessionID == "" {
		return nil, false, errors.New("pipeline: empty session id")
	}
	if v, ok := r.sessions.Load(sessionID); ok {
		return v.(*Session), false, nil
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}
	sess, err := r.factory(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	actual, loaded := r.sessions.LoadOrStore(sessionID, sess)
	if loaded {
		_ = sess.Close()
		return actual.(*Session), false, nil
	}
	if err := sess.Start(ctx); err != nil {
		r.sessions.Delete(sessionID)
		_ = sess.Close()
		return nil, false, err
	}
	r.count.Add(1)
	return sess, true, nil
}

func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	if v, ok := r.sessions.Load(sessionID); ok {
		return v.(*Session), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(sessionID string) {
	if v, ok := r.sessions.LoadAndDelete(sessionID); ok {
		_ = v.(*Session).Close()
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		if id, ok := key.(string); ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
