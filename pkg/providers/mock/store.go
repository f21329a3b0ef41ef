package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/frames"
)

// FailingStore rejects every write. It stands in for an unreachable
// database.
type FailingStore struct {
	Err error

	mu    sync.Mutex
	calls int
}

func (s *FailingStore) fail() error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	return errMockUnavailable
}

func (s *FailingStore) StartSession(context.Context, string, time.Time, map[string]string) error {
	return s.fail()
}

func (s *FailingStore) EndSession(context.Context, string, time.Time) error { return s.fail() }

func (s *FailingStore) SaveTurn(context.Context, frames.TurnRecord) error { return s.fail() }

func (s *FailingStore) Close() error { return nil }

func (s *FailingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
