package recorder

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

// SessionInfo is the stored view of one session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Metadata  map[string]string
}

// MemoryStore keeps history in process. Useful for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionInfo
	turns    []frames.TurnRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionInfo)}
}

func (m *MemoryStore) StartSession(_ context.Context, sessionID string, startedAt time.Time, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}
	m.sessions[sessionID] = &SessionInfo{SessionID: sessionID, StartedAt: startedAt, Metadata: metadata}
	return nil
}

func (m *MemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.EndedAt = endedAt
	}
	return nil
}

func (m *MemoryStore) SaveTurn(_ context.Context, rec frames.TurnRecord) error {
	m.mu.Lock()
	m.turns = append(m.turns, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Turns() []frames.TurnRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]frames.TurnRecord, len(m.turns))
	copy(out, m.turns)
	return out
}

func (m *MemoryStore) Session(id string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// FileStore appends one JSON object per line.
type FileStore struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

type fileLine struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	At        time.Time          `json:"at"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
	Turn      *frames.TurnRecord `json:"turn,omitempty"`
}

func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errorsx.Wrap(err, errorsx.ReasonRecorderStore)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonRecorderStore)
	}
	return &FileStore{f: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileStore) write(line fileLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errorsx.Transport(os.ErrClosed, errorsx.ReasonRecorderStore)
	}
	if err := s.enc.Encode(line); err != nil {
		return errorsx.Transport(err, errorsx.ReasonRecorderStore)
	}
	return nil
}

func (s *FileStore) StartSession(_ context.Context, sessionID string, startedAt time.Time, metadata map[string]string) error {
	return s.write(fileLine{Type: "session_start", SessionID: sessionID, At: startedAt, Metadata: metadata})
}

func (s *FileStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	return s.write(fileLine{Type: "session_end", SessionID: sessionID, At: endedAt})
}

func (s *FileStore) SaveTurn(_ context.Context, rec frames.TurnRecord) error {
	return s.write(fileLine{Type: "turn", SessionID: rec.SessionID, At: rec.CreatedAt, Turn: &rec})
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
