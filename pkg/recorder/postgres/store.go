// Package postgres stores conversation history in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/frames"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	insertSession = `INSERT INTO sessions (session_id, started_at, metadata)
VALUES ($1, $2, $3)
ON CONFLICT (session_id) DO NOTHING`
	endSession = `UPDATE sessions SET ended_at = $2 WHERE session_id = $1`
	insertTurn = `INSERT INTO messages (session_id, turn_id, turn_index, role, text, language, degraded, latency_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
)

type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errorsx.Transport(err, errorsx.ReasonRecorderStore)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errorsx.Transport(err, errorsx.ReasonRecorderStore)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate runs the embedded goose migrations against pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRecorderStore)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errorsx.Backend(err, errorsx.ReasonRecorderStore)
	}
	return nil
}

func (s *Store) StartSession(ctx context.Context, sessionID string, startedAt time.Time, metadata map[string]string) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return errorsx.Format(err, errorsx.ReasonRecorderStore)
	}
	if _, err := s.pool.Exec(ctx, insertSession, sessionID, startedAt, meta); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	if _, err := s.pool.Exec(ctx, endSession, sessionID, endedAt); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) SaveTurn(ctx context.Context, rec frames.TurnRecord) error {
	var latency *int64
	if rec.LatencyMs > 0 {
		latency = &rec.LatencyMs
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	// The session row may be missing if its start entry was shed while the
	// database was down, so it is created here when absent.
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertSession, rec.SessionID, created, []byte("{}")); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, insertTurn,
			rec.SessionID, rec.TurnID, rec.TurnIndex, string(rec.Role), rec.Text,
			rec.Language, rec.Degraded, latency, created)
		return err
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify marks data and integrity violations as malformed so the recorder
// drops the entry instead of retrying it. Everything else is a backend
// failure worth retrying.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return errorsx.Format(err, errorsx.ReasonRecorderStore)
		}
	}
	return errorsx.Backend(err, errorsx.ReasonRecorderStore)
}

// History returns the stored turns of a session in order.
func (s *Store) History(ctx context.Context, sessionID string) ([]frames.TurnRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT turn_id, turn_index, role, text, language, degraded, COALESCE(latency_ms, 0), created_at
FROM messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, errorsx.Backend(err, errorsx.ReasonRecorderStore)
	}
	defer rows.Close()
	var out []frames.TurnRecord
	for rows.Next() {
		rec := frames.TurnRecord{SessionID: sessionID}
		var role string
		if err := rows.Scan(&rec.TurnID, &rec.TurnIndex, &role, &rec.Text, &rec.Language, &rec.Degraded, &rec.LatencyMs, &rec.CreatedAt); err != nil {
			return nil, errorsx.Backend(err, errorsx.ReasonRecorderStore)
		}
		rec.Role = frames.Role(role)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errorsx.Backend(err, errorsx.ReasonRecorderStore)
	}
	return out, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
