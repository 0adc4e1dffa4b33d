// Package logstore persists per-turn interaction records to PostgreSQL so
// conversations can be analysed after the fact.
package logstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/soundline/duplex/internal/voice"
)

// schema creates the interaction_log table. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS interaction_log (
    id                BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    session_id        TEXT        NOT NULL,
    turn              INT         NOT NULL,
    started_at        TIMESTAMPTZ NOT NULL,
    audio_duration_ns BIGINT      NOT NULL,
    tool_calls        INT         NOT NULL,
    interrupted       BOOLEAN     NOT NULL
);
CREATE INDEX IF NOT EXISTS interaction_log_session_idx
    ON interaction_log (session_id, turn);
`

// Store writes interaction records to an interaction_log table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("logstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("logstore: ping: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool wraps an existing pool without ensuring the schema. Used by
// tests that manage their own database lifecycle.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("logstore: ensure schema: %w", err)
	}
	return nil
}

// Save appends one record under sessionID.
func (s *Store) Save(ctx context.Context, sessionID string, rec voice.InteractionRecord) error {
	const q = `
		INSERT INTO interaction_log
		    (session_id, turn, started_at, audio_duration_ns, tool_calls, interrupted)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		sessionID,
		rec.Turn,
		rec.StartedAt,
		rec.AudioDuration.Nanoseconds(),
		rec.ToolCalls,
		rec.Interrupted,
	)
	if err != nil {
		return fmt.Errorf("logstore: save record: %w", err)
	}
	return nil
}

// Session returns all records for sessionID ordered by turn.
func (s *Store) Session(ctx context.Context, sessionID string) ([]voice.InteractionRecord, error) {
	const q = `
		SELECT turn, started_at, audio_duration_ns, tool_calls, interrupted
		FROM   interaction_log
		WHERE  session_id = $1
		ORDER  BY turn`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("logstore: query session: %w", err)
	}
	return collectRecords(rows)
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("logstore: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectRecords scans pgx rows into a slice of InteractionRecord values.
func collectRecords(rows pgx.Rows) ([]voice.InteractionRecord, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (voice.InteractionRecord, error) {
		var (
			rec        voice.InteractionRecord
			durationNS int64
		)
		if err := row.Scan(
			&rec.Turn,
			&rec.StartedAt,
			&durationNS,
			&rec.ToolCalls,
			&rec.Interrupted,
		); err != nil {
			return voice.InteractionRecord{}, err
		}
		rec.AudioDuration = time.Duration(durationNS)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("logstore: scan rows: %w", err)
	}
	if records == nil {
		records = []voice.InteractionRecord{}
	}
	return records, nil
}
