// Package postgres provides the pgx-backed summary store.
//
// Summaries live in a single insertion-ordered table, mem_summaries; mood and
// the persona knobs active at summary time are side-car JSON. There is no
// schema migration machinery beyond creating the table when it is absent.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kitsunebi-ai/kitsunebi/internal/memory"
)

// Compile-time interface check.
var _ memory.SummaryStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS mem_summaries (
    id           BIGSERIAL PRIMARY KEY,
    ts           BIGINT NOT NULL,
    summary_text TEXT   NOT NULL,
    mood_state   TEXT   NOT NULL DEFAULT 'neutral',
    knobs_json   JSONB
);
CREATE INDEX IF NOT EXISTS mem_summaries_ts_idx ON mem_summaries (ts DESC);
`

// Store is a PostgreSQL-backed [memory.SummaryStore] holding a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to dsn, verifies connectivity, and
// ensures the mem_summaries table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("summary store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("summary store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("summary store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("summary store: ensure schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Insert implements [memory.SummaryStore].
func (s *Store) Insert(ctx context.Context, sum memory.Summary) (int64, error) {
	var knobs []byte
	if sum.Metadata != nil {
		b, err := json.Marshal(sum.Metadata)
		if err != nil {
			return 0, fmt.Errorf("summary store: marshal knobs: %w", err)
		}
		knobs = b
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mem_summaries (ts, summary_text, mood_state, knobs_json)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		sum.TS, sum.SummaryText, sum.MoodState, knobs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("summary store: insert: %w", err)
	}
	return id, nil
}

// LatestSince implements [memory.SummaryStore].
func (s *Store) LatestSince(ctx context.Context, cutoff int64) (*memory.Summary, error) {
	var (
		sum   memory.Summary
		knobs []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, ts, summary_text, mood_state, knobs_json
		 FROM mem_summaries WHERE ts >= $1
		 ORDER BY id DESC LIMIT 1`,
		cutoff,
	).Scan(&sum.ID, &sum.TS, &sum.SummaryText, &sum.MoodState, &knobs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("summary store: latest: %w", err)
	}

	if len(knobs) > 0 {
		if err := json.Unmarshal(knobs, &sum.Metadata); err != nil {
			return nil, fmt.Errorf("summary store: unmarshal knobs: %w", err)
		}
	}
	return &sum, nil
}

// Ping implements [memory.SummaryStore].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
