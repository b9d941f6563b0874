package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Absent rows surface as pipeline.ErrNotFound so consumers never import
// this package just for the sentinel.

// Store is the PostgreSQL persistence layer. All five tables live in one
// database so the state update and transition-log append share a
// transaction.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool to the given DSN and pings it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
    id              TEXT PRIMARY KEY,
    pr_number       INTEGER NOT NULL,
    source_branch   TEXT NOT NULL,
    target_branch   TEXT NOT NULL,
    commit_sha      TEXT NOT NULL DEFAULT '',
    state           TEXT NOT NULL,
    previous_state  TEXT NOT NULL DEFAULT '',
    fix_cycle_count INTEGER NOT NULL DEFAULT 0,
    max_fix_cycles  INTEGER NOT NULL,
    last_error      TEXT NOT NULL DEFAULT '',
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_runs_pr ON pipeline_runs(pr_number);
CREATE INDEX IF NOT EXISTS idx_runs_state ON pipeline_runs(state);

CREATE TABLE IF NOT EXISTS state_transitions (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES pipeline_runs(id),
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    trigger    TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON state_transitions(run_id, created_at);

CREATE TABLE IF NOT EXISTS gate_results (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES pipeline_runs(id),
    gate         TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    total_tests  INTEGER NOT NULL DEFAULT 0,
    passed_tests INTEGER NOT NULL DEFAULT 0,
    failed_tests INTEGER NOT NULL DEFAULT 0,
    failed_names TEXT[] NOT NULL DEFAULT '{}',
    coverage     DOUBLE PRECISION,
    severity     TEXT NOT NULL DEFAULT '',
    workflow_ref TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_gate_results_run ON gate_results(run_id, created_at);

CREATE TABLE IF NOT EXISTS agent_sessions (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES pipeline_runs(id),
    agent_type   TEXT NOT NULL,
    cycle        INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL,
    gate         TEXT NOT NULL DEFAULT '',
    commit_sha   TEXT NOT NULL DEFAULT '',
    fail_reason  TEXT NOT NULL DEFAULT '',
    launched_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    timeout_at   TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_run ON agent_sessions(run_id, launched_at);

CREATE TABLE IF NOT EXISTS defect_issues (
    id           TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL REFERENCES pipeline_runs(id),
    issue_number INTEGER NOT NULL,
    gate         TEXT NOT NULL,
    failed_tests TEXT[] NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_defects_run ON defect_issues(run_id, created_at);
`

// Migrate applies the schema if the current version is not yet recorded.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit(ctx)
}
