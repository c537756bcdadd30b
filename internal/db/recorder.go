// Package db persists research run records to Postgres for audit and cost
// accounting. Persistence is optional: a nil Recorder disables it.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// RunRecord is one completed (or failed) research run.
type RunRecord struct {
	TraceID     string    `db:"trace_id"`
	Query       string    `db:"query"`
	Mode        string    `db:"mode"`
	Status      string    `db:"status"`
	Iterations  int       `db:"iterations"`
	QueriesRun  int       `db:"queries_run"`
	TokensUsed  int       `db:"tokens_used"`
	WordCount   int       `db:"word_count"`
	FigureCount int       `db:"figure_count"`
	BundleDir   string    `db:"bundle_dir"`
	ErrorText   string    `db:"error_text"`
	StartedAt   time.Time `db:"started_at"`
	FinishedAt  time.Time `db:"finished_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS research_runs (
    id           BIGSERIAL PRIMARY KEY,
    trace_id     TEXT NOT NULL,
    query        TEXT NOT NULL,
    mode         TEXT NOT NULL,
    status       TEXT NOT NULL,
    iterations   INT NOT NULL DEFAULT 0,
    queries_run  INT NOT NULL DEFAULT 0,
    tokens_used  INT NOT NULL DEFAULT 0,
    word_count   INT NOT NULL DEFAULT 0,
    figure_count INT NOT NULL DEFAULT 0,
    bundle_dir   TEXT NOT NULL DEFAULT '',
    error_text   TEXT NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ NOT NULL,
    finished_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_research_runs_trace ON research_runs (trace_id);
`

// Recorder writes run records.
type Recorder struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRecorder connects to Postgres and ensures the schema exists. An empty
// DSN returns a nil recorder, which every method tolerates.
func NewRecorder(dsn string, logger *zap.Logger) (*Recorder, error) {
	if dsn == "" {
		return nil, nil
	}
	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Recorder{db: conn, logger: logger}, nil
}

// NewRecorderWithDB wraps an existing connection (used by tests).
func NewRecorderWithDB(conn *sqlx.DB, logger *zap.Logger) *Recorder {
	return &Recorder{db: conn, logger: logger}
}

const insertRun = `
INSERT INTO research_runs
    (trace_id, query, mode, status, iterations, queries_run, tokens_used,
     word_count, figure_count, bundle_dir, error_text, started_at, finished_at)
VALUES
    (:trace_id, :query, :mode, :status, :iterations, :queries_run, :tokens_used,
     :word_count, :figure_count, :bundle_dir, :error_text, :started_at, :finished_at)`

// Record inserts one run record. A nil recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, rec RunRecord) error {
	if r == nil {
		return nil
	}
	if _, err := r.db.NamedExecContext(ctx, insertRun, rec); err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (r *Recorder) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	var runs []RunRecord
	err := r.db.SelectContext(ctx, &runs,
		`SELECT trace_id, query, mode, status, iterations, queries_run, tokens_used,
		        word_count, figure_count, bundle_dir, error_text, started_at, finished_at
		   FROM research_runs ORDER BY finished_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent runs: %w", err)
	}
	return runs, nil
}

// DB exposes the underlying pool for health probes. Nil for a nil recorder.
func (r *Recorder) DB() *sqlx.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// Close releases the connection pool.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.db.Close()
}
