package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return NewRecorderWithDB(sqlx.NewDb(raw, "postgres"), zap.NewNop()), mock
}

func TestRecordInsertsRun(t *testing.T) {
	rec, mock := newMockRecorder(t)
	mock.ExpectExec("INSERT INTO research_runs").
		WithArgs("trace-1", "what is x", "deep_research", "completed", 2, 8, 12345,
			3500, 2, "/logs/reports/trace-1_x", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := rec.Record(context.Background(), RunRecord{
		TraceID:     "trace-1",
		Query:       "what is x",
		Mode:        "deep_research",
		Status:      "completed",
		Iterations:  2,
		QueriesRun:  8,
		TokensUsed:  12345,
		WordCount:   3500,
		FigureCount: 2,
		BundleDir:   "/logs/reports/trace-1_x",
		StartedAt:   time.Now().Add(-time.Minute),
		FinishedAt:  time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	assert.NoError(t, rec.Record(context.Background(), RunRecord{}))
	runs, err := rec.RecentRuns(context.Background(), 5)
	assert.NoError(t, err)
	assert.Nil(t, runs)
	assert.NoError(t, rec.Close())
}

func TestRecentRuns(t *testing.T) {
	rec, mock := newMockRecorder(t)
	rows := sqlmock.NewRows([]string{
		"trace_id", "query", "mode", "status", "iterations", "queries_run",
		"tokens_used", "word_count", "figure_count", "bundle_dir", "error_text",
		"started_at", "finished_at",
	}).AddRow("t1", "q1", "deep_research", "completed", 3, 11, 9000, 3100, 1, "dir", "",
		time.Now().Add(-time.Hour), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM research_runs ORDER BY finished_at DESC").
		WithArgs(5).
		WillReturnRows(rows)

	runs, err := rec.RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "t1", runs[0].TraceID)
	assert.Equal(t, 11, runs[0].QueriesRun)
	assert.NoError(t, mock.ExpectationsWereMet())
}
