package search

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

type stubProvider struct {
	name      string
	available bool
	delay     time.Duration
	outcome   *models.SearchOutcome
	err       error
	calls     atomic.Int32
}

func (s *stubProvider) Name() string    { return s.name }
func (s *stubProvider) Available() bool { return s.available }

func (s *stubProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := *s.outcome
	return &out, nil
}

func outcomeWith(summary string, urls ...string) *models.SearchOutcome {
	out := &models.SearchOutcome{Summary: summary}
	for i, u := range urls {
		out.Sources = append(out.Sources, models.Source{URL: u, Title: u, Relevance: 1.0 - float64(i)*0.1})
	}
	return out
}

func testConfig(strategy string) config.SearchConfig {
	cfg := config.DefaultSearchConfig()
	cfg.Primary = "a"
	cfg.FallbackChain = []string{"b", "c"}
	cfg.ParallelStrategy = strategy
	cfg.URLsPerQuery = 0 // no enrichment in these tests
	return cfg
}

func newTestExecutor(strategy string, providers ...*stubProvider) *Executor {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.name] = p
	}
	return NewExecutor(testConfig(strategy), m, nil, zap.NewNop())
}

func TestBatchFallbackToNextProvider(t *testing.T) {
	a := &stubProvider{name: "a", available: true, err: errors.New("tavily down")}
	b := &stubProvider{name: "b", available: true, outcome: outcomeWith("from b", "https://b.example")}
	c := &stubProvider{name: "c", available: true, outcome: outcomeWith("from c", "https://c.example")}
	e := newTestExecutor("batch", a, b, c)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{
		{Query: "q1", ResearchGoal: "g1", Priority: 5},
	})
	require.Len(t, results, 1)
	assert.Equal(t, "from b", results[0].Result.Summary)
	assert.Equal(t, "b", results[0].Result.Provider)
	assert.Equal(t, int32(0), c.calls.Load(), "c must not run once b succeeds")
}

func TestBatchFailureYieldsEmptyStructuredResult(t *testing.T) {
	a := &stubProvider{name: "a", available: true, err: errors.New("down")}
	b := &stubProvider{name: "b", available: true, err: errors.New("also down")}
	e := newTestExecutor("batch", a, b)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{
		{Query: "q1", ResearchGoal: "g1", Priority: 5},
		{Query: "q2", ResearchGoal: "g2", Priority: 4},
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Empty())
		assert.Equal(t, EmptySummary, r.Result.Summary)
		assert.Equal(t, "none", r.Result.Provider)
		assert.NotNil(t, r.Result.Sources, "sources must be structured, not nil")
		assert.Contains(t, r.Result.Error, "also down", "placeholder must say why the search failed")
	}
	assert.Equal(t, "q1", results[0].Query)
	assert.Equal(t, "q2", results[1].Query)
}

func TestRaceFailureCarriesLastError(t *testing.T) {
	a := &stubProvider{name: "a", available: true, err: errors.New("tavily down")}
	b := &stubProvider{name: "b", available: true, err: errors.New("exa down")}
	e := newTestExecutor("race", a, b)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	require.Len(t, results, 1)
	assert.Equal(t, EmptySummary, results[0].Result.Summary)
	assert.Contains(t, results[0].Result.Error, "down")
}

func TestAllEmptySourcesYieldPlaceholderWithoutError(t *testing.T) {
	a := &stubProvider{name: "a", available: true, outcome: outcomeWith("prose without sources")}
	e := newTestExecutor("batch", a)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	require.Len(t, results, 1)
	assert.Equal(t, EmptySummary, results[0].Result.Summary)
	assert.Empty(t, results[0].Result.Error, "no provider failed, so the placeholder has no error")
}

func TestProviderOutcomesCounted(t *testing.T) {
	errBefore := testutil.ToFloat64(metrics.SearchesTotal.WithLabelValues("a", "error"))
	okBefore := testutil.ToFloat64(metrics.SearchesTotal.WithLabelValues("b", "ok"))

	a := &stubProvider{name: "a", available: true, err: errors.New("down")}
	b := &stubProvider{name: "b", available: true, outcome: outcomeWith("served", "https://b.example")}
	e := newTestExecutor("batch", a, b)
	e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})

	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.SearchesTotal.WithLabelValues("a", "error")))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.SearchesTotal.WithLabelValues("b", "ok")))
}

func TestEmptySourcesAdvancesChain(t *testing.T) {
	a := &stubProvider{name: "a", available: true, outcome: outcomeWith("answer, no sources")}
	b := &stubProvider{name: "b", available: true, outcome: outcomeWith("sourced", "https://b.example")}
	e := newTestExecutor("batch", a, b)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	require.Len(t, results, 1)
	assert.Equal(t, "sourced", results[0].Result.Summary)
}

func TestRaceFirstNonEmptyWins(t *testing.T) {
	slow := &stubProvider{name: "a", available: true, delay: 300 * time.Millisecond, outcome: outcomeWith("slow", "https://slow.example")}
	fast := &stubProvider{name: "b", available: true, delay: 10 * time.Millisecond, outcome: outcomeWith("fast", "https://fast.example")}
	e := newTestExecutor("race", slow, fast)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	require.Len(t, results, 1)
	assert.Equal(t, "fast", results[0].Result.Summary)
	assert.Equal(t, "b", results[0].Result.Provider)
}

func TestRaceIgnoresFastFailures(t *testing.T) {
	failFast := &stubProvider{name: "a", available: true, err: errors.New("instant failure")}
	succeed := &stubProvider{name: "b", available: true, delay: 20 * time.Millisecond, outcome: outcomeWith("won", "https://w.example")}
	e := newTestExecutor("race", failFast, succeed)

	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	require.Len(t, results, 1)
	assert.Equal(t, "won", results[0].Result.Summary)
}

func TestResultsPreserveTaskOrder(t *testing.T) {
	a := &stubProvider{name: "a", available: true, outcome: outcomeWith("ok", "https://a.example")}
	e := newTestExecutor("batch", a)

	tasks := []models.SearchTask{
		{Query: "first", Priority: 5},
		{Query: "second", Priority: 4},
		{Query: "third", Priority: 3},
		{Query: "fourth", Priority: 2},
	}
	results := e.ExecuteSearchTasks(context.Background(), tasks)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, tasks[i].Query, r.Query)
		assert.Equal(t, tasks[i].Priority, r.Priority)
	}
}

func TestChainSkipsUnavailableProviders(t *testing.T) {
	a := &stubProvider{name: "a", available: false, outcome: outcomeWith("no key")}
	b := &stubProvider{name: "b", available: true, outcome: outcomeWith("served", "https://b.example")}
	e := newTestExecutor("batch", a, b)

	assert.Equal(t, []string{"b"}, e.Chain())
	results := e.ExecuteSearchTasks(context.Background(), []models.SearchTask{{Query: "q"}})
	assert.Equal(t, "served", results[0].Result.Summary)
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestSaveResearchDataLayout(t *testing.T) {
	dir := t.TempDir()
	results := []models.SearchResult{
		{Query: "q1", Result: models.SearchOutcome{Summary: "s1", Sources: []models.Source{{URL: "https://x"}}}},
	}
	out, err := SaveResearchData(dir, "abcdef1234567890", "root query", results)
	require.NoError(t, err)

	assert.Contains(t, filepath.Base(out), "abcdef12_")
	payload, err := os.ReadFile(filepath.Join(out, "search_results.json"))
	require.NoError(t, err)

	var data struct {
		Query   string                `json:"query"`
		TraceID string                `json:"trace_id"`
		Results []models.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(payload, &data))
	assert.Equal(t, "root query", data.Query)
	assert.Equal(t, "abcdef1234567890", data.TraceID)
	require.Len(t, data.Results, 1)
	assert.Equal(t, "q1", data.Results[0].Query)
}

func TestExaSearchTypeInference(t *testing.T) {
	assert.Equal(t, "keyword", exaSearchType("find the latest release date"))
	assert.Equal(t, "neural", exaSearchType("understand architectural tradeoffs"))
}
