// Package search executes planned search tasks against a chain of providers
// with batch/race/hybrid parallel strategies, per-attempt timeouts, and
// best-effort content enrichment.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

// EmptySummary is the placeholder summary for queries with no usable sources.
// Downstream stages check for this prefix and degrade gracefully.
const EmptySummary = "[No search results for this query]"

// Provider is one search backend.
type Provider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error)
}

// Fetcher retrieves full page content for enrichment.
type Fetcher interface {
	FetchMultiple(ctx context.Context, urls []string) map[string]string
}

// Executor runs search tasks through the provider chain.
type Executor struct {
	cfg      config.SearchConfig
	chain    []Provider
	fetcher  Fetcher
	logger   *zap.Logger
	limiters map[string]*rate.Limiter
	limMu    sync.Mutex
}

// NewExecutor builds an executor over the given provider chain, ordered
// primary-first. Providers not in the chain config are ignored.
func NewExecutor(cfg config.SearchConfig, providers map[string]Provider, fetcher Fetcher, logger *zap.Logger) *Executor {
	var chain []Provider
	seen := make(map[string]bool)
	for _, tag := range append([]string{cfg.Primary}, cfg.FallbackChain...) {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		if p, ok := providers[tag]; ok && p.Available() {
			chain = append(chain, p)
		}
	}
	return &Executor{
		cfg:      cfg,
		chain:    chain,
		fetcher:  fetcher,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Chain exposes the resolved provider chain (primary first).
func (e *Executor) Chain() []string {
	names := make([]string, len(e.chain))
	for i, p := range e.chain {
		names[i] = p.Name()
	}
	return names
}

// limiter returns the per-provider rate limiter, creating it on first use.
func (e *Executor) limiter(provider string) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	lim, ok := e.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(2), 4)
		e.limiters[provider] = lim
	}
	return lim
}

// ExecuteSearchTasks runs tasks in batches of ParallelSearches. Per-task
// failures become empty-but-structured results; they never abort the batch.
// The returned slice preserves task order, not completion order.
func (e *Executor) ExecuteSearchTasks(ctx context.Context, tasks []models.SearchTask) []models.SearchResult {
	results := make([]models.SearchResult, len(tasks))
	batch := e.cfg.ParallelSearches
	if batch <= 0 {
		batch = 3
	}
	for start := 0; start < len(tasks); start += batch {
		end := start + batch
		if end > len(tasks) {
			end = len(tasks)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = e.runTask(ctx, tasks[idx])
			}(i)
		}
		wg.Wait()
	}
	return results
}

// runTask executes one task under the configured parallel strategy.
func (e *Executor) runTask(ctx context.Context, task models.SearchTask) models.SearchResult {
	var outcome *models.SearchOutcome
	var lastErr error
	switch e.cfg.ParallelStrategy {
	case "race", "hybrid":
		outcome, lastErr = e.raceProviders(ctx, task)
	default: // batch: sequential provider fallback
		outcome, lastErr = e.sequentialProviders(ctx, task)
	}
	if outcome == nil || len(outcome.Sources) == 0 {
		outcome = emptyOutcome(lastErr)
	} else {
		e.enrich(ctx, outcome)
	}
	return models.SearchResult{
		Query:    task.Query,
		Goal:     task.ResearchGoal,
		Priority: task.Priority,
		Result:   *outcome,
	}
}

// sequentialProviders walks the chain in order; a timeout or failure advances
// silently to the next provider. The last failure comes back with the nil
// outcome so the empty placeholder can say what went wrong.
func (e *Executor) sequentialProviders(ctx context.Context, task models.SearchTask) (*models.SearchOutcome, error) {
	var lastErr error
	for _, p := range e.chain {
		outcome, err := e.tryProvider(ctx, p, task.Query, task.ResearchGoal)
		if err != nil {
			lastErr = err
			e.logger.Debug("search provider failed",
				zap.String("provider", p.Name()),
				zap.String("query", task.Query),
				zap.Error(err),
			)
			continue
		}
		if outcome != nil && len(outcome.Sources) > 0 {
			return outcome, nil
		}
	}
	return nil, lastErr
}

// raceProviders launches every provider concurrently; the first outcome with
// non-empty sources wins and the losers are cancelled.
func (e *Executor) raceProviders(ctx context.Context, task models.SearchTask) (*models.SearchOutcome, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type raced struct {
		outcome *models.SearchOutcome
		err     error
	}
	resultCh := make(chan raced, len(e.chain))
	for _, p := range e.chain {
		go func(p Provider) {
			outcome, err := e.tryProvider(raceCtx, p, task.Query, task.ResearchGoal)
			resultCh <- raced{outcome: outcome, err: err}
		}(p)
	}
	var lastErr error
	for i := 0; i < len(e.chain); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-resultCh:
			if r.err == nil && r.outcome != nil && len(r.outcome.Sources) > 0 {
				return r.outcome, nil
			}
			if r.err != nil {
				lastErr = r.err
			}
		}
	}
	return nil, lastErr
}

// tryProvider wraps a provider call in the per-attempt hard timeout and the
// provider's rate limiter.
func (e *Executor) tryProvider(ctx context.Context, p Provider, query, goal string) (*models.SearchOutcome, error) {
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.limiter(p.Name()).Wait(attemptCtx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	outcome, err := p.Search(attemptCtx, query, goal, e.cfg.MaxResults)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}
	metrics.SearchesTotal.WithLabelValues(p.Name(), "ok").Inc()
	if outcome != nil {
		outcome.Provider = p.Name()
		outcome.Timestamp = time.Now().UTC()
	}
	return outcome, nil
}

// enrich fetches full content for the top URLsPerQuery sources by relevance.
// Enrichment is best-effort; failures are swallowed.
func (e *Executor) enrich(ctx context.Context, outcome *models.SearchOutcome) {
	if e.fetcher == nil || e.cfg.URLsPerQuery <= 0 || len(outcome.Sources) == 0 {
		return
	}
	ranked := make([]models.Source, len(outcome.Sources))
	copy(ranked, outcome.Sources)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Relevance > ranked[j].Relevance })

	n := e.cfg.URLsPerQuery
	if n > len(ranked) {
		n = len(ranked)
	}
	urls := make([]string, 0, n)
	for _, src := range ranked[:n] {
		if src.URL != "" {
			urls = append(urls, src.URL)
		}
	}
	pages := e.fetcher.FetchMultiple(ctx, urls)
	var parts []string
	for _, u := range urls {
		if text := pages[u]; text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) > 0 {
		outcome.FullContent = strings.Join(parts, "\n\n---\n\n")
	}
}

func emptyOutcome(err error) *models.SearchOutcome {
	out := &models.SearchOutcome{
		Summary:   EmptySummary,
		Sources:   []models.Source{},
		Provider:  "none",
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
