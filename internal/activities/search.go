package activities

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/tracing"
)

// SearchInput executes one wave of planned searches.
type SearchInput struct {
	TraceID string              `json:"trace_id"`
	Tasks   []models.SearchTask `json:"tasks"`
}

// SearchOutput returns one result per task, in task order.
type SearchOutput struct {
	Results []models.SearchResult `json:"results"`
}

// ExecuteSearches runs the wave through the search executor and streams a
// search_result event per completed task. Per-task failures come back as
// empty-but-structured results; this activity itself only fails on
// cancellation.
func (a *Activities) ExecuteSearches(ctx context.Context, in SearchInput) (SearchOutput, error) {
	logger := activity.GetLogger(ctx)
	ctx, span := tracing.Tracer().Start(ctx, "search.wave")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks", len(in.Tasks)))

	results := a.Search.ExecuteSearchTasks(ctx, in.Tasks)

	empty := 0
	for _, r := range results {
		if r.Empty() {
			empty++
		}
		streaming.Get().Publish(in.TraceID, models.ResearchEvent{
			Type: models.EventSearchResult,
			Step: "searching",
			Data: map[string]interface{}{
				"query":    r.Query,
				"provider": r.Result.Provider,
				"sources":  len(r.Result.Sources),
			},
		})
	}
	logger.Info("Search wave finished",
		"tasks", len(in.Tasks),
		"empty_results", empty,
	)
	if err := ctx.Err(); err != nil {
		return SearchOutput{}, err
	}
	return SearchOutput{Results: results}, nil
}

// SaveDataInput persists the raw results of a finished run.
type SaveDataInput struct {
	TraceID string                `json:"trace_id"`
	Query   string                `json:"query"`
	Results []models.SearchResult `json:"results"`
}

// SaveDataResult carries the research data directory.
type SaveDataResult struct {
	Dir string `json:"dir"`
}

// SaveResearchData writes the search_results.json audit artefact. Failure is
// logged and swallowed; the report matters more than the audit trail.
func (a *Activities) SaveResearchData(ctx context.Context, in SaveDataInput) (SaveDataResult, error) {
	dir, err := search.SaveResearchData(a.Cfg.LogDir, in.TraceID, in.Query, in.Results)
	if err != nil {
		activity.GetLogger(ctx).Warn("research data persistence failed", "error", err)
		return SaveDataResult{}, nil
	}
	return SaveDataResult{Dir: dir}, nil
}
