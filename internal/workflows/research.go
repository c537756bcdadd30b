// Package workflows contains the Temporal workflow that sequences the deep
// research pipeline. The workflow is pure orchestration: every side effect
// lives in an activity.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/budget"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/errclass"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/sections"
)

// ResearchInput starts one deep research run.
type ResearchInput struct {
	Query         string `json:"query"`
	TraceID       string `json:"trace_id"`
	MaxIterations int    `json:"max_iterations"`

	QueriesFirstIteration    int `json:"queries_first_iteration"`
	QueriesFollowupIteration int `json:"queries_followup_iteration"`
	MaxTotalQueries          int `json:"max_total_queries"`
}

// ResearchOutput is the run result handed back to the gateway.
type ResearchOutput struct {
	Report     string               `json:"report"`
	BundleDir  string               `json:"bundle_dir"`
	Iterations int                  `json:"iterations"`
	QueriesRun int                  `json:"queries_run"`
	TokensUsed int                  `json:"tokens_used"`
	WordCount  int                  `json:"word_count"`
	Stats      models.CitationStats `json:"stats"`
}

const (
	stageTimeout      = 10 * time.Minute
	searchTimeout     = 20 * time.Minute
	retryBaseInterval = 2 * time.Second
	// 1 initial attempt + 2 retries for transient failures.
	maxAttempts = 3
)

// ResearchWorkflow runs the full pipeline: plan, iterative search and
// synthesis under a query budget, critical analysis, result-to-section
// classification, parallel section writing, chart generation, and report
// assembly.
func ResearchWorkflow(ctx workflow.Context, in ResearchInput) (ResearchOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Research workflow started", "trace_id", in.TraceID, "query", in.Query)

	startedAt := workflow.Now(ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: stageTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    retryBaseInterval,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    maxAttempts,
		},
	})

	var a *activities.Activities
	ledger := budget.NewLedger(in.QueriesFirstIteration, in.QueriesFollowupIteration, in.MaxTotalQueries)
	state := models.WorkflowState{
		Status: "running",
		Steps: []string{"planning", "domains", "searching", "synthesizing",
			"reviewing", "analyzing", "writing", "charting", "reporting"},
	}
	emit := func(eventType, step string, data interface{}) {
		state.CurrentStep = step
		_ = workflow.ExecuteActivity(ctx, a.EmitResearchEvent, activities.EmitEventInput{
			TraceID: in.TraceID,
			Event:   models.ResearchEvent{Type: eventType, Step: step, Data: data},
		}).Get(ctx, nil)
	}
	fail := func(step string, err error) (ResearchOutput, error) {
		category := string(errclass.Classify(err))
		state.Status = "failed"
		state.Errors = append(state.Errors, models.WorkflowError{
			Error:     err.Error(),
			Category:  category,
			Step:      step,
			Timestamp: workflow.Now(ctx),
		})
		emit(models.EventError, step, map[string]interface{}{
			"error":    err.Error(),
			"category": category,
			"state":    state,
		})
		_ = workflow.ExecuteActivity(ctx, a.RecordRun, activities.RecordRunInput{Record: db.RunRecord{
			TraceID:    in.TraceID,
			Query:      in.Query,
			Mode:       string(models.ModeDeepResearch),
			Status:     "failed",
			TokensUsed: ledger.Tokens().TotalTokens,
			ErrorText:  err.Error(),
			StartedAt:  startedAt,
			FinishedAt: workflow.Now(ctx),
		}}).Get(ctx, nil)
		return ResearchOutput{}, err
	}

	// Stage 1: report plan.
	emit(models.EventProgress, "planning", nil)
	var plan activities.PlanResult
	if err := workflow.ExecuteActivity(ctx, a.GeneratePlan, activities.PlanInput{
		Query: in.Query, TraceID: in.TraceID,
	}).Get(ctx, &plan); err != nil {
		return fail("planning", fmt.Errorf("plan generation: %w", err))
	}
	ledger.AddTokens(plan.Tokens)
	emit(models.EventMessage, "planning", map[string]interface{}{"plan": plan.Plan})

	// Stage 2: research domains.
	var domains activities.DomainsResult
	if err := workflow.ExecuteActivity(ctx, a.IdentifyDomains, activities.DomainsInput{
		Query: in.Query, Plan: plan.Plan,
	}).Get(ctx, &domains); err != nil {
		return fail("domains", fmt.Errorf("domain identification: %w", err))
	}
	ledger.AddTokens(domains.Tokens)

	// Stage 3: iterative search and synthesis under the query budget.
	maxIterations := in.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	var allResults []models.SearchResult
	var executedQueries []string
	var synthesis models.SynthesisRecord
	var gaps models.GapReport
	iterations := 0

	for iteration := 1; iteration <= maxIterations; iteration++ {
		allowance := ledger.Allowance(iteration)
		if allowance <= 0 {
			logger.Info("Query budget exhausted", "iteration", iteration)
			break
		}

		var queries activities.QueriesResult
		var err error
		if iteration == 1 {
			err = workflow.ExecuteActivity(ctx, a.GenerateSERPQueries, activities.QueriesInput{
				Query: in.Query, Plan: plan.Plan, Domains: domains.Domains, Allowance: allowance,
			}).Get(ctx, &queries)
		} else {
			err = workflow.ExecuteActivity(ctx, a.GenerateFollowupQueries, activities.FollowupInput{
				Query: in.Query, Plan: plan.Plan, Synthesis: synthesis.Synthesis,
				Gaps: gaps, ExecutedQueries: executedQueries, Allowance: allowance,
			}).Get(ctx, &queries)
		}
		if err != nil {
			return fail("query_planning", fmt.Errorf("query planning iteration %d: %w", iteration, err))
		}
		ledger.AddTokens(queries.Tokens)
		if len(queries.Tasks) == 0 {
			logger.Info("No further queries planned", "iteration", iteration)
			break
		}

		iterations = iteration
		state.Iterations = iteration
		emit(models.EventProgress, "searching", map[string]interface{}{
			"iteration": iteration,
			"queries":   len(queries.Tasks),
		})

		searchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
			StartToCloseTimeout: searchTimeout,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    retryBaseInterval,
				BackoffCoefficient: 2.0,
				MaximumAttempts:    maxAttempts,
			},
		})
		var wave activities.SearchOutput
		if err := workflow.ExecuteActivity(searchCtx, a.ExecuteSearches, activities.SearchInput{
			TraceID: in.TraceID, Tasks: queries.Tasks,
		}).Get(ctx, &wave); err != nil {
			return fail("searching", fmt.Errorf("search iteration %d: %w", iteration, err))
		}
		ledger.Record(len(queries.Tasks))
		for _, task := range queries.Tasks {
			executedQueries = append(executedQueries, task.Query)
		}
		allResults = append(allResults, wave.Results...)

		emit(models.EventProgress, "synthesizing", map[string]interface{}{"iteration": iteration})
		var prev *models.SynthesisRecord
		if synthesis.Synthesis != "" {
			snapshot := synthesis
			prev = &snapshot
		}
		var synth activities.SynthesisOutput
		if err := workflow.ExecuteActivity(ctx, a.IntermediateSynthesis, activities.SynthesisInput{
			Query: in.Query, Plan: plan.Plan, Results: wave.Results, Previous: prev, Iteration: iteration,
		}).Get(ctx, &synth); err != nil {
			return fail("synthesizing", fmt.Errorf("synthesis iteration %d: %w", iteration, err))
		}
		ledger.AddTokens(synth.Tokens)
		synthesis = synth.Record

		var review activities.ReviewResult
		if err := workflow.ExecuteActivity(ctx, a.ReviewCompleteness, activities.ReviewInput{
			Query: in.Query, Plan: plan.Plan, Synthesis: synthesis.Synthesis, Iteration: iteration,
		}).Get(ctx, &review); err != nil {
			return fail("reviewing", fmt.Errorf("completeness review iteration %d: %w", iteration, err))
		}
		ledger.AddTokens(review.Tokens)
		gaps = review.Report
		if gaps.IsSufficient {
			logger.Info("Research sufficient", "iteration", iteration, "coverage", gaps.OverallCoverage)
			break
		}
		if ledger.Exhausted() {
			logger.Info("Query budget spent, writing report with current coverage",
				"coverage", gaps.OverallCoverage)
			break
		}
	}

	// Stage 4: audit artefact. Best-effort by contract of the activity.
	var saved activities.SaveDataResult
	_ = workflow.ExecuteActivity(ctx, a.SaveResearchData, activities.SaveDataInput{
		TraceID: in.TraceID, Query: in.Query, Results: allResults,
	}).Get(ctx, &saved)

	// Stage 5: critical analysis.
	emit(models.EventReasoning, "analyzing", nil)
	var critical activities.TextOutput
	if err := workflow.ExecuteActivity(ctx, a.CriticalAnalysis, activities.CriticalInput{
		Query: in.Query, Synthesis: synthesis.Synthesis,
	}).Get(ctx, &critical); err != nil {
		return fail("analyzing", fmt.Errorf("critical analysis: %w", err))
	}
	ledger.AddTokens(critical.Tokens)

	// Stage 6: references and sections.
	var refs []models.Reference
	if err := workflow.ExecuteActivity(ctx, a.ExtractReferencesActivity, allResults).Get(ctx, &refs); err != nil {
		return fail("writing", fmt.Errorf("reference extraction: %w", err))
	}
	var planSections []sections.Section
	if err := workflow.ExecuteActivity(ctx, a.ParsePlanSections, plan.Plan).Get(ctx, &planSections); err != nil {
		return fail("writing", fmt.Errorf("section parsing: %w", err))
	}

	var classify activities.ClassifyOutput
	if err := workflow.ExecuteActivity(ctx, a.ClassifyResultsToSections, activities.ClassifyInput{
		Query: in.Query, Sections: planSections, Results: allResults,
	}).Get(ctx, &classify); err != nil {
		return fail("writing", fmt.Errorf("result classification: %w", err))
	}
	ledger.AddTokens(classify.Tokens)

	// Sections are independent once classified; synthesize them in parallel
	// and collect in plan order.
	emit(models.EventProgress, "writing", map[string]interface{}{"sections": len(planSections)})
	futures := make([]workflow.Future, len(planSections))
	for i, section := range planSections {
		futures[i] = workflow.ExecuteActivity(ctx, a.SynthesizeSection, activities.SectionInput{
			Query:            in.Query,
			Section:          section,
			Synthesis:        synthesis.Synthesis,
			CriticalAnalysis: critical.Text,
			Results:          pickResults(allResults, classify.Assignments[section.Title]),
			References:       refs,
			TotalSections:    len(planSections),
		})
	}
	drafts := make([]activities.SectionDraft, len(planSections))
	for i, section := range planSections {
		var draft activities.SectionOutput
		if err := futures[i].Get(ctx, &draft); err != nil {
			return fail("writing", fmt.Errorf("section %q: %w", section.Title, err))
		}
		ledger.AddTokens(draft.Tokens)
		drafts[i] = activities.SectionDraft{
			Title:         section.Title,
			Body:          draft.Text,
			Evidence:      draft.Evidence,
			KeyDataPoints: draft.KeyDataPoints,
		}
	}

	// Stage 7: charts. Failures degrade to a chartless report.
	var chartPlan activities.ChartPlanOutput
	_ = workflow.ExecuteActivity(ctx, a.PlanCharts, activities.ChartPlanInput{
		Query: in.Query, Plan: plan.Plan, Synthesis: synthesis.Synthesis,
	}).Get(ctx, &chartPlan)
	var charts activities.ChartExecOutput
	if len(chartPlan.Specs) > 0 {
		emit(models.EventProgress, "charting", map[string]interface{}{"planned": len(chartPlan.Specs)})
		_ = workflow.ExecuteActivity(ctx, a.ExecuteCharts, activities.ChartExecInput{
			Specs: chartPlan.Specs, Synthesis: synthesis.Synthesis,
		}).Get(ctx, &charts)
	}

	// Stage 8: final report.
	emit(models.EventProgress, "reporting", nil)
	durationMs := workflow.Now(ctx).Sub(startedAt).Milliseconds()
	var reportOut activities.ReportOutput
	if err := workflow.ExecuteActivity(ctx, a.AssembleReport, activities.ReportInput{
		Query:       in.Query,
		TraceID:     in.TraceID,
		Plan:        plan.Plan,
		Drafts:      drafts,
		Results:     allResults,
		References:  refs,
		Computation: charts.Computation,
		TokensUsed:  ledger.Tokens().TotalTokens,
		DurationMs:  durationMs,
	}).Get(ctx, &reportOut); err != nil {
		return fail("reporting", fmt.Errorf("report assembly: %w", err))
	}

	figureCount := 0
	if charts.Computation != nil {
		figureCount = len(charts.Computation.Figures)
	}
	_ = workflow.ExecuteActivity(ctx, a.RecordRun, activities.RecordRunInput{Record: db.RunRecord{
		TraceID:     in.TraceID,
		Query:       in.Query,
		Mode:        string(models.ModeDeepResearch),
		Status:      "completed",
		Iterations:  iterations,
		QueriesRun:  ledger.Executed(),
		TokensUsed:  ledger.Tokens().TotalTokens,
		WordCount:   reportOut.WordCount,
		FigureCount: figureCount,
		BundleDir:   reportOut.BundleDir,
		StartedAt:   startedAt,
		FinishedAt:  workflow.Now(ctx),
	}}).Get(ctx, nil)

	state.Status = "completed"
	emit(models.EventFinalReport, "completed", map[string]interface{}{
		"report":     reportOut.Report,
		"bundle_dir": reportOut.BundleDir,
		"word_count": reportOut.WordCount,
		"state":      state,
	})
	logger.Info("Research workflow completed",
		"iterations", iterations,
		"queries", ledger.Executed(),
		"words", reportOut.WordCount,
	)
	return ResearchOutput{
		Report:     reportOut.Report,
		BundleDir:  reportOut.BundleDir,
		Iterations: iterations,
		QueriesRun: ledger.Executed(),
		TokensUsed: ledger.Tokens().TotalTokens,
		WordCount:  reportOut.WordCount,
		Stats:      reportOut.Stats,
	}, nil
}

// pickResults resolves classified indices back to results. An empty or fully
// out-of-range assignment falls back to everything, so no section synthesizes
// from nothing.
func pickResults(all []models.SearchResult, indices []int) []models.SearchResult {
	if len(indices) == 0 {
		return all
	}
	out := make([]models.SearchResult, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(all) {
			out = append(out, all[idx])
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}
