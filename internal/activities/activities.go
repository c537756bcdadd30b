// Package activities implements the research pipeline stages as Temporal
// activities. Every stage is plain Go with context.Context; all I/O (LLM,
// search, sandbox, disk, database) happens here, never in workflow code.
package activities

import (
	"context"
	"strings"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/compute"
	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/errclass"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/search"
	"github.com/fathomlab/fathom/internal/streaming"
	"github.com/fathomlab/fathom/internal/tracing"
)

// Activities bundles the pipeline stages with their collaborators. One
// instance is registered on the worker at startup.
type Activities struct {
	LLM      *llm.Client
	Search   *search.Executor
	Compute  *compute.Engine
	Recorder *db.Recorder
	Cfg      *config.Config
	Logger   *zap.Logger
}

func NewActivities(llmClient *llm.Client, searchExec *search.Executor, engine *compute.Engine, recorder *db.Recorder, cfg *config.Config, logger *zap.Logger) *Activities {
	return &Activities{
		LLM:      llmClient,
		Search:   searchExec,
		Compute:  engine,
		Recorder: recorder,
		Cfg:      cfg,
		Logger:   logger,
	}
}

// EmitEventInput publishes one research event to the stream for a trace.
type EmitEventInput struct {
	TraceID string               `json:"trace_id"`
	Event   models.ResearchEvent `json:"event"`
}

// EmitResearchEvent publishes a pipeline event to the streaming manager.
// Emission never fails the pipeline.
func (a *Activities) EmitResearchEvent(ctx context.Context, in EmitEventInput) error {
	if in.Event.Timestamp.IsZero() {
		in.Event.Timestamp = time.Now().UTC()
	}
	streaming.Get().Publish(in.TraceID, in.Event)
	return nil
}

// RecordRunInput persists the run outcome.
type RecordRunInput struct {
	Record db.RunRecord `json:"record"`
}

// RecordRun writes the run record and observes the per-run histograms.
// Recording failures are logged, not propagated: losing an audit row must
// not fail a finished run.
func (a *Activities) RecordRun(ctx context.Context, in RecordRunInput) error {
	if in.Record.Status == "completed" {
		metrics.ResearchIterations.Observe(float64(in.Record.Iterations))
		metrics.ResearchQueriesRun.Observe(float64(in.Record.QueriesRun))
	}
	if err := a.Recorder.Record(ctx, in.Record); err != nil {
		activity.GetLogger(ctx).Warn("run record insert failed", "error", err)
	}
	return nil
}

// sanitizeForPrompt escapes angle brackets in user-controlled text before it
// is interpolated into a prompt template, so query content cannot close or
// open the template's structural tags.
func sanitizeForPrompt(text string) string {
	text = strings.ReplaceAll(text, "<", "&lt;")
	return strings.ReplaceAll(text, ">", "&gt;")
}

// generate runs one LLM call under a trace span and accumulates tokens into
// the given counter. Non-retryable failures are marked so the workflow retry
// policy only retries network and LLM errors.
func (a *Activities) generate(ctx context.Context, prompt string, opts llm.Options, tokens *models.TokenInfo) (string, error) {
	ctx, span := tracing.Tracer().Start(ctx, "llm.generate")
	defer span.End()

	res, err := a.LLM.Generate(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		if !errclass.IsRetryable(err) {
			return "", temporal.NewNonRetryableApplicationError(err.Error(), string(errclass.Classify(err)), err)
		}
		return "", err
	}
	if tokens != nil {
		tokens.Add(res.Tokens)
	}
	return res.Text, nil
}
