package activities

import (
	"context"

	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/models"
)

// ChartPlanInput plans report figures from the accumulated findings.
type ChartPlanInput struct {
	Query     string `json:"query"`
	Plan      string `json:"plan"`
	Synthesis string `json:"synthesis"`
}

// ChartPlanOutput carries the planned chart specs, possibly empty.
type ChartPlanOutput struct {
	Specs []models.ChartSpec `json:"specs"`
}

// PlanCharts proposes figures for the report. Charts are decorative: any
// planning failure yields an empty plan and the pipeline continues.
func (a *Activities) PlanCharts(ctx context.Context, in ChartPlanInput) (ChartPlanOutput, error) {
	if a.Compute == nil {
		return ChartPlanOutput{}, nil
	}
	specs := a.Compute.PlanCharts(ctx, in.Query, in.Plan, in.Synthesis)
	activity.GetLogger(ctx).Info("Chart plan ready", "charts", len(specs))
	return ChartPlanOutput{Specs: specs}, nil
}

// ChartExecInput renders the planned charts.
type ChartExecInput struct {
	Specs     []models.ChartSpec `json:"specs"`
	Synthesis string             `json:"synthesis"`
}

// ChartExecOutput carries the rendered figures; Computation is nil when no
// figure was produced.
type ChartExecOutput struct {
	Computation *models.ComputationResult `json:"computation,omitempty"`
}

// ExecuteCharts renders the chart plan through the sandbox, with the
// engine's consecutive-failure circuit breaker bounding wasted attempts.
func (a *Activities) ExecuteCharts(ctx context.Context, in ChartExecInput) (ChartExecOutput, error) {
	if a.Compute == nil || len(in.Specs) == 0 {
		return ChartExecOutput{}, nil
	}
	comp := a.Compute.ExecuteChartPlan(ctx, in.Specs, in.Synthesis)
	if comp != nil {
		activity.GetLogger(ctx).Info("Charts rendered", "figures", len(comp.Figures))
	}
	return ChartExecOutput{Computation: comp}, nil
}
