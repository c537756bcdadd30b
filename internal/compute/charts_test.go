package compute

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Name() string    { return "scripted" }
func (s *scriptedLLM) Available() bool { return true }

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Result, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	return &llm.Result{Text: s.responses[idx]}, nil
}

func (s *scriptedLLM) Stream(ctx context.Context, prompt string, opts llm.Options) (<-chan llm.Chunk, error) {
	return nil, errors.New("not streamed in tests")
}

type fakeSandbox struct {
	results []*SandboxResult
	errs    []error
	calls   int
}

func (f *fakeSandbox) Execute(ctx context.Context, code string) (*SandboxResult, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx], f.errs[idx]
}

func newTestEngine(llmStub *scriptedLLM, sandbox Sandbox) *Engine {
	client := llm.NewClientWithProviders(zap.NewNop(), llmStub)
	return NewEngine(client, sandbox, 2, zap.NewNop())
}

func failingSandbox(n int) *fakeSandbox {
	f := &fakeSandbox{}
	for i := 0; i < n; i++ {
		f.results = append(f.results, &SandboxResult{Error: "Traceback: boom"})
		f.errs = append(f.errs, nil)
	}
	return f
}

func specs(n int) []models.ChartSpec {
	out := make([]models.ChartSpec, n)
	for i := range out {
		out[i] = models.ChartSpec{Title: "chart", ChartType: "bar"}
	}
	return out
}

func TestCircuitBreakerStopsAfterConsecutiveFailures(t *testing.T) {
	sandbox := failingSandbox(5)
	e := newTestEngine(&scriptedLLM{responses: []string{"print('hi')"}}, sandbox)

	result := e.ExecuteChartPlan(context.Background(), specs(5), "findings")
	assert.Nil(t, result)
	assert.Equal(t, 2, sandbox.calls, "breaker must stop after exactly 2 consecutive sandbox failures")
}

func TestSuccessResetsBreaker(t *testing.T) {
	sandbox := &fakeSandbox{
		results: []*SandboxResult{
			{Error: "boom"},
			{Figures: []string{"cGluZw=="}},
			{Error: "boom"},
			{Error: "boom"},
			{Error: "boom"},
		},
		errs: []error{nil, nil, nil, nil, nil},
	}
	e := newTestEngine(&scriptedLLM{responses: []string{"print('hi')"}}, sandbox)

	result := e.ExecuteChartPlan(context.Background(), specs(5), "findings")
	require.NotNil(t, result)
	assert.Len(t, result.Figures, 1)
	// fail, success (reset), fail, fail, then the breaker opens for spec 5.
	assert.Equal(t, 4, sandbox.calls)
}

func TestExecuteChartPlanNilWhenNoFigures(t *testing.T) {
	e := newTestEngine(&scriptedLLM{responses: []string{"print('hi')"}}, failingSandbox(1))
	assert.Nil(t, e.ExecuteChartPlan(context.Background(), specs(1), "findings"))
	assert.Nil(t, e.ExecuteChartPlan(context.Background(), nil, "findings"))
}

func TestRenderFailuresCounted(t *testing.T) {
	before := testutil.ToFloat64(metrics.ChartFailures)
	e := newTestEngine(&scriptedLLM{responses: []string{"print('hi')"}}, failingSandbox(5))
	e.ExecuteChartPlan(context.Background(), specs(5), "findings")
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.ChartFailures),
		"breaker opens after two failures, both counted")
}

func TestPlanChartsRunsWithoutSandbox(t *testing.T) {
	plan := `[{"title": "a", "chart_type": "bar", "data_description": "d", "target_section": "Findings", "insight": "i"}]`
	e := newTestEngine(&scriptedLLM{responses: []string{plan}}, nil)

	out := e.PlanCharts(context.Background(), "q", "plan", "synth")
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Title)
	// Rendering stays gated on the sandbox; planning never is.
	assert.Nil(t, e.ExecuteChartPlan(context.Background(), out, "synth"))
}

func TestPlanChartsCapsAtFour(t *testing.T) {
	plan := `[
		{"title": "a", "chart_type": "bar"},
		{"title": "b", "chart_type": "line"},
		{"title": "c", "chart_type": "pie"},
		{"title": "d", "chart_type": "bar"},
		{"title": "e", "chart_type": "bar"},
		{"title": "f", "chart_type": "bar"}
	]`
	e := newTestEngine(&scriptedLLM{responses: []string{plan}}, nil)
	out := e.PlanCharts(context.Background(), "q", "plan", "synth")
	assert.Len(t, out, 4)
}

func TestPlanChartsEmptyOnUnparseable(t *testing.T) {
	e := newTestEngine(&scriptedLLM{responses: []string{"sorry, I cannot do that"}}, nil)
	assert.Empty(t, e.PlanCharts(context.Background(), "q", "plan", "synth"))
}

func TestExecuteAnalysisCodeRetriesOnce(t *testing.T) {
	llmStub := &scriptedLLM{responses: []string{
		"```python\nprint(broken\n```",
		"```python\nprint('fixed')\n```",
	}}
	sandbox := &fakeSandbox{
		results: []*SandboxResult{
			{Error: "SyntaxError"},
			{Stdout: "fixed"},
		},
		errs: []error{nil, nil},
	}
	e := newTestEngine(llmStub, sandbox)

	res, err := e.ExecuteAnalysisCode(context.Background(), "sum things", "1 2 3")
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Stdout)
	assert.Equal(t, 2, sandbox.calls)
	assert.Equal(t, 2, llmStub.calls, "one generation plus one fix")
}

func TestExecuteAnalysisCodeFailsAfterSecondAttempt(t *testing.T) {
	llmStub := &scriptedLLM{responses: []string{"print(broken", "still broken"}}
	sandbox := &fakeSandbox{
		results: []*SandboxResult{{Error: "SyntaxError"}, {Error: "SyntaxError again"}},
		errs:    []error{nil, nil},
	}
	e := newTestEngine(llmStub, sandbox)

	_, err := e.ExecuteAnalysisCode(context.Background(), "task", "data")
	require.Error(t, err)
	assert.Equal(t, 2, sandbox.calls, "exactly two attempts, never more")
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, "print('x')", stripCodeFence("```python\nprint('x')\n```"))
	assert.Equal(t, "print('x')", stripCodeFence("```\nprint('x')\n```"))
	assert.Equal(t, "print('x')", stripCodeFence("print('x')"))
}
