package compute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/jsonx"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

const maxChartsPerReport = 4

// sandboxLibRules constrains generated code to the libraries installed in the
// sandbox image. The matplotlib Agg backend is mandatory: there is no display.
const sandboxLibRules = `Rules for the generated Python code:
- Only use: pandas, numpy, matplotlib, seaborn, scipy, json, math, statistics
- Start with: import matplotlib; matplotlib.use("Agg")
- Never read or write files; embed all data inline as Python literals
- Save each chart with plt.savefig() so the sandbox captures it
- No network access, no subprocess, no input()`

// Engine plans and renders report figures.
type Engine struct {
	llm         *llm.Client
	sandbox     Sandbox
	maxFailures int
	logger      *zap.Logger
}

func NewEngine(llmClient *llm.Client, sandbox Sandbox, maxFailures int, logger *zap.Logger) *Engine {
	if maxFailures <= 0 {
		maxFailures = 2
	}
	return &Engine{llm: llmClient, sandbox: sandbox, maxFailures: maxFailures, logger: logger}
}

// PlanCharts asks the model which figures the report needs. Chart planning
// is decorative: any failure yields an empty plan, never an error.
func (e *Engine) PlanCharts(ctx context.Context, query, reportPlan, synthesis string) []models.ChartSpec {
	prompt := fmt.Sprintf(`Based on the research below, propose up to %d charts that would
strengthen the final report. Only propose charts whose data actually appears in the findings.

Research query: %s

Report plan:
%s

Findings:
%s

Respond with a JSON array of objects:
[{"title": "...", "chart_type": "bar|line|pie|heatmap|scatter|waterfall|radar", "data_description": "...", "target_section": "...", "insight": "..."}]

Respond with an empty array [] if no chart is supported by the data.`,
		maxChartsPerReport, query, reportPlan, truncateForPrompt(synthesis, 30000))

	res, err := e.llm.Generate(ctx, prompt, llm.Options{Temperature: 0.3})
	if err != nil {
		e.logger.Warn("chart planning failed", zap.Error(err))
		return nil
	}
	var specs []models.ChartSpec
	if !jsonx.ExtractArray(res.Text, &specs) {
		e.logger.Warn("chart plan unparseable, skipping charts")
		return nil
	}
	if len(specs) > maxChartsPerReport {
		specs = specs[:maxChartsPerReport]
	}
	return specs
}

// ExecuteChartPlan renders each planned chart through the sandbox. A
// consecutive-failure circuit breaker stops after maxFailures sandbox
// failures in a row; a success resets the counter. Returns nil when no
// figure was produced.
func (e *Engine) ExecuteChartPlan(ctx context.Context, specs []models.ChartSpec, synthesis string) *models.ComputationResult {
	if e.sandbox == nil || len(specs) == 0 {
		return nil
	}
	start := time.Now()
	result := &models.ComputationResult{}
	consecutiveFailures := 0

	for _, spec := range specs {
		if consecutiveFailures >= e.maxFailures {
			e.logger.Warn("chart circuit breaker open, skipping remaining charts",
				zap.Int("failures", consecutiveFailures),
				zap.Int("remaining", len(specs)-len(result.FigureSpecs)),
			)
			break
		}
		figures, code, err := e.renderChart(ctx, spec, synthesis)
		if err != nil || len(figures) == 0 {
			consecutiveFailures++
			metrics.ChartFailures.Inc()
			e.logger.Warn("chart rendering failed",
				zap.String("title", spec.Title),
				zap.Error(err),
			)
			continue
		}
		consecutiveFailures = 0
		result.Figures = append(result.Figures, figures...)
		for range figures {
			result.FigureSpecs = append(result.FigureSpecs, spec)
		}
		result.Code += code + "\n\n"
	}

	result.ExecutionTime = time.Since(start).Seconds()
	if len(result.Figures) == 0 {
		return nil
	}
	return result
}

func (e *Engine) renderChart(ctx context.Context, spec models.ChartSpec, synthesis string) ([]string, string, error) {
	prompt := fmt.Sprintf(`Write Python code that renders one %s chart.

Title: %s
Data to visualize: %s
Insight to highlight: %s

Extract the concrete numbers from these research findings:
%s

%s

Respond with only the Python code, no explanation.`,
		spec.ChartType, spec.Title, spec.DataDescription, spec.Insight,
		truncateForPrompt(synthesis, 20000), sandboxLibRules)

	res, err := e.llm.Generate(ctx, prompt, llm.Options{Temperature: 0.2})
	if err != nil {
		return nil, "", fmt.Errorf("generate chart code: %w", err)
	}
	code := stripCodeFence(res.Text)

	sandboxRes, err := e.sandbox.Execute(ctx, code)
	if err != nil {
		return nil, code, fmt.Errorf("sandbox execute: %w", err)
	}
	if sandboxRes.Error != "" {
		return nil, code, fmt.Errorf("sandbox error: %s", sandboxRes.Error)
	}
	return sandboxRes.Figures, code, nil
}

// ExecuteAnalysisCode runs one-shot analysis code with a single fix-and-retry
// pass: on failure the model sees the error and gets exactly one more attempt.
func (e *Engine) ExecuteAnalysisCode(ctx context.Context, task, data string) (*SandboxResult, error) {
	prompt := fmt.Sprintf(`Write Python code for this analysis task.

Task: %s

Data:
%s

%s

Print the results with print(). Respond with only the Python code.`,
		task, truncateForPrompt(data, 30000), sandboxLibRules)

	res, err := e.llm.Generate(ctx, prompt, llm.Options{Temperature: 0.2})
	if err != nil {
		return nil, fmt.Errorf("generate analysis code: %w", err)
	}
	code := stripCodeFence(res.Text)

	sandboxRes, execErr := e.sandbox.Execute(ctx, code)
	if execErr == nil && sandboxRes.Error == "" {
		return sandboxRes, nil
	}

	errText := ""
	if execErr != nil {
		errText = execErr.Error()
	} else {
		errText = sandboxRes.Error
	}
	fixed, err := e.fixAnalysisCode(ctx, code, errText)
	if err != nil {
		return nil, fmt.Errorf("fix analysis code: %w", err)
	}
	sandboxRes, execErr = e.sandbox.Execute(ctx, fixed)
	if execErr != nil {
		return nil, fmt.Errorf("sandbox execute after fix: %w", execErr)
	}
	if sandboxRes.Error != "" {
		return nil, fmt.Errorf("analysis failed after fix: %s", sandboxRes.Error)
	}
	return sandboxRes, nil
}

func (e *Engine) fixAnalysisCode(ctx context.Context, code, errText string) (string, error) {
	prompt := fmt.Sprintf(`This Python code failed. Fix it and return only the corrected code.

Code:
%s

Error:
%s

%s`, code, errText, sandboxLibRules)
	res, err := e.llm.Generate(ctx, prompt, llm.Options{Temperature: 0.1})
	if err != nil {
		return "", err
	}
	return stripCodeFence(res.Text), nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx >= 0 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

func truncateForPrompt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "... [truncated]"
}
