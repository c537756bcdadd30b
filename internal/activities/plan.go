package activities

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/jsonx"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
)

// PlanInput starts the pipeline for one query.
type PlanInput struct {
	Query   string `json:"query"`
	TraceID string `json:"trace_id"`
}

// PlanResult carries the markdown report plan.
type PlanResult struct {
	Plan   string           `json:"plan"`
	Tokens models.TokenInfo `json:"tokens"`
}

// GeneratePlan asks the model for a structured report plan: the "## " section
// headings downstream stages parse and fill.
func (a *Activities) GeneratePlan(ctx context.Context, in PlanInput) (PlanResult, error) {
	logger := activity.GetLogger(ctx)

	prompt := fmt.Sprintf(`You are a research director. Create a report plan for this query.

<query>
%s
</query>

Write a markdown plan with 4-7 sections. Each section starts with a "## " heading
followed by 1-3 sentences describing what the section must cover and what
evidence it needs. Cover the topic comprehensively: background, current state,
key players or mechanisms, data and trends, risks or open problems, and outlook.
Do not write the report itself, only the plan.`, sanitizeForPrompt(in.Query))

	var tokens models.TokenInfo
	plan, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.4}, &tokens)
	if err != nil {
		return PlanResult{}, fmt.Errorf("generate report plan: %w", err)
	}
	logger.Info("Report plan generated", "plan_len", len(plan))
	return PlanResult{Plan: plan, Tokens: tokens}, nil
}

// DomainsInput identifies research domains for a planned query.
type DomainsInput struct {
	Query string `json:"query"`
	Plan  string `json:"plan"`
}

// DomainsResult carries weighted research domains.
type DomainsResult struct {
	Domains []models.Domain  `json:"domains"`
	Tokens  models.TokenInfo `json:"tokens"`
}

// IdentifyDomains splits the topic into weighted research domains that drive
// query distribution. Weights are renormalized to sum to 1.0 regardless of
// what the model returns.
func (a *Activities) IdentifyDomains(ctx context.Context, in DomainsInput) (DomainsResult, error) {
	prompt := fmt.Sprintf(`Identify 2-5 research domains for this query. A domain is a distinct
angle of investigation (e.g. technical, market, regulatory, historical).

<query>
%s
</query>

Report plan:
%s

Respond with JSON:
{"domains": [{"name": "...", "weight": 0.4, "search_angles": ["...", "..."]}]}
Weights must sum to 1.0 and reflect each domain's importance to the query.`,
		sanitizeForPrompt(in.Query), in.Plan)

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.3}, &tokens)
	if err != nil {
		return DomainsResult{}, fmt.Errorf("identify domains: %w", err)
	}

	var parsed struct {
		Domains []models.Domain `json:"domains"`
	}
	if !jsonx.ExtractObject(text, &parsed) || len(parsed.Domains) == 0 {
		// Single general domain keeps the pipeline moving.
		parsed.Domains = []models.Domain{{Name: "general", Weight: 1.0}}
	}
	normalizeWeights(parsed.Domains)
	return DomainsResult{Domains: parsed.Domains, Tokens: tokens}, nil
}

func normalizeWeights(domains []models.Domain) {
	sum := 0.0
	for _, d := range domains {
		sum += d.Weight
	}
	if sum <= 0 {
		for i := range domains {
			domains[i].Weight = 1.0 / float64(len(domains))
		}
		return
	}
	for i := range domains {
		domains[i].Weight /= sum
	}
}

// QueriesInput plans the first wave of search queries.
type QueriesInput struct {
	Query     string          `json:"query"`
	Plan      string          `json:"plan"`
	Domains   []models.Domain `json:"domains"`
	Allowance int             `json:"allowance"`
}

// QueriesResult carries planned search tasks, highest priority first.
type QueriesResult struct {
	Tasks  []models.SearchTask `json:"tasks"`
	Tokens models.TokenInfo    `json:"tokens"`
}

// GenerateSERPQueries plans keyword queries across the identified domains.
// The model may over-produce; the result is trimmed to the allowance keeping
// the highest-priority tasks.
func (a *Activities) GenerateSERPQueries(ctx context.Context, in QueriesInput) (QueriesResult, error) {
	var domainLines []string
	for _, d := range in.Domains {
		domainLines = append(domainLines, fmt.Sprintf("- %s (weight %.2f): %s",
			d.Name, d.Weight, strings.Join(d.SearchAngles, "; ")))
	}

	prompt := fmt.Sprintf(`Plan web search queries for this research.

<query>
%s
</query>

Report plan:
%s

Research domains:
%s

Produce up to %d queries. Each query is a 3-8 word keyword phrase, not a
question. Distribute queries across domains proportionally to their weights.
Respond with JSON:
{"queries": [{"query": "...", "research_goal": "...", "priority": 5}]}
Priority is 1-5, 5 highest.`,
		sanitizeForPrompt(in.Query), in.Plan, strings.Join(domainLines, "\n"), in.Allowance)

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.5}, &tokens)
	if err != nil {
		return QueriesResult{}, fmt.Errorf("generate search queries: %w", err)
	}
	tasks := parseTasks(text)
	if len(tasks) == 0 {
		// The root query itself is always a valid search.
		tasks = []models.SearchTask{{Query: in.Query, ResearchGoal: "answer the research query", Priority: 5}}
	}
	return QueriesResult{Tasks: trimByPriority(tasks, in.Allowance), Tokens: tokens}, nil
}

// FollowupInput plans gap-filling queries for a later iteration.
type FollowupInput struct {
	Query           string           `json:"query"`
	Plan            string           `json:"plan"`
	Synthesis       string           `json:"synthesis"`
	Gaps            models.GapReport `json:"gaps"`
	ExecutedQueries []string         `json:"executed_queries"`
	Allowance       int              `json:"allowance"`
}

// GenerateFollowupQueries plans queries targeting the reported gaps. The
// prompt lists every already-executed query so the model cannot burn budget
// repeating them; any duplicates that slip through are filtered here too.
func (a *Activities) GenerateFollowupQueries(ctx context.Context, in FollowupInput) (QueriesResult, error) {
	var gapLines []string
	for _, g := range in.Gaps.PriorityGaps {
		gapLines = append(gapLines, "- "+g)
	}
	for _, s := range in.Gaps.Sections {
		if len(s.Gaps) > 0 {
			gapLines = append(gapLines, fmt.Sprintf("- [%s] %s", s.Name, strings.Join(s.Gaps, "; ")))
		}
	}

	prompt := fmt.Sprintf(`Research so far has gaps. Plan follow-up web searches to fill them.

<query>
%s
</query>

Known gaps:
%s

Current understanding (for context):
%s

Already executed queries - do NOT repeat or trivially rephrase any of these:
%s

Produce up to %d new queries as 3-8 word keyword phrases.
Respond with JSON:
{"queries": [{"query": "...", "research_goal": "...", "priority": 5}]}`,
		sanitizeForPrompt(in.Query),
		strings.Join(gapLines, "\n"),
		truncatePrompt(in.Synthesis, 20000),
		"- "+strings.Join(in.ExecutedQueries, "\n- "),
		in.Allowance)

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.5}, &tokens)
	if err != nil {
		return QueriesResult{}, fmt.Errorf("generate followup queries: %w", err)
	}
	tasks := dedupeTasks(parseTasks(text), in.ExecutedQueries)
	return QueriesResult{Tasks: trimByPriority(tasks, in.Allowance), Tokens: tokens}, nil
}

func parseTasks(text string) []models.SearchTask {
	var parsed struct {
		Queries []models.SearchTask `json:"queries"`
	}
	if jsonx.ExtractObject(text, &parsed) && len(parsed.Queries) > 0 {
		return parsed.Queries
	}
	var list []models.SearchTask
	if jsonx.ExtractArray(text, &list) {
		return list
	}
	return nil
}

// trimByPriority keeps the top n tasks by priority, preserving the model's
// ordering within equal priorities.
func trimByPriority(tasks []models.SearchTask, n int) []models.SearchTask {
	if n <= 0 || len(tasks) <= n {
		return tasks
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })
	return tasks[:n]
}

func dedupeTasks(tasks []models.SearchTask, executed []string) []models.SearchTask {
	seen := make(map[string]struct{}, len(executed))
	for _, q := range executed {
		seen[normalizeQuery(q)] = struct{}{}
	}
	var out []models.SearchTask
	for _, t := range tasks {
		key := normalizeQuery(t.Query)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// ReviewInput evaluates coverage after a research wave.
type ReviewInput struct {
	Query     string `json:"query"`
	Plan      string `json:"plan"`
	Synthesis string `json:"synthesis"`
	Iteration int    `json:"iteration"`
}

// ReviewResult carries the structured gap report.
type ReviewResult struct {
	Report models.GapReport `json:"report"`
	Tokens models.TokenInfo `json:"tokens"`
}

const (
	sufficientOverallCoverage = 70
	sufficientSectionFloor    = 40
)

// ReviewCompleteness scores section coverage against the plan. Research is
// sufficient when overall coverage reaches 70 and no section is below 40; the
// thresholds are enforced here rather than trusting the model's own verdict.
// When the JSON is unparseable, a leading YES in the response is accepted as
// sufficient, otherwise another iteration runs.
func (a *Activities) ReviewCompleteness(ctx context.Context, in ReviewInput) (ReviewResult, error) {
	logger := activity.GetLogger(ctx)

	prompt := fmt.Sprintf(`Assess whether the research below is complete enough to write the report.

<query>
%s
</query>

Report plan:
%s

Current findings:
%s

Score each plan section for coverage (0-100) and depth (0-100), list concrete
gaps, and give an overall coverage score. Respond with JSON:
{"is_sufficient": true, "overall_coverage": 85,
 "sections": [{"name": "...", "coverage": 80, "depth": 70, "gaps": ["..."]}],
 "priority_gaps": ["..."]}

If you cannot produce JSON, answer with YES (sufficient) or NO on the first line.`,
		sanitizeForPrompt(in.Query), in.Plan, truncatePrompt(in.Synthesis, 60000))

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.2}, &tokens)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("review completeness: %w", err)
	}

	var report models.GapReport
	if jsonx.ExtractObject(text, &report) && (report.OverallCoverage > 0 || len(report.Sections) > 0) {
		report.IsSufficient = coverageSufficient(report)
	} else {
		head := strings.ToUpper(text)
		if len(head) > 10 {
			head = head[:10]
		}
		report = models.GapReport{IsSufficient: strings.Contains(head, "YES")}
	}
	logger.Info("Completeness review",
		"iteration", in.Iteration,
		"sufficient", report.IsSufficient,
		"overall", report.OverallCoverage,
	)
	return ReviewResult{Report: report, Tokens: tokens}, nil
}

func coverageSufficient(report models.GapReport) bool {
	if report.OverallCoverage < sufficientOverallCoverage {
		return false
	}
	for _, s := range report.Sections {
		if s.Coverage < sufficientSectionFloor {
			return false
		}
	}
	return true
}

func truncatePrompt(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "... [truncated]"
}
