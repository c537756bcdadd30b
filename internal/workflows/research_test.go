package workflows

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/sections"
)

type ResearchWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env *testsuite.TestWorkflowEnvironment

	mu             sync.Mutex
	searchWaves    [][]models.SearchTask
	reviews        []models.GapReport
	reviewCursor   int
	recorded       []db.RunRecord
	events         []models.ResearchEvent
	sectionResults map[string]int
	drafts         []activities.SectionDraft
}

func TestResearchWorkflowTestSuite(t *testing.T) {
	suite.Run(t, new(ResearchWorkflowTestSuite))
}

func (s *ResearchWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.searchWaves = nil
	s.reviews = nil
	s.reviewCursor = 0
	s.recorded = nil
	s.events = nil
	s.sectionResults = make(map[string]int)
	s.drafts = nil
	s.registerStubs()
}

func tasksNamed(n int, prefix string) []models.SearchTask {
	out := make([]models.SearchTask, n)
	for i := range out {
		out[i] = models.SearchTask{Query: fmt.Sprintf("%s query %d", prefix, i+1), Priority: 5 - i%5}
	}
	return out
}

func (s *ResearchWorkflowTestSuite) registerStubs() {
	reg := func(name string, fn interface{}) {
		s.env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
	}

	reg("EmitResearchEvent", func(ctx context.Context, in activities.EmitEventInput) error {
		s.mu.Lock()
		s.events = append(s.events, in.Event)
		s.mu.Unlock()
		return nil
	})
	reg("GeneratePlan", func(ctx context.Context, in activities.PlanInput) (activities.PlanResult, error) {
		return activities.PlanResult{
			Plan:   "# Report\n\n## Background\nbase\n\n## Findings\ncore",
			Tokens: models.TokenInfo{TotalTokens: 11},
		}, nil
	})
	reg("IdentifyDomains", func(ctx context.Context, in activities.DomainsInput) (activities.DomainsResult, error) {
		return activities.DomainsResult{Domains: []models.Domain{{Name: "general", Weight: 1}}}, nil
	})
	reg("GenerateSERPQueries", func(ctx context.Context, in activities.QueriesInput) (activities.QueriesResult, error) {
		tasks := tasksNamed(in.Allowance, "first")
		s.mu.Lock()
		s.searchWaves = append(s.searchWaves, tasks)
		s.mu.Unlock()
		return activities.QueriesResult{Tasks: tasks}, nil
	})
	reg("GenerateFollowupQueries", func(ctx context.Context, in activities.FollowupInput) (activities.QueriesResult, error) {
		s.mu.Lock()
		tasks := tasksNamed(in.Allowance, fmt.Sprintf("followup%d", len(s.searchWaves)))
		s.searchWaves = append(s.searchWaves, tasks)
		s.mu.Unlock()
		return activities.QueriesResult{Tasks: tasks}, nil
	})
	reg("ExecuteSearches", func(ctx context.Context, in activities.SearchInput) (activities.SearchOutput, error) {
		results := make([]models.SearchResult, len(in.Tasks))
		for i, task := range in.Tasks {
			results[i] = models.SearchResult{
				Query: task.Query,
				Result: models.SearchOutcome{
					Summary: "evidence for " + task.Query,
					Sources: []models.Source{{URL: "https://example.com/" + task.Query, Title: task.Query, Relevance: 0.9}},
				},
			}
		}
		return activities.SearchOutput{Results: results}, nil
	})
	reg("IntermediateSynthesis", func(ctx context.Context, in activities.SynthesisInput) (activities.SynthesisOutput, error) {
		return activities.SynthesisOutput{Record: models.SynthesisRecord{Synthesis: "understanding"}}, nil
	})
	reg("ReviewCompleteness", func(ctx context.Context, in activities.ReviewInput) (activities.ReviewResult, error) {
		s.mu.Lock()
		report := models.GapReport{IsSufficient: false, OverallCoverage: 50}
		if s.reviewCursor < len(s.reviews) {
			report = s.reviews[s.reviewCursor]
		}
		s.reviewCursor++
		s.mu.Unlock()
		return activities.ReviewResult{Report: report}, nil
	})
	reg("SaveResearchData", func(ctx context.Context, in activities.SaveDataInput) (activities.SaveDataResult, error) {
		return activities.SaveDataResult{Dir: "logs/research_data/test"}, nil
	})
	reg("CriticalAnalysis", func(ctx context.Context, in activities.CriticalInput) (activities.TextOutput, error) {
		return activities.TextOutput{Text: "critique"}, nil
	})
	reg("ExtractReferencesActivity", func(ctx context.Context, results []models.SearchResult) ([]models.Reference, error) {
		refs := make([]models.Reference, len(results))
		for i := range results {
			refs[i] = models.Reference{ID: i + 1, Title: results[i].Query, URL: "https://example.com"}
		}
		return refs, nil
	})
	reg("ParsePlanSections", func(ctx context.Context, plan string) ([]sections.Section, error) {
		return sections.ParseSections(plan), nil
	})
	reg("ClassifyResultsToSections", func(ctx context.Context, in activities.ClassifyInput) (activities.ClassifyOutput, error) {
		assignments := make(map[string][]int, len(in.Sections))
		for _, sec := range in.Sections {
			for i := range in.Results {
				assignments[sec.Title] = append(assignments[sec.Title], i)
			}
		}
		return activities.ClassifyOutput{Assignments: assignments}, nil
	})
	reg("SynthesizeSection", func(ctx context.Context, in activities.SectionInput) (activities.SectionOutput, error) {
		s.mu.Lock()
		s.sectionResults[in.Section.Title] = len(in.Results)
		s.mu.Unlock()
		return activities.SectionOutput{
			Text:     "body for " + in.Section.Title + " [1]",
			Evidence: []models.EvidenceItem{{Claim: "claim for " + in.Section.Title, SourceIDs: []int{1}, Confidence: "high"}},
			Tokens:   models.TokenInfo{TotalTokens: 7},
		}, nil
	})
	reg("PlanCharts", func(ctx context.Context, in activities.ChartPlanInput) (activities.ChartPlanOutput, error) {
		return activities.ChartPlanOutput{}, nil
	})
	reg("ExecuteCharts", func(ctx context.Context, in activities.ChartExecInput) (activities.ChartExecOutput, error) {
		return activities.ChartExecOutput{}, nil
	})
	reg("AssembleReport", func(ctx context.Context, in activities.ReportInput) (activities.ReportOutput, error) {
		s.mu.Lock()
		s.drafts = in.Drafts
		s.mu.Unlock()
		return activities.ReportOutput{Report: "# Report\nfinal", WordCount: 3200, BundleDir: "logs/reports/test"}, nil
	})
	reg("RecordRun", func(ctx context.Context, in activities.RecordRunInput) error {
		s.mu.Lock()
		s.recorded = append(s.recorded, in.Record)
		s.mu.Unlock()
		return nil
	})
}

func (s *ResearchWorkflowTestSuite) execute(in ResearchInput) (ResearchOutput, error) {
	s.env.ExecuteWorkflow(ResearchWorkflow, in)
	s.Require().True(s.env.IsWorkflowCompleted())
	if err := s.env.GetWorkflowError(); err != nil {
		return ResearchOutput{}, err
	}
	var out ResearchOutput
	s.Require().NoError(s.env.GetWorkflowResult(&out))
	return out, nil
}

func (s *ResearchWorkflowTestSuite) TestSingleIterationWhenSufficient() {
	s.reviews = []models.GapReport{{IsSufficient: true, OverallCoverage: 90}}
	out, err := s.execute(ResearchInput{
		Query: "state of fusion", TraceID: "trace-1", MaxIterations: 3,
		QueriesFirstIteration: 5, QueriesFollowupIteration: 3, MaxTotalQueries: 15,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, out.Iterations)
	assert.Equal(s.T(), 5, out.QueriesRun)
	assert.Equal(s.T(), "# Report\nfinal", out.Report)
	// 11 plan tokens plus 7 per section draft.
	assert.Equal(s.T(), 25, out.TokensUsed)
	require.Len(s.T(), s.recorded, 1)
	assert.Equal(s.T(), "completed", s.recorded[0].Status)
	assert.Equal(s.T(), 5, s.recorded[0].QueriesRun)
	assert.Equal(s.T(), 25, s.recorded[0].TokensUsed)

	last := s.events[len(s.events)-1]
	assert.Equal(s.T(), models.EventFinalReport, last.Type)
	data, ok := last.Data.(map[string]interface{})
	require.True(s.T(), ok)
	state, ok := data["state"].(map[string]interface{})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "completed", state["status"])
}

func (s *ResearchWorkflowTestSuite) TestSectionsWrittenFromAssignedResults() {
	s.env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.ClassifyInput) (activities.ClassifyOutput, error) {
			return activities.ClassifyOutput{Assignments: map[string][]int{
				"Background": {0},
				"Findings":   {1, 2},
			}}, nil
		},
		activity.RegisterOptions{Name: "ClassifyResultsToSections", DisableAlreadyRegisteredCheck: true},
	)
	s.reviews = []models.GapReport{{IsSufficient: true, OverallCoverage: 90}}
	_, err := s.execute(ResearchInput{
		Query: "q", TraceID: "trace-5", MaxIterations: 1,
		QueriesFirstIteration: 3, QueriesFollowupIteration: 3, MaxTotalQueries: 15,
	})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, s.sectionResults["Background"])
	assert.Equal(s.T(), 2, s.sectionResults["Findings"])
	require.Len(s.T(), s.drafts, 2)
	assert.Equal(s.T(), "Background", s.drafts[0].Title)
	assert.Equal(s.T(), "Findings", s.drafts[1].Title)
	require.NotEmpty(s.T(), s.drafts[0].Evidence)
	assert.Equal(s.T(), "claim for Background", s.drafts[0].Evidence[0].Claim)
}

func (s *ResearchWorkflowTestSuite) TestRunsAllIterationsWhenInsufficient() {
	s.reviews = []models.GapReport{
		{IsSufficient: false, OverallCoverage: 40},
		{IsSufficient: false, OverallCoverage: 55},
		{IsSufficient: false, OverallCoverage: 65},
	}
	out, err := s.execute(ResearchInput{
		Query: "q", TraceID: "trace-2", MaxIterations: 3,
		QueriesFirstIteration: 5, QueriesFollowupIteration: 3, MaxTotalQueries: 15,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, out.Iterations)
	// 5 + 3 + 3 queries across the three waves.
	assert.Equal(s.T(), 11, out.QueriesRun)
	require.Len(s.T(), s.searchWaves, 3)
	assert.Len(s.T(), s.searchWaves[0], 5)
	assert.Len(s.T(), s.searchWaves[1], 3)
}

func (s *ResearchWorkflowTestSuite) TestBudgetCapsFollowupAllowance() {
	s.reviews = []models.GapReport{
		{IsSufficient: false, OverallCoverage: 40},
		{IsSufficient: false, OverallCoverage: 50},
		{IsSufficient: false, OverallCoverage: 60},
	}
	out, err := s.execute(ResearchInput{
		Query: "q", TraceID: "trace-3", MaxIterations: 3,
		QueriesFirstIteration: 5, QueriesFollowupIteration: 3, MaxTotalQueries: 6,
	})
	require.NoError(s.T(), err)
	// Wave 1 spends 5 of 6; wave 2 gets only the single remaining query and
	// the loop stops on exhaustion.
	assert.Equal(s.T(), 6, out.QueriesRun)
	assert.Equal(s.T(), 2, out.Iterations)
	require.Len(s.T(), s.searchWaves, 2)
	assert.Len(s.T(), s.searchWaves[1], 1)
}

func (s *ResearchWorkflowTestSuite) TestFailedRunRecorded() {
	s.env.RegisterActivityWithOptions(
		func(ctx context.Context, in activities.PlanInput) (activities.PlanResult, error) {
			return activities.PlanResult{}, fmt.Errorf("rate limit exceeded at provider")
		},
		activity.RegisterOptions{Name: "GeneratePlan", DisableAlreadyRegisteredCheck: true},
	)
	_, err := s.execute(ResearchInput{Query: "q", TraceID: "trace-4", MaxIterations: 1})
	require.Error(s.T(), err)
	require.Len(s.T(), s.recorded, 1)
	assert.Equal(s.T(), "failed", s.recorded[0].Status)
	assert.Contains(s.T(), s.recorded[0].ErrorText, "rate limit exceeded")

	require.NotEmpty(s.T(), s.events)
	last := s.events[len(s.events)-1]
	assert.Equal(s.T(), models.EventError, last.Type)
	data, ok := last.Data.(map[string]interface{})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "llm", data["category"])
	state, ok := data["state"].(map[string]interface{})
	require.True(s.T(), ok)
	assert.Equal(s.T(), "failed", state["status"])
}
