package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/report"
	"github.com/fathomlab/fathom/internal/sections"
)

// SectionDraft pairs a section title with its synthesized body and the
// evidence index backing it.
type SectionDraft struct {
	Title         string                `json:"title"`
	Body          string                `json:"body"`
	Evidence      []models.EvidenceItem `json:"evidence,omitempty"`
	KeyDataPoints []string              `json:"key_data_points,omitempty"`
}

// ReportInput assembles and persists the final report.
type ReportInput struct {
	Query       string                    `json:"query"`
	TraceID     string                    `json:"trace_id"`
	Plan        string                    `json:"plan"`
	Drafts      []SectionDraft            `json:"drafts"`
	Results     []models.SearchResult     `json:"results"`
	References  []models.Reference        `json:"references"`
	Computation *models.ComputationResult `json:"computation,omitempty"`
	TokensUsed  int                       `json:"tokens_used"`
	DurationMs  int64                     `json:"duration_ms"`
}

// ReportOutput is the finished report plus its artefact location.
type ReportOutput struct {
	Report    string               `json:"report"`
	BundleDir string               `json:"bundle_dir"`
	WordCount int                  `json:"word_count"`
	Stats     models.CitationStats `json:"stats"`
}

// AssembleReport stitches section drafts into the final markdown, runs
// citation analysis, embeds figures, and writes the report bundle to disk.
func (a *Activities) AssembleReport(ctx context.Context, in ReportInput) (ReportOutput, error) {
	logger := activity.GetLogger(ctx)

	var body strings.Builder
	fmt.Fprintf(&body, "# %s\n\n", reportTitle(in.Query, in.Plan))
	for _, draft := range in.Drafts {
		fmt.Fprintf(&body, "## %s\n\n%s\n\n", draft.Title, draft.Body)
	}

	refs := in.References
	if len(refs) == 0 {
		refs = report.ExtractReferences(in.Results)
	}
	analysis := report.AnalyzeCitations(body.String(), refs)
	formatted := report.FormatReport(body.String(), analysis, in.Computation)
	wordCount := len(strings.Fields(formatted))

	var figures []string
	figureCount := 0
	if in.Computation != nil {
		figures = in.Computation.Figures
		figureCount = len(figures)
	}
	evidence := make(map[string][]models.EvidenceItem)
	for _, draft := range in.Drafts {
		if len(draft.Evidence) > 0 {
			evidence[draft.Title] = draft.Evidence
		}
	}
	bundleDir, err := report.SaveReportBundle(a.Cfg.LogDir, report.BundleMetadata{
		Query:       in.Query,
		TraceID:     in.TraceID,
		WordCount:   wordCount,
		FigureCount: figureCount,
		Stats:       analysis.Stats,
		Evidence:    evidence,
		TokensUsed:  in.TokensUsed,
		DurationMs:  in.DurationMs,
	}, formatted, figures)
	if err != nil {
		// The report itself still goes back to the caller.
		logger.Warn("report bundle persistence failed", "error", err)
		bundleDir = ""
	}

	logger.Info("Report assembled",
		"words", wordCount,
		"citations", analysis.Stats.TotalCitations,
		"unique_cited", len(analysis.Cited),
		"figures", figureCount,
	)
	return ReportOutput{
		Report:    formatted,
		BundleDir: bundleDir,
		WordCount: wordCount,
		Stats:     analysis.Stats,
	}, nil
}

// reportTitle takes the plan's own title line when it has one, otherwise the
// query itself.
func reportTitle(query, plan string) string {
	for _, line := range strings.Split(plan, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return query
}

// ParsePlanSections exposes section parsing as an activity so the workflow
// never parses text itself.
func (a *Activities) ParsePlanSections(ctx context.Context, plan string) ([]sections.Section, error) {
	return sections.ParseSections(plan), nil
}

// ExtractReferencesActivity numbers the references once per run so every
// section synthesizes against the same IDs the final report prints.
func (a *Activities) ExtractReferencesActivity(ctx context.Context, results []models.SearchResult) ([]models.Reference, error) {
	return report.ExtractReferences(results), nil
}
