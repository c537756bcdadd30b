package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/analyzer"
	"github.com/fathomlab/fathom/internal/jsonx"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/sections"
)

// SynthesisInput merges a wave of search results into the running synthesis.
type SynthesisInput struct {
	Query     string                  `json:"query"`
	Plan      string                  `json:"plan"`
	Results   []models.SearchResult   `json:"results"`
	Previous  *models.SynthesisRecord `json:"previous,omitempty"`
	Iteration int                     `json:"iteration"`
}

// SynthesisOutput is the updated accumulated understanding.
type SynthesisOutput struct {
	Record models.SynthesisRecord `json:"record"`
	Tokens models.TokenInfo       `json:"tokens"`
}

// IntermediateSynthesis folds new evidence into the previous iteration's
// synthesis. Iteration k+1 always receives iteration k's record, so
// understanding accumulates instead of restarting per wave.
func (a *Activities) IntermediateSynthesis(ctx context.Context, in SynthesisInput) (SynthesisOutput, error) {
	logger := activity.GetLogger(ctx)

	previous := ""
	if in.Previous != nil {
		previous = in.Previous.Synthesis
	}
	evidence := analyzer.SummarizeSearchResults(in.Results)

	prompt := fmt.Sprintf(`Synthesize the research evidence into an updated understanding.

<query>
%s
</query>

Report plan:
%s

Previous synthesis (may be empty on the first wave):
%s

New evidence:
%s

Merge the new evidence with the previous synthesis. Keep facts with their
numbers and dates, note contradictions explicitly, and say which plan sections
each finding supports. Then list remaining knowledge gaps and cross-domain
connections. Respond with JSON:
{"synthesis": "...",
 "section_coverage": {"Section Name": {"status": "covered|partial|missing", "notes": "..."}},
 "knowledge_gaps": ["..."],
 "cross_domain_links": ["..."]}`,
		sanitizeForPrompt(in.Query), in.Plan, truncatePrompt(previous, 40000), evidence)

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.3}, &tokens)
	if err != nil {
		return SynthesisOutput{}, fmt.Errorf("intermediate synthesis: %w", err)
	}

	var record models.SynthesisRecord
	if !jsonx.ExtractObject(text, &record) || record.Synthesis == "" {
		// Treat the whole response as prose synthesis.
		record = models.SynthesisRecord{Synthesis: text}
	}
	logger.Info("Synthesis updated",
		"iteration", in.Iteration,
		"synthesis_len", len(record.Synthesis),
		"gaps", len(record.KnowledgeGaps),
	)
	return SynthesisOutput{Record: record, Tokens: tokens}, nil
}

// CriticalInput runs the adversarial review of the accumulated synthesis.
type CriticalInput struct {
	Query     string `json:"query"`
	Synthesis string `json:"synthesis"`
}

// TextOutput is a plain text stage result.
type TextOutput struct {
	Text   string           `json:"text"`
	Tokens models.TokenInfo `json:"tokens"`
}

// CriticalAnalysis challenges the synthesis: weak evidence, contradictions,
// over-generalizations, and missing counterarguments. The output feeds
// section synthesis so the report does not present shaky claims as settled.
func (a *Activities) CriticalAnalysis(ctx context.Context, in CriticalInput) (TextOutput, error) {
	prompt := fmt.Sprintf(`Critically analyze this research synthesis as a skeptical reviewer.

<query>
%s
</query>

Synthesis:
%s

Identify: claims resting on a single source, contradictions between sources,
numbers that look inconsistent, over-generalizations, and perspectives that
are missing entirely. Be specific; reference the claims you are challenging.`,
		sanitizeForPrompt(in.Query), truncatePrompt(in.Synthesis, 80000))

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.4}, &tokens)
	if err != nil {
		return TextOutput{}, fmt.Errorf("critical analysis: %w", err)
	}
	return TextOutput{Text: text, Tokens: tokens}, nil
}

// ClassifyInput assigns search results to the report sections they inform.
type ClassifyInput struct {
	Query    string                `json:"query"`
	Sections []sections.Section    `json:"sections"`
	Results  []models.SearchResult `json:"results"`
}

// ClassifyOutput maps section titles to result indices.
type ClassifyOutput struct {
	Assignments map[string][]int `json:"assignments"`
	Tokens      models.TokenInfo `json:"tokens"`
}

// ClassifyResultsToSections asks the model which results belong to which
// section; one result may inform several sections. When the response cannot
// be parsed, every section gets every result, so no section writes from a
// thinner evidence base than it should.
func (a *Activities) ClassifyResultsToSections(ctx context.Context, in ClassifyInput) (ClassifyOutput, error) {
	logger := activity.GetLogger(ctx)

	var titles strings.Builder
	for _, s := range in.Sections {
		fmt.Fprintf(&titles, "- %s: %s\n", s.Title, truncatePrompt(s.Description, 300))
	}
	var evidence strings.Builder
	for i, r := range in.Results {
		fmt.Fprintf(&evidence, "[%d] query: %s\n    %s\n", i, r.Query, truncatePrompt(strings.ReplaceAll(r.Result.Summary, "\n", " "), 500))
	}

	prompt := fmt.Sprintf(`Assign each search result to the report sections it informs.

<query>
%s
</query>

Report sections:
%s

Search results (numbered):
%s

A result may belong to several sections; every section should get the results
that actually support it. Respond with JSON mapping section titles to result
numbers:
{"Section Title": [0, 2, 5], ...}`,
		sanitizeForPrompt(in.Query), titles.String(), evidence.String())

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.1}, &tokens)
	if err != nil {
		return ClassifyOutput{}, fmt.Errorf("classify results: %w", err)
	}

	var raw map[string][]int
	if !jsonx.ExtractObject(text, &raw) || len(raw) == 0 {
		logger.Warn("Classification unparseable, assigning all results to all sections")
		return ClassifyOutput{Assignments: allAssignments(in.Sections, len(in.Results)), Tokens: tokens}, nil
	}

	assignments := make(map[string][]int, len(in.Sections))
	for _, s := range in.Sections {
		var valid []int
		for _, idx := range raw[s.Title] {
			if idx >= 0 && idx < len(in.Results) {
				valid = append(valid, idx)
			}
		}
		if len(valid) == 0 {
			// A section the model skipped still sees all the evidence.
			valid = allIndices(len(in.Results))
		}
		assignments[s.Title] = valid
	}
	return ClassifyOutput{Assignments: assignments, Tokens: tokens}, nil
}

func allAssignments(secs []sections.Section, n int) map[string][]int {
	out := make(map[string][]int, len(secs))
	for _, s := range secs {
		out[s.Title] = allIndices(n)
	}
	return out
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// SectionInput synthesizes one report section from the results assigned to it.
type SectionInput struct {
	Query            string                `json:"query"`
	Section          sections.Section      `json:"section"`
	Synthesis        string                `json:"synthesis"`
	CriticalAnalysis string                `json:"critical_analysis"`
	Results          []models.SearchResult `json:"results"`
	References       []models.Reference    `json:"references"`
	TotalSections    int                   `json:"total_sections"`
}

// SectionOutput is one synthesized section: the body text plus the evidence
// index tying its claims to reference IDs and the data points worth charting.
type SectionOutput struct {
	Text          string                `json:"text"`
	Evidence      []models.EvidenceItem `json:"evidence"`
	KeyDataPoints []string              `json:"key_data_points"`
	Tokens        models.TokenInfo      `json:"tokens"`
}

// SynthesizeSection writes one section of the final report with inline [n]
// citations. The references offered to the model are filtered to the URLs
// actually present in the section's assigned results.
func (a *Activities) SynthesizeSection(ctx context.Context, in SectionInput) (SectionOutput, error) {
	refs := sections.FilterReferences(in.References, in.Results)
	contextBlock := sections.BuildSectionContext(sections.ContextInput{
		Section:          in.Section,
		Synthesis:        in.Synthesis,
		CriticalAnalysis: in.CriticalAnalysis,
		SearchResults:    in.Results,
		References:       refs,
	})

	targetWords := 3000 / max(in.TotalSections, 1)
	if targetWords < 400 {
		targetWords = 400
	}

	prompt := fmt.Sprintf(`Write the "%s" section of a research report.

<query>
%s
</query>

Section scope:
%s

Research context:
%s

Requirements:
- At least %d words of substantive analysis, not filler
- Cite evidence inline as [n] using ONLY the reference IDs listed under Key Data Points
- Keep concrete numbers, dates, and names from the evidence
- Acknowledge uncertainty where the critical analysis flags weak support
- Do not write the section heading; the assembler adds it
- Do not include a references list; only inline [n] markers

Respond with JSON:
{"synthesis": "the section text",
 "evidence_index": [{"claim": "...", "source_ids": [1, 3], "confidence": "low|medium|high"}],
 "key_data_points": ["concrete number or fact worth visualizing"]}`,
		in.Section.Title, sanitizeForPrompt(in.Query), in.Section.Description,
		truncatePrompt(contextBlock, 100000), targetWords)

	var tokens models.TokenInfo
	text, err := a.generate(ctx, prompt, llm.Options{Temperature: 0.4}, &tokens)
	if err != nil {
		return SectionOutput{}, fmt.Errorf("synthesize section %q: %w", in.Section.Title, err)
	}

	var parsed struct {
		Synthesis     string                `json:"synthesis"`
		EvidenceIndex []models.EvidenceItem `json:"evidence_index"`
		KeyDataPoints []string              `json:"key_data_points"`
	}
	if !jsonx.ExtractObject(text, &parsed) || parsed.Synthesis == "" {
		// Treat the whole response as the section body.
		return SectionOutput{Text: strings.TrimSpace(text), Tokens: tokens}, nil
	}
	return SectionOutput{
		Text:          strings.TrimSpace(parsed.Synthesis),
		Evidence:      parsed.EvidenceIndex,
		KeyDataPoints: parsed.KeyDataPoints,
		Tokens:        tokens,
	}, nil
}
