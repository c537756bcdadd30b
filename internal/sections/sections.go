// Package sections splits a report plan into sections and assembles the
// hierarchical context used when synthesizing each one.
package sections

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

// Section is one planned report section with its plan-level description.
type Section struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

var headingRe = regexp.MustCompile(`(?m)^##\s+(.+)$`)

// ParseSections extracts the "## " sections from a report plan. A plan with
// no recognizable headings yields a single synthetic "Research Findings"
// section carrying the whole plan, so synthesis always has at least one
// section to fill.
func ParseSections(plan string) []Section {
	matches := headingRe.FindAllStringSubmatchIndex(plan, -1)
	if len(matches) == 0 {
		return []Section{{Title: "Research Findings", Description: strings.TrimSpace(plan)}}
	}
	sections := make([]Section, 0, len(matches))
	for i, m := range matches {
		title := strings.TrimSpace(plan[m[2]:m[3]])
		bodyStart := m[1]
		bodyEnd := len(plan)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		sections = append(sections, Section{
			Title:       cleanTitle(title),
			Description: strings.TrimSpace(plan[bodyStart:bodyEnd]),
		})
	}
	return sections
}

// cleanTitle strips markdown numbering and trailing punctuation from a
// heading, e.g. "2. Market Landscape:" becomes "Market Landscape".
func cleanTitle(title string) string {
	title = strings.TrimSpace(title)
	title = regexp.MustCompile(`^\d+[.)]\s*`).ReplaceAllString(title, "")
	return strings.TrimRight(title, ":.")
}

// ContextInput is everything available when synthesizing one section.
type ContextInput struct {
	Section          Section
	Synthesis        string
	CriticalAnalysis string
	SearchResults    []models.SearchResult
	References       []models.Reference
}

// BuildSectionContext assembles the hierarchical context block for one
// section: the accumulated synthesis first, then an evidence index of the
// search results assigned to the section, then the key data points with
// their citable IDs.
func BuildSectionContext(in ContextInput) string {
	var sb strings.Builder

	sb.WriteString("## Detailed Findings\n")
	if in.Synthesis != "" {
		sb.WriteString(in.Synthesis)
		sb.WriteString("\n")
	}
	if in.CriticalAnalysis != "" {
		sb.WriteString("\n### Critical Analysis\n")
		sb.WriteString(in.CriticalAnalysis)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Evidence Index\n")
	for _, r := range in.SearchResults {
		content := r.Result.Summary
		if r.Result.Processed != "" {
			content = r.Result.Processed
		}
		if len(content) > 2000 {
			content = content[:2000] + "... [truncated]"
		}
		fmt.Fprintf(&sb, "- Query: %s\n  %s\n", r.Query, strings.ReplaceAll(content, "\n", " "))
	}

	sb.WriteString("\n## Key Data Points\n")
	for _, ref := range in.References {
		fmt.Fprintf(&sb, "[%d] %s - %s\n", ref.ID, ref.Title, ref.URL)
	}
	return sb.String()
}

// FilterReferences keeps only the references whose URL appears among the
// given results' sources, so a section can cite exactly the evidence it was
// assigned and nothing else.
func FilterReferences(refs []models.Reference, results []models.SearchResult) []models.Reference {
	urls := make(map[string]struct{})
	for _, r := range results {
		for _, src := range r.Result.Sources {
			if src.URL != "" {
				urls[src.URL] = struct{}{}
			}
		}
	}
	var kept []models.Reference
	for _, ref := range refs {
		if _, ok := urls[ref.URL]; ok {
			kept = append(kept, ref)
		}
	}
	return kept
}
