// Package analyzer condenses raw search results into bounded text blocks
// that fit inside synthesis prompts.
package analyzer

import (
	"fmt"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

const (
	// maxPerResult bounds the content taken from a single search result.
	maxPerResult = 8000
	// maxTotal bounds the whole summarized block across all results.
	maxTotal = 200000
)

// SummarizeSearchResults renders search results as a prompt-ready block.
// Content preference per result: full page content, then processed snippets,
// then the provider summary. Each result is capped at maxPerResult and the
// whole block at maxTotal, with explicit truncation markers so the model
// knows material is missing.
func SummarizeSearchResults(results []models.SearchResult) string {
	var sb strings.Builder
	included := 0
	for i, r := range results {
		content := bestContent(r.Result)
		if content == "" {
			continue
		}
		if len(content) > maxPerResult {
			content = content[:maxPerResult] + "... [truncated]"
		}
		entry := fmt.Sprintf("### Search %d: %s\nGoal: %s\n%s\n\n", i+1, r.Query, r.Goal, content)
		if sb.Len()+len(entry) > maxTotal {
			remaining := len(results) - included
			sb.WriteString(fmt.Sprintf("... [%d more results truncated]\n", remaining))
			break
		}
		sb.WriteString(entry)
		included++
	}
	return strings.TrimRight(sb.String(), "\n")
}

func bestContent(out models.SearchOutcome) string {
	if out.FullContent != "" {
		return out.FullContent
	}
	if out.Processed != "" {
		return out.Processed
	}
	return out.Summary
}

// CollectSources flattens all sources across results, preserving result
// order. Duplicated URLs are kept; reference extraction decides identity.
func CollectSources(results []models.SearchResult) []models.Source {
	var sources []models.Source
	for _, r := range results {
		sources = append(sources, r.Result.Sources...)
	}
	return sources
}
