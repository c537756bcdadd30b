package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fathomlab/fathom/internal/models"
)

func result(query, summary, processed, full string) models.SearchResult {
	return models.SearchResult{
		Query: query,
		Goal:  "goal for " + query,
		Result: models.SearchOutcome{
			Summary:     summary,
			Processed:   processed,
			FullContent: full,
		},
	}
}

func TestContentPreferenceOrder(t *testing.T) {
	out := SummarizeSearchResults([]models.SearchResult{
		result("q1", "summary text", "processed text", "full page text"),
	})
	assert.Contains(t, out, "full page text")
	assert.NotContains(t, out, "processed text")

	out = SummarizeSearchResults([]models.SearchResult{
		result("q1", "summary text", "processed text", ""),
	})
	assert.Contains(t, out, "processed text")
	assert.NotContains(t, out, "summary text")

	out = SummarizeSearchResults([]models.SearchResult{
		result("q1", "summary text", "", ""),
	})
	assert.Contains(t, out, "summary text")
}

func TestPerResultTruncation(t *testing.T) {
	long := strings.Repeat("x", 9000)
	out := SummarizeSearchResults([]models.SearchResult{result("q1", "", "", long)})
	assert.Contains(t, out, "... [truncated]")
	assert.Less(t, len(out), 8200)
}

func TestTotalTruncationMarker(t *testing.T) {
	big := strings.Repeat("y", 7900)
	var results []models.SearchResult
	for i := 0; i < 30; i++ {
		results = append(results, result("q", "", "", big))
	}
	out := SummarizeSearchResults(results)
	assert.Contains(t, out, "more results truncated]")
	assert.LessOrEqual(t, len(out), 200100)
}

func TestEmptyResultsSkipped(t *testing.T) {
	out := SummarizeSearchResults([]models.SearchResult{
		result("q1", "", "", ""),
		result("q2", "only real content", "", ""),
	})
	assert.Contains(t, out, "only real content")
	assert.NotContains(t, out, "Search 1: q1")
}

func TestCollectSourcesPreservesOrderAndDuplicates(t *testing.T) {
	r1 := models.SearchResult{Result: models.SearchOutcome{Sources: []models.Source{
		{URL: "https://a", Title: "A"},
		{URL: "https://b", Title: "B"},
	}}}
	r2 := models.SearchResult{Result: models.SearchOutcome{Sources: []models.Source{
		{URL: "https://a", Title: "A again"},
	}}}
	sources := CollectSources([]models.SearchResult{r1, r2})
	assert.Len(t, sources, 3)
	assert.Equal(t, "https://a", sources[0].URL)
	assert.Equal(t, "A again", sources[2].Title)
}
