// Package report turns accumulated research output into the final citable
// report: reference numbering, citation analysis, figure embedding, and the
// on-disk report bundle.
package report

import (
	"sort"

	"github.com/fathomlab/fathom/internal/models"
)

// ExtractReferences numbers the sources gathered across all search results.
// Sources are ordered by relevance descending (stable, so equal-relevance
// sources keep their discovery order) and IDs are assigned 1..N in that
// order. URLs are deliberately not deduplicated: the same page reached
// through two queries is two distinct pieces of evidence.
func ExtractReferences(results []models.SearchResult) []models.Reference {
	type tagged struct {
		src   models.Source
		query string
	}
	var sources []tagged
	for _, r := range results {
		for _, src := range r.Result.Sources {
			if src.URL == "" && src.Title == "" {
				continue
			}
			sources = append(sources, tagged{src: src, query: r.Query})
		}
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].src.Relevance > sources[j].src.Relevance
	})
	refs := make([]models.Reference, 0, len(sources))
	for i, s := range sources {
		refs = append(refs, models.Reference{
			ID:        i + 1,
			Title:     s.src.Title,
			URL:       s.src.URL,
			Query:     s.query,
			Relevance: s.src.Relevance,
		})
	}
	return refs
}
