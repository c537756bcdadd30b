package report

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/fathomlab/fathom/internal/models"
)

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// CitationAnalysis is the full categorization of a report's citations
// against its reference list.
type CitationAnalysis struct {
	Cited   []models.Reference `json:"cited"`
	Uncited []models.Reference `json:"uncited"`
	Stats   models.CitationStats
}

// AnalyzeCitations scans the report body for [n] markers and splits the
// reference list into cited and uncited. Markers with no matching reference
// are recorded as invalid rather than dropped; they signal model
// hallucination and belong in the stats.
func AnalyzeCitations(body string, refs []models.Reference) CitationAnalysis {
	valid := make(map[int]models.Reference, len(refs))
	for _, ref := range refs {
		valid[ref.ID] = ref
	}

	counts := make(map[int]int)
	total := 0
	for _, m := range citationRe.FindAllStringSubmatch(body, -1) {
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		counts[id]++
		total++
	}

	var invalid []int
	for id := range counts {
		if _, ok := valid[id]; !ok {
			invalid = append(invalid, id)
		}
	}
	sort.Ints(invalid)

	var cited, uncited []models.Reference
	for _, ref := range refs {
		if n := counts[ref.ID]; n > 0 {
			ref.CitationCount = n
			cited = append(cited, ref)
		} else {
			uncited = append(uncited, ref)
		}
	}
	// Cited references ordered by citation count descending, then by ID.
	sort.SliceStable(cited, func(i, j int) bool {
		if cited[i].CitationCount != cited[j].CitationCount {
			return cited[i].CitationCount > cited[j].CitationCount
		}
		return cited[i].ID < cited[j].ID
	})

	stats := models.CitationStats{
		TotalCitations:       total,
		UniqueCitations:      len(counts),
		InvalidCitations:     invalid,
		CitationDistribution: counts,
	}
	for _, ref := range cited {
		stats.MostCited = append(stats.MostCited, models.CitationCountPair{ID: ref.ID, Count: ref.CitationCount})
	}
	if len(stats.MostCited) > 5 {
		stats.MostCited = stats.MostCited[:5]
	}
	if len(cited) > 0 {
		validTotal := 0
		for _, ref := range cited {
			validTotal += ref.CitationCount
		}
		stats.AvgCitationsPerSrc = float64(validTotal) / float64(len(cited))
	}
	return CitationAnalysis{Cited: cited, Uncited: uncited, Stats: stats}
}
