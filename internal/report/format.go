package report

import (
	"fmt"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

// FormatReport produces the final markdown: the report body with figures
// embedded into their target sections, followed by categorized references
// and the citation statistics block.
func FormatReport(body string, analysis CitationAnalysis, comp *models.ComputationResult) string {
	var overflow []int
	if comp != nil {
		body, overflow = embedFigures(body, comp)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(body, "\n"))
	sb.WriteString("\n")

	if comp != nil && len(overflow) > 0 {
		sb.WriteString("\n## Figures\n\n")
		for _, idx := range overflow {
			sb.WriteString(figureMarkdown(idx, comp.FigureSpecs))
		}
	}

	sb.WriteString("\n## References\n")
	if len(analysis.Cited) > 0 {
		sb.WriteString("\n### Cited Sources\n\n")
		for _, ref := range analysis.Cited {
			fmt.Fprintf(&sb, "[%d] %s - %s (cited %d times)\n", ref.ID, ref.Title, ref.URL, ref.CitationCount)
		}
	}
	if len(analysis.Uncited) > 0 {
		sb.WriteString("\n### Additional Sources (not cited)\n\n")
		for _, ref := range analysis.Uncited {
			fmt.Fprintf(&sb, "[%d] %s - %s\n", ref.ID, ref.Title, ref.URL)
		}
	}

	stats := analysis.Stats
	sb.WriteString("\n### Citation Statistics\n\n")
	fmt.Fprintf(&sb, "- Total citations: %d\n", stats.TotalCitations)
	fmt.Fprintf(&sb, "- Unique sources cited: %d\n", len(analysis.Cited))
	if len(stats.InvalidCitations) > 0 {
		fmt.Fprintf(&sb, "- Invalid citation markers: %v\n", stats.InvalidCitations)
	}
	if stats.AvgCitationsPerSrc > 0 {
		fmt.Fprintf(&sb, "- Average citations per source: %.1f\n", stats.AvgCitationsPerSrc)
	}
	return sb.String()
}

// embedFigures inserts figure markdown into the body. A figure lands right
// after the first line mentioning "Figure N" or after its target section
// heading; figures with neither anchor are returned as overflow indices.
func embedFigures(body string, comp *models.ComputationResult) (string, []int) {
	var overflow []int
	lines := strings.Split(body, "\n")
	for i := range comp.Figures {
		anchor := findAnchor(lines, i, comp.FigureSpecs)
		if anchor < 0 {
			overflow = append(overflow, i)
			continue
		}
		md := "\n" + strings.TrimRight(figureMarkdown(i, comp.FigureSpecs), "\n")
		lines[anchor] = lines[anchor] + md
	}
	return strings.Join(lines, "\n"), overflow
}

func findAnchor(lines []string, idx int, specs []models.ChartSpec) int {
	mention := fmt.Sprintf("Figure %d", idx+1)
	for i, line := range lines {
		if strings.Contains(line, mention) {
			return i
		}
	}
	if idx < len(specs) && specs[idx].TargetSection != "" {
		target := strings.ToLower(specs[idx].TargetSection)
		for i, line := range lines {
			if strings.HasPrefix(line, "#") && strings.Contains(strings.ToLower(line), target) {
				return i
			}
		}
	}
	return -1
}

// figureMarkdown renders the image link using the bundle-relative path that
// SaveReportBundle writes the PNG to.
func figureMarkdown(idx int, specs []models.ChartSpec) string {
	title := fmt.Sprintf("Figure %d", idx+1)
	caption := ""
	if idx < len(specs) {
		if specs[idx].Title != "" {
			title = specs[idx].Title
		}
		caption = specs[idx].Insight
	}
	md := fmt.Sprintf("![%s](figures/figure_%d.png)\n", title, idx+1)
	if caption != "" {
		md += fmt.Sprintf("*%s*\n", caption)
	}
	return md + "\n"
}
