package report

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

// BundleMetadata is the metadata.json written next to the report.
type BundleMetadata struct {
	Query       string                           `json:"query"`
	TraceID     string                           `json:"trace_id"`
	GeneratedAt time.Time                        `json:"generated_at"`
	WordCount   int                              `json:"word_count"`
	FigureCount int                              `json:"figure_count"`
	Stats       models.CitationStats             `json:"citation_stats"`
	Evidence    map[string][]models.EvidenceItem `json:"evidence,omitempty"`
	TokensUsed  int                              `json:"tokens_used"`
	DurationMs  int64                            `json:"duration_ms"`
}

// SaveReportBundle writes the report bundle under
// {logDir}/reports/{traceId8}_{timestamp}/: report.md, metadata.json, and
// figures/figure_N.png for each base64 figure. Returns the bundle directory.
func SaveReportBundle(logDir string, meta BundleMetadata, formatted string, figures []string) (string, error) {
	dir := filepath.Join(logDir, "reports",
		fmt.Sprintf("%s_%s", models.TraceID8(meta.TraceID), time.Now().Format("20060102_150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	if len(figures) > 0 {
		figDir := filepath.Join(dir, "figures")
		if err := os.MkdirAll(figDir, 0o755); err != nil {
			return "", fmt.Errorf("create figures dir: %w", err)
		}
		for i, fig := range figures {
			png, err := base64.StdEncoding.DecodeString(fig)
			if err != nil {
				// A bad figure should not sink the whole bundle.
				continue
			}
			path := filepath.Join(figDir, fmt.Sprintf("figure_%d.png", i+1))
			if err := os.WriteFile(path, png, 0o644); err != nil {
				return "", fmt.Errorf("write figure %d: %w", i+1, err)
			}
		}
	}

	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(formatted), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	meta.GeneratedAt = time.Now().UTC()
	meta.FigureCount = len(figures)
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), payload, 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	return dir, nil
}
