package search

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

// researchData is the persisted snapshot of one run's raw search results.
type researchData struct {
	Query     string                `json:"query"`
	TraceID   string                `json:"trace_id"`
	Timestamp time.Time             `json:"timestamp"`
	Results   []models.SearchResult `json:"results"`
}

// SaveResearchData writes the accumulated search results to
// {logDir}/research_data/{traceId8}_{timestamp}/search_results.json and
// returns the directory path. Persistence is an audit artefact; callers treat
// failure as non-fatal.
func SaveResearchData(logDir, traceID, query string, results []models.SearchResult) (string, error) {
	now := time.Now()
	dir := filepath.Join(logDir, "research_data",
		fmt.Sprintf("%s_%s", models.TraceID8(traceID), now.Format("20060102_150405")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create research data dir: %w", err)
	}
	data := researchData{
		Query:     query,
		TraceID:   traceID,
		Timestamp: now.UTC(),
		Results:   results,
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal research data: %w", err)
	}
	path := filepath.Join(dir, "search_results.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write research data: %w", err)
	}
	return dir, nil
}
