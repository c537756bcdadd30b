// Package router selects the processing mode and cognitive level for a
// request. Selection is keyword-first with an optional complexity score that
// can escalate the mode when the feature flag is on. The decision's cognitive
// level is always the one carried by the decided mode.
package router

import (
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/models"
)

// RoutingDecision is the immutable output of one routing pass.
type RoutingDecision struct {
	Mode            models.Mode           `json:"mode"`
	CognitiveLevel  models.CognitiveLevel `json:"cognitive_level"`
	ComplexityScore float64               `json:"complexity_score"`
	MatchedKeyword  string                `json:"matched_keyword,omitempty"`
	AvailableTools  []string              `json:"available_tools"`
}

// Router maps queries to modes. It is stateless and safe for concurrent use.
// Feature flags are read per call so reloaded config applies immediately.
type Router struct {
	features config.FeatureSource
	logger   *zap.Logger
}

func NewRouter(features config.FeatureSource, logger *zap.Logger) *Router {
	return &Router{features: features, logger: logger}
}

// Keyword tables checked in priority order: code, search, knowledge, thinking.
// A query matching none of them routes to chat.
var modeKeywords = []struct {
	mode     models.Mode
	keywords []string
}{
	{models.ModeCode, []string{"code", "program", "script", "function", "debug", "implement", "代碼", "程式"}},
	{models.ModeSearch, []string{"search", "find", "latest", "current", "news", "today", "搜尋"}},
	{models.ModeKnowledge, []string{"what is", "explain", "define", "describe", "knowledge", "知識", "解釋"}},
	{models.ModeThinking, []string{"analyze", "compare", "evaluate", "why", "reason", "分析", "思考"}},
}

// toolsByLevel is the availability mask. Higher levels strictly widen the set.
var toolsByLevel = map[models.CognitiveLevel][]string{
	models.CognitiveSystem1: {"llm"},
	models.CognitiveSystem2: {"llm", "knowledge_base", "web_search"},
	models.CognitiveAgent:   {"llm", "knowledge_base", "web_search", "sandbox", "chart_generation"},
}

// Route decides the mode for a request. An explicit non-auto mode is honored
// as-is; auto mode runs keyword matching and, when enabled, complexity
// escalation. Escalation swaps the mode itself, so the decision's level stays
// the one the mode carries.
func (r *Router) Route(req *models.Request) RoutingDecision {
	mode := req.Mode
	auto := mode == "" || mode == models.ModeAuto
	matched := ""
	if auto {
		mode, matched = matchMode(req.Query)
	}

	score := 0.0
	if auto && r.complexityEnabled() {
		score = ComplexityScore(req.Query)
		if escalated := modeForScore(score); levelRank(escalated.CognitiveLevel()) > levelRank(mode.CognitiveLevel()) {
			mode = escalated
		}
	}
	level := mode.CognitiveLevel()

	decision := RoutingDecision{
		Mode:            mode,
		CognitiveLevel:  level,
		ComplexityScore: score,
		MatchedKeyword:  matched,
		AvailableTools:  ToolsFor(level),
	}
	r.logger.Debug("routing decision",
		zap.String("mode", string(decision.Mode)),
		zap.String("cognitive_level", string(decision.CognitiveLevel)),
		zap.Float64("complexity", score),
	)
	return decision
}

func matchMode(query string) (models.Mode, string) {
	lower := strings.ToLower(query)
	for _, entry := range modeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.mode, kw
			}
		}
	}
	return models.ModeChat, ""
}

// ComplexityScore scores a query in [0,1] from four weighted signals:
// length (0.2), multi-step phrasing (0.3), tool need (0.3), and question
// density (0.2).
func ComplexityScore(query string) float64 {
	lower := strings.ToLower(query)
	score := 0.0

	if len(query) > 200 {
		score += 0.2
	} else if len(query) > 80 {
		score += 0.1
	}

	for _, kw := range []string{"then", "after that", "step by step", "first", "finally", "and also"} {
		if strings.Contains(lower, kw) {
			score += 0.3
			break
		}
	}

	for _, kw := range []string{"chart", "graph", "calculate", "data", "figure", "search", "compare sources"} {
		if strings.Contains(lower, kw) {
			score += 0.3
			break
		}
	}

	if n := strings.Count(query, "?") + strings.Count(query, "？"); n >= 2 {
		score += 0.2
	} else if n == 1 {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (r *Router) complexityEnabled() bool {
	if r.features == nil {
		return false
	}
	f := r.features.Current()
	return f != nil && f.Routing.ComplexityAnalysis
}

// modeForScore maps a complexity score to the canonical mode of the level it
// warrants: deep research for heavy queries, thinking for mid-weight ones.
func modeForScore(score float64) models.Mode {
	switch {
	case score >= 0.6:
		return models.ModeDeepResearch
	case score >= 0.3:
		return models.ModeThinking
	default:
		return models.ModeChat
	}
}

func levelRank(l models.CognitiveLevel) int {
	switch l {
	case models.CognitiveAgent:
		return 3
	case models.CognitiveSystem2:
		return 2
	default:
		return 1
	}
}

// ToolsFor returns a copy of the tool mask for a level. Callers may not
// mutate the shared table through the returned slice.
func ToolsFor(level models.CognitiveLevel) []string {
	tools, ok := toolsByLevel[level]
	if !ok {
		tools = toolsByLevel[models.CognitiveSystem1]
	}
	out := make([]string, len(tools))
	copy(out, tools)
	return out
}
