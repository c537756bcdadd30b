package models

import (
	"time"
)

// Mode identifies the processing mode for a request. Each mode carries its
// cognitive level as data so routing decisions never need a side lookup.
type Mode string

const (
	ModeAuto         Mode = "auto"
	ModeChat         Mode = "chat"
	ModeKnowledge    Mode = "knowledge"
	ModeSearch       Mode = "search"
	ModeCode         Mode = "code"
	ModeThinking     Mode = "thinking"
	ModeDeepResearch Mode = "deep_research"
)

// CognitiveLevel is a coarse classifier on processing depth and resource use.
type CognitiveLevel string

const (
	CognitiveSystem1 CognitiveLevel = "system1"
	CognitiveSystem2 CognitiveLevel = "system2"
	CognitiveAgent   CognitiveLevel = "agent"
)

// CognitiveLevel returns the level carried by the mode itself.
func (m Mode) CognitiveLevel() CognitiveLevel {
	switch m {
	case ModeChat, ModeKnowledge, ModeSearch:
		return CognitiveSystem1
	case ModeCode, ModeThinking:
		return CognitiveSystem2
	case ModeDeepResearch:
		return CognitiveAgent
	default:
		return CognitiveSystem1
	}
}

// Valid reports whether m is a member of the closed mode set.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeChat, ModeKnowledge, ModeSearch, ModeCode, ModeThinking, ModeDeepResearch:
		return true
	}
	return false
}

// Request is created by the transport layer and passed through the pipeline
// unchanged. Query and Mode are never mutated after the orchestrator starts.
type Request struct {
	Query       string                 `json:"query"`
	Mode        Mode                   `json:"mode"`
	TraceID     string                 `json:"trace_id"`
	ContextID   string                 `json:"context_id,omitempty"`
	Temperature float64                `json:"temperature,omitempty"`
	MaxTokens   int                    `json:"max_tokens,omitempty"`
	Streaming   bool                   `json:"streaming"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Response accumulates the pipeline output for a single request.
type Response struct {
	Result     string                 `json:"result"`
	Mode       Mode                   `json:"mode"`
	TraceID    string                 `json:"trace_id"`
	TokensUsed int                    `json:"tokens_used"`
	TimeMs     int64                  `json:"time_ms"`
	CostUSD    float64                `json:"cost_usd"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Events     []ResearchEvent        `json:"events,omitempty"`
}

// ProcessingContext is the per-request scratchpad. It is exclusively owned by
// the orchestrator for the lifetime of one request; helpers receive it by
// reference and may only append to Response.Metadata and Response.Events.
type ProcessingContext struct {
	Request             *Request               `json:"request"`
	Response            *Response              `json:"response"`
	CurrentStep         string                 `json:"current_step"`
	StepsCompleted      []string               `json:"steps_completed"`
	StartTime           time.Time              `json:"start_time"`
	TotalTokens         int                    `json:"total_tokens"`
	IntermediateResults map[string]interface{} `json:"intermediate_results,omitempty"`
}

// NewProcessingContext builds a context with an initialized response.
func NewProcessingContext(req *Request) *ProcessingContext {
	return &ProcessingContext{
		Request: req,
		Response: &Response{
			Mode:     req.Mode,
			TraceID:  req.TraceID,
			Metadata: make(map[string]interface{}),
		},
		StartTime:           time.Now(),
		IntermediateResults: make(map[string]interface{}),
	}
}

// SetMeta records a metadata value on the response.
func (c *ProcessingContext) SetMeta(key string, value interface{}) {
	if c.Response.Metadata == nil {
		c.Response.Metadata = make(map[string]interface{})
	}
	c.Response.Metadata[key] = value
}

// MarkStep records completion of the current step and advances to the next.
func (c *ProcessingContext) MarkStep(step string) {
	if c.CurrentStep != "" {
		c.StepsCompleted = append(c.StepsCompleted, c.CurrentStep)
	}
	c.CurrentStep = step
}

// SearchTask is a single planned search: a 3-8 word keyword phrase plus the
// research goal it serves.
type SearchTask struct {
	Query        string `json:"query"`
	ResearchGoal string `json:"research_goal"`
	Priority     int    `json:"priority"`
}

// Source is one search hit.
type Source struct {
	URL       string  `json:"url"`
	Title     string  `json:"title"`
	Relevance float64 `json:"relevance"`
}

// SearchOutcome is the provider-level result for one query.
type SearchOutcome struct {
	Summary     string    `json:"summary"`
	Sources     []Source  `json:"sources"`
	Processed   string    `json:"processed,omitempty"`
	FullContent string    `json:"full_content,omitempty"`
	Provider    string    `json:"provider"`
	Timestamp   time.Time `json:"timestamp"`
	// Error carries the last provider failure when the outcome is the
	// empty placeholder. The Summary stays the placeholder text.
	Error string `json:"error,omitempty"`
}

// SearchResult pairs a task with its outcome. Failed tasks carry an
// empty-but-structured outcome so a batch never aborts.
type SearchResult struct {
	Query    string        `json:"query"`
	Goal     string        `json:"goal"`
	Priority int           `json:"priority"`
	Result   SearchOutcome `json:"result"`
}

// Empty reports whether the result carries no usable sources.
func (r SearchResult) Empty() bool { return len(r.Result.Sources) == 0 }

// Domain is a research domain with a weight driving query distribution.
// Weights across a domain set sum to 1.0.
type Domain struct {
	Name         string   `json:"name"`
	Weight       float64  `json:"weight"`
	SearchAngles []string `json:"search_angles"`
}

// SectionCoverage is the per-section status produced by progressive synthesis.
type SectionCoverage struct {
	Status string `json:"status"` // covered | partial | missing
	Notes  string `json:"notes,omitempty"`
}

// SynthesisRecord is the accumulated understanding after a research wave.
// Iteration k+1 receives iteration k's record as previous synthesis.
type SynthesisRecord struct {
	Synthesis        string                     `json:"synthesis"`
	SectionCoverage  map[string]SectionCoverage `json:"section_coverage,omitempty"`
	KnowledgeGaps    []string                   `json:"knowledge_gaps,omitempty"`
	CrossDomainLinks []string                   `json:"cross_domain_links,omitempty"`
}

// SectionGap describes coverage of one plan section.
type SectionGap struct {
	Name     string   `json:"name"`
	Coverage int      `json:"coverage"`
	Depth    int      `json:"depth"`
	Gaps     []string `json:"gaps,omitempty"`
}

// GapReport is the completeness review output for one iteration.
type GapReport struct {
	IsSufficient    bool         `json:"is_sufficient"`
	OverallCoverage int          `json:"overall_coverage"`
	Sections        []SectionGap `json:"sections,omitempty"`
	PriorityGaps    []string     `json:"priority_gaps,omitempty"`
}

// ChartSpec describes one planned figure.
type ChartSpec struct {
	Title           string `json:"title"`
	ChartType       string `json:"chart_type"` // bar|line|pie|heatmap|scatter|waterfall|radar
	DataDescription string `json:"data_description"`
	TargetSection   string `json:"target_section"`
	Insight         string `json:"insight"`
}

// ComputationResult accumulates sandbox-generated figures.
type ComputationResult struct {
	Figures       []string    `json:"figures"` // base64 PNGs
	FigureSpecs   []ChartSpec `json:"figure_specs"`
	Stdout        string      `json:"stdout,omitempty"`
	Code          string      `json:"code,omitempty"`
	ExecutionTime float64     `json:"execution_time"`
}

// Reference is a citable source with a stable ID assigned at extraction time.
type Reference struct {
	ID        int     `json:"id"`
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Query     string  `json:"query,omitempty"`
	Relevance float64 `json:"relevance"`
	// CitationCount is filled by citation analysis for cited references.
	CitationCount int `json:"citation_count,omitempty"`
}

// EvidenceItem ties one section claim to the reference IDs that support it.
type EvidenceItem struct {
	Claim      string `json:"claim"`
	SourceIDs  []int  `json:"source_ids"`
	Confidence string `json:"confidence"` // low | medium | high
}

// CitationCountPair is one (reference id, citation count) entry.
type CitationCountPair struct {
	ID    int `json:"id"`
	Count int `json:"count"`
}

// CitationStats summarizes how references are actually cited in a report body.
type CitationStats struct {
	TotalCitations       int                 `json:"total_citations"`
	UniqueCitations      int                 `json:"unique_citations"`
	InvalidCitations     []int               `json:"invalid_citations,omitempty"`
	MostCited            []CitationCountPair `json:"most_cited,omitempty"`
	AvgCitationsPerSrc   float64             `json:"avg_citations_per_source"`
	CitationDistribution map[int]int         `json:"citation_distribution,omitempty"`
}

// WorkflowError is one recorded failure inside a workflow run.
type WorkflowError struct {
	Error      string    `json:"error"`
	Category   string    `json:"category"`
	Step       string    `json:"step"`
	RetryCount int       `json:"retry_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowState tracks pipeline progress for one request.
type WorkflowState struct {
	Status      string          `json:"status"` // running | completed | failed
	Steps       []string        `json:"steps"`
	CurrentStep string          `json:"current_step"`
	Iterations  int             `json:"iterations"`
	Errors      []WorkflowError `json:"errors,omitempty"`
}

// ResearchEvent is one streamed pipeline event. The final event for every
// request is always final_report or error.
type ResearchEvent struct {
	Type      string      `json:"type"` // progress|message|reasoning|search_result|error|final_report
	Step      string      `json:"step"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event types for the research stream.
const (
	EventProgress     = "progress"
	EventMessage      = "message"
	EventReasoning    = "reasoning"
	EventSearchResult = "search_result"
	EventError        = "error"
	EventFinalReport  = "final_report"
)

// TokenInfo is per-call token accounting from an LLM provider.
type TokenInfo struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Add accumulates another call's counts.
func (t *TokenInfo) Add(other TokenInfo) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
	t.TotalTokens += other.TotalTokens
	t.Estimated = t.Estimated || other.Estimated
}

// TraceID8 returns the 8-character artefact prefix for a trace ID.
func TraceID8(traceID string) string {
	if len(traceID) >= 8 {
		return traceID[:8]
	}
	if traceID == "" {
		return "unknown0"
	}
	return traceID
}
