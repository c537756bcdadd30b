// Package processors handles the synchronous system1 and system2 request
// modes. Deep research does not live here; it runs as a Temporal workflow.
package processors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/analyzer"
	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/search"
)

// Processor executes non-agent modes in-process. Feature flags are read per
// request so hot reloads (cache on/off) apply without a restart.
type Processor struct {
	llm      *llm.Client
	search   *search.Executor
	features config.FeatureSource
	logger   *zap.Logger
	cache    *responseCache
}

func NewProcessor(llmClient *llm.Client, searchExec *search.Executor, features config.FeatureSource, logger *zap.Logger) *Processor {
	p := &Processor{
		llm:      llmClient,
		search:   searchExec,
		features: features,
		logger:   logger,
	}
	// Cache dimensions come from the startup snapshot; the enable flag is
	// consulted live on every request.
	ttl := 5 * time.Minute
	size := 512
	if f := currentFeatures(features); f != nil {
		if f.System1.CacheTTL > 0 {
			ttl = time.Duration(f.System1.CacheTTL) * time.Second
		}
		if f.System1.CacheMaxSize > 0 {
			size = f.System1.CacheMaxSize
		}
	}
	p.cache = newResponseCache(ttl, size)
	return p
}

func currentFeatures(src config.FeatureSource) *config.Features {
	if src == nil {
		return nil
	}
	return src.Current()
}

func (p *Processor) cacheEnabled() bool {
	f := currentFeatures(p.features)
	return f != nil && f.System1.EnableCache
}

// Process runs one request in its resolved mode and fills the response.
func (p *Processor) Process(ctx context.Context, pc *models.ProcessingContext) error {
	req := pc.Request
	start := time.Now()

	if p.cacheEnabled() && req.Mode.CognitiveLevel() == models.CognitiveSystem1 {
		if cached, ok := p.cache.get(cacheKey(req)); ok {
			pc.Response.Result = cached
			pc.Response.TimeMs = time.Since(start).Milliseconds()
			pc.SetMeta("cache_hit", true)
			return nil
		}
	}

	var err error
	switch req.Mode {
	case models.ModeChat:
		err = p.processChat(ctx, pc)
	case models.ModeKnowledge:
		err = p.processKnowledge(ctx, pc)
	case models.ModeSearch:
		err = p.processSearch(ctx, pc)
	case models.ModeCode:
		err = p.processCode(ctx, pc)
	case models.ModeThinking:
		err = p.processThinking(ctx, pc)
	default:
		err = fmt.Errorf("mode %q has no synchronous processor", req.Mode)
	}
	if err != nil {
		return err
	}

	pc.Response.TimeMs = time.Since(start).Milliseconds()
	pc.Response.TokensUsed = pc.TotalTokens
	if p.cacheEnabled() && req.Mode.CognitiveLevel() == models.CognitiveSystem1 {
		p.cache.put(cacheKey(req), pc.Response.Result)
	}
	return nil
}

func (p *Processor) processChat(ctx context.Context, pc *models.ProcessingContext) error {
	pc.MarkStep("chat")
	return p.complete(ctx, pc, pc.Request.Query, llm.Options{
		System:      "You are a helpful, concise assistant.",
		Temperature: temperature(pc.Request, 0.7),
	})
}

func (p *Processor) processKnowledge(ctx context.Context, pc *models.ProcessingContext) error {
	pc.MarkStep("knowledge")
	return p.complete(ctx, pc, pc.Request.Query, llm.Options{
		System: "You are a precise domain expert. Explain clearly, define terms, " +
			"and say explicitly when something is uncertain or contested.",
		Temperature: temperature(pc.Request, 0.3),
	})
}

func (p *Processor) processSearch(ctx context.Context, pc *models.ProcessingContext) error {
	pc.MarkStep("searching")
	results := p.search.ExecuteSearchTasks(ctx, []models.SearchTask{
		{Query: pc.Request.Query, ResearchGoal: "answer the user's question", Priority: 5},
	})
	evidence := analyzer.SummarizeSearchResults(results)
	pc.SetMeta("sources", len(analyzer.CollectSources(results)))

	pc.MarkStep("summarizing")
	prompt := fmt.Sprintf(`Answer the question using the search evidence below. Cite facts to their
sources by name. Say so when the evidence does not cover part of the question.

Question: %s

Evidence:
%s`, pc.Request.Query, evidence)
	return p.complete(ctx, pc, prompt, llm.Options{Temperature: temperature(pc.Request, 0.3)})
}

func (p *Processor) processCode(ctx context.Context, pc *models.ProcessingContext) error {
	pc.MarkStep("coding")
	return p.complete(ctx, pc, pc.Request.Query, llm.Options{
		System: "You are an expert programmer. Produce working, idiomatic code with " +
			"a brief explanation. State assumptions explicitly.",
		Temperature: temperature(pc.Request, 0.2),
	})
}

func (p *Processor) processThinking(ctx context.Context, pc *models.ProcessingContext) error {
	pc.MarkStep("reasoning")
	reasoning, err := p.llm.Generate(ctx, fmt.Sprintf(
		"Think through this problem step by step. Lay out the key considerations, "+
			"tradeoffs, and evidence before any conclusion.\n\nProblem: %s", pc.Request.Query),
		llm.Options{Temperature: temperature(pc.Request, 0.5)})
	if err != nil {
		return fmt.Errorf("reasoning pass: %w", err)
	}
	pc.TotalTokens += reasoning.Tokens.TotalTokens
	pc.SetMeta("reasoning", reasoning.Text)

	pc.MarkStep("concluding")
	prompt := fmt.Sprintf(`Problem: %s

Your analysis:
%s

Now give the final, well-structured answer based on that analysis.`,
		pc.Request.Query, reasoning.Text)
	return p.complete(ctx, pc, prompt, llm.Options{Temperature: temperature(pc.Request, 0.4)})
}

func (p *Processor) complete(ctx context.Context, pc *models.ProcessingContext, prompt string, opts llm.Options) error {
	if pc.Request.MaxTokens > 0 {
		opts.MaxTokens = pc.Request.MaxTokens
	}
	res, err := p.llm.Generate(ctx, prompt, opts)
	if err != nil {
		return err
	}
	pc.TotalTokens += res.Tokens.TotalTokens
	pc.Response.Result = res.Text
	pc.SetMeta("provider", res.Provider)
	return nil
}

func temperature(req *models.Request, def float64) float64 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return def
}

func cacheKey(req *models.Request) string {
	return string(req.Mode) + "|" + strings.TrimSpace(strings.ToLower(req.Query))
}

// responseCache is a TTL cache with a hard size cap. Eviction removes
// expired entries first, then the oldest.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	addedAt time.Time
}

func newResponseCache(ttl time.Duration, maxSize int) *responseCache {
	return &responseCache{ttl: ttl, maxSize: maxSize, entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.addedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *responseCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[key] = cacheEntry{value: value, addedAt: time.Now()}
}

func (c *responseCache) evictLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if time.Since(e.addedAt) > c.ttl {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.addedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = e.addedAt
		}
	}
	if len(c.entries) >= c.maxSize && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
