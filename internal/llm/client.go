// Package llm provides a uniform generate/stream interface over multiple LLM
// providers with fallback on retryable failures.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/errclass"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

// Options carries per-call generation parameters.
type Options struct {
	System      string
	Temperature float64
	MaxTokens   int
}

// Result is a completed generation with token accounting.
type Result struct {
	Text     string
	Tokens   models.TokenInfo
	Provider string
	Model    string
}

// Chunk is one streamed fragment. Err is set on terminal failures; Done marks
// the end of a successful stream.
type Chunk struct {
	Text string
	Done bool
	Err  error
}

// Provider is one backing LLM service.
type Provider interface {
	Name() string
	Available() bool
	Generate(ctx context.Context, prompt string, opts Options) (*Result, error)
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)
}

// Client is the multi-provider wrapper. Providers are tried in order; a
// retryable failure advances to the next provider, anything else propagates.
type Client struct {
	providers []Provider
	logger    *zap.Logger

	mu           sync.Mutex
	lastProvider string
}

// NewClient constructs the provider chain from configuration. Order follows
// config.ProviderOrder: OpenAI, then Anthropic, then Gemini, whichever are
// configured.
func NewClient(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	var providers []Provider
	for _, name := range cfg.ProviderOrder() {
		switch name {
		case "openai":
			providers = append(providers, newOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLMModel))
		case "anthropic":
			providers = append(providers, newAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel))
		case "gemini":
			providers = append(providers, newGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel))
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured")
	}
	return &Client{providers: providers, logger: logger}, nil
}

// NewClientWithProviders builds a client over an explicit chain (used by tests
// and by the model search provider).
func NewClientWithProviders(logger *zap.Logger, providers ...Provider) *Client {
	return &Client{providers: providers, logger: logger}
}

// LastProvider reports which provider served the most recent successful call.
func (c *Client) LastProvider() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastProvider
}

func (c *Client) setLastProvider(name string) {
	c.mu.Lock()
	c.lastProvider = name
	c.mu.Unlock()
}

// isSoftError detects providers that return sentinel error strings instead of
// raising: results beginning with "[" and containing "Error]".
func isSoftError(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "[") && strings.Contains(trimmed, "Error]")
}

// Generate runs the prompt against the provider chain.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		res, err := p.Generate(ctx, prompt, opts)
		if err == nil && res != nil && isSoftError(res.Text) {
			err = errclass.New(errclass.CategoryLLM, fmt.Errorf("provider %s returned soft error: %s", p.Name(), truncate(res.Text, 200)))
		}
		if err == nil {
			res.Provider = p.Name()
			c.setLastProvider(p.Name())
			metrics.LLMCallsTotal.WithLabelValues(p.Name(), "ok").Inc()
			metrics.LLMTokensTotal.WithLabelValues(p.Name(), "prompt").Add(float64(res.Tokens.PromptTokens))
			metrics.LLMTokensTotal.WithLabelValues(p.Name(), "completion").Add(float64(res.Tokens.CompletionTokens))
			return res, nil
		}
		metrics.LLMCallsTotal.WithLabelValues(p.Name(), "error").Inc()
		lastErr = err
		if !errclass.IsRetryable(err) {
			return nil, err
		}
		c.logger.Warn("provider failed, advancing to next",
			zap.String("provider", p.Name()),
			zap.String("category", string(errclass.Classify(err))),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no available LLM provider")
	}
	return nil, lastErr
}

// Stream mirrors Generate's fallback discipline but commits to the first
// provider that yields at least one chunk.
func (c *Client) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	var lastErr error
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}
		ch, err := p.Stream(ctx, prompt, opts)
		if err != nil {
			lastErr = err
			if !errclass.IsRetryable(err) {
				return nil, err
			}
			continue
		}
		// Wait for the first chunk before committing to this provider.
		first, ok := <-ch
		if !ok || first.Err != nil {
			if first.Err != nil {
				lastErr = first.Err
				if !errclass.IsRetryable(first.Err) {
					return nil, first.Err
				}
			}
			continue
		}
		c.setLastProvider(p.Name())
		out := make(chan Chunk, 16)
		go func() {
			defer close(out)
			out <- first
			for chunk := range ch {
				out <- chunk
			}
		}()
		return out, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no available LLM provider")
	}
	return nil, lastErr
}

// estimateTokens approximates a token count by whitespace tokenisation when a
// provider cannot report exact counts. The result is marked estimated.
func estimateTokens(prompt, completion string) models.TokenInfo {
	p := len(strings.Fields(prompt))
	c := len(strings.Fields(completion))
	return models.TokenInfo{
		PromptTokens:     p,
		CompletionTokens: c,
		TotalTokens:      p + c,
		Estimated:        true,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
