package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fathomlab/fathom/internal/models"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	// Anthropic requires an explicit max_tokens; this is the floor applied
	// when the caller did not supply one.
	anthropicDefaultMaxTokens = 8192
)

type anthropicProvider struct {
	apiKey string
	model  string
}

func newAnthropicProvider(apiKey, model string) *anthropicProvider {
	return &anthropicProvider{apiKey: apiKey, model: model}
}

func (p *anthropicProvider) Name() string    { return "anthropic" }
func (p *anthropicProvider) Available() bool { return p.apiKey != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *anthropicProvider) buildRequest(prompt string, opts Options, stream bool) anthropicRequest {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	return anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      opts.System,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		Stream:      stream,
	}
}

func (p *anthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

func (p *anthropicProvider) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	var resp anthropicResponse
	if err := postJSON(ctx, "anthropic", anthropicBaseURL+"/messages", p.headers(), p.buildRequest(prompt, opts, false), &resp); err != nil {
		return nil, err
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic: empty content")
	}
	tokens := models.TokenInfo{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if tokens.TotalTokens == 0 {
		tokens = estimateTokens(prompt, text)
	}
	return &Result{Text: text, Tokens: tokens, Model: resp.Model}, nil
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (p *anthropicProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	payload, err := json.Marshal(p.buildRequest(prompt, opts, true))
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicBaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers() {
		req.Header.Set(k, v)
	}

	resp, err := openSSE(req, "anthropic")
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := scanSSE(resp.Body, func(data string) bool {
			var ev anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return true
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text != "" {
					out <- Chunk{Text: ev.Delta.Text}
				}
			case "message_stop":
				out <- Chunk{Done: true}
				return false
			}
			return true
		})
		if err != nil {
			out <- Chunk{Err: err}
		}
	}()
	return out, nil
}
