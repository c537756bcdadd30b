package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fathomlab/fathom/internal/models"
)

const openAIBaseURL = "https://api.openai.com/v1"

type openAIProvider struct {
	apiKey string
	model  string
}

func newOpenAIProvider(apiKey, model string) *openAIProvider {
	return &openAIProvider{apiKey: apiKey, model: model}
}

func (p *openAIProvider) Name() string    { return "openai" }
func (p *openAIProvider) Available() bool { return p.apiKey != "" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (p *openAIProvider) buildMessages(prompt string, opts Options) []openAIMessage {
	var msgs []openAIMessage
	if opts.System != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: opts.System})
	}
	return append(msgs, openAIMessage{Role: "user", Content: prompt})
}

func (p *openAIProvider) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	reqBody := openAIRequest{
		Model:       p.model,
		Messages:    p.buildMessages(prompt, opts),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	var resp openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	if err := postJSON(ctx, "openai", openAIBaseURL+"/chat/completions", headers, reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}
	text := resp.Choices[0].Message.Content
	tokens := models.TokenInfo{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if tokens.TotalTokens == 0 {
		tokens = estimateTokens(prompt, text)
	}
	return &Result{Text: text, Tokens: tokens, Model: resp.Model}, nil
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *openAIProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	reqBody := openAIRequest{
		Model:       p.model,
		Messages:    p.buildMessages(prompt, opts),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIBaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := openSSE(req, "openai")
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := scanSSE(resp.Body, func(data string) bool {
			if data == "[DONE]" {
				out <- Chunk{Done: true}
				return false
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true // skip malformed keep-alive payloads
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				out <- Chunk{Text: chunk.Choices[0].Delta.Content}
			}
			return true
		})
		if err != nil {
			out <- Chunk{Err: err}
		}
	}()
	return out, nil
}
