package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fathomlab/fathom/internal/models"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type geminiProvider struct {
	apiKey string
	model  string
}

func newGeminiProvider(apiKey, model string) *geminiProvider {
	return &geminiProvider{apiKey: apiKey, model: model}
}

func (p *geminiProvider) Name() string    { return "gemini" }
func (p *geminiProvider) Available() bool { return p.apiKey != "" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *geminiProvider) buildRequest(prompt string, opts Options) geminiRequest {
	req := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
	}
	if opts.System != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: opts.System}}}
	}
	req.GenerationConfig.Temperature = opts.Temperature
	req.GenerationConfig.MaxOutputTokens = opts.MaxTokens
	return req
}

func (r geminiResponse) text() string {
	var text string
	for _, cand := range r.Candidates {
		for _, part := range cand.Content.Parts {
			text += part.Text
		}
		break // first candidate only
	}
	return text
}

func (p *geminiProvider) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", geminiBaseURL, p.model, url.QueryEscape(p.apiKey))
	var resp geminiResponse
	if err := postJSON(ctx, "gemini", endpoint, nil, p.buildRequest(prompt, opts), &resp); err != nil {
		return nil, err
	}
	text := resp.text()
	if text == "" {
		return nil, fmt.Errorf("gemini: empty candidates")
	}
	tokens := models.TokenInfo{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
	if tokens.TotalTokens == 0 {
		tokens = estimateTokens(prompt, text)
	}
	return &Result{Text: text, Tokens: tokens, Model: p.model}, nil
}

func (p *geminiProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", geminiBaseURL, p.model, url.QueryEscape(p.apiKey))
	payload, err := json.Marshal(p.buildRequest(prompt, opts))
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := openSSE(req, "gemini")
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := scanSSE(resp.Body, func(data string) bool {
			var chunk geminiResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return true
			}
			if text := chunk.text(); text != "" {
				out <- Chunk{Text: text}
			}
			return true
		})
		if err != nil {
			out <- Chunk{Err: err}
			return
		}
		out <- Chunk{Done: true}
	}()
	return out, nil
}
