package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fathomlab/fathom/internal/config"
	"github.com/fathomlab/fathom/internal/llm"
	"github.com/fathomlab/fathom/internal/models"
)

var searchHTTPClient = &http.Client{Timeout: 35 * time.Second}

// NewProviders builds every provider the configuration has credentials for.
// The executor's chain config decides which of them actually get used.
func NewProviders(cfg *config.Config, llmClient *llm.Client) map[string]Provider {
	providers := map[string]Provider{
		"tavily":     &tavilyProvider{apiKey: cfg.TavilyAPIKey},
		"exa":        &exaProvider{apiKey: cfg.ExaAPIKey},
		"serper":     &serperProvider{apiKey: cfg.SerperAPIKey},
		"brave":      &braveProvider{apiKey: cfg.BraveAPIKey},
		"searxng":    &searxngProvider{baseURL: cfg.SearxNGURL},
		"duckduckgo": &duckduckgoProvider{},
	}
	if llmClient != nil {
		providers["model"] = &modelProvider{client: llmClient}
	}
	return providers
}

func searchPost(ctx context.Context, endpoint string, headers map[string]string, reqBody, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return searchDo(req, out)
}

func searchGet(ctx context.Context, endpoint string, headers map[string]string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return searchDo(req, out)
}

func searchDo(req *http.Request, out interface{}) error {
	resp, err := searchHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncateBody(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit])
	}
	return string(b)
}

// Tavily

type tavilyProvider struct {
	apiKey string
}

func (p *tavilyProvider) Name() string    { return "tavily" }
func (p *tavilyProvider) Available() bool { return p.apiKey != "" }

type tavilyResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *tavilyProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	reqBody := map[string]interface{}{
		"api_key":        p.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"include_answer": true,
		"search_depth":   "advanced",
	}
	var resp tavilyResponse
	if err := searchPost(ctx, "https://api.tavily.com/search", nil, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("tavily: %w", err)
	}
	outcome := &models.SearchOutcome{Summary: resp.Answer}
	var snippets []string
	for _, r := range resp.Results {
		outcome.Sources = append(outcome.Sources, models.Source{URL: r.URL, Title: r.Title, Relevance: r.Score})
		if r.Content != "" {
			snippets = append(snippets, r.Content)
		}
	}
	if outcome.Summary == "" && len(snippets) > 0 {
		outcome.Summary = strings.Join(snippets, "\n")
	}
	outcome.Processed = strings.Join(snippets, "\n\n")
	return outcome, nil
}

// Exa

type exaProvider struct {
	apiKey string
}

func (p *exaProvider) Name() string    { return "exa" }
func (p *exaProvider) Available() bool { return p.apiKey != "" }

type exaResponse struct {
	Results []struct {
		Title string  `json:"title"`
		URL   string  `json:"url"`
		Text  string  `json:"text"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// exaSearchType picks neural search for conceptual goals and keyword search
// for lookups of named entities, versions, and dates.
func exaSearchType(goal string) string {
	lower := strings.ToLower(goal)
	for _, kw := range []string{"latest", "version", "release", "date", "price", "statistic", "number"} {
		if strings.Contains(lower, kw) {
			return "keyword"
		}
	}
	return "neural"
}

func (p *exaProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	reqBody := map[string]interface{}{
		"query":      query,
		"numResults": maxResults,
		"type":       exaSearchType(goal),
		"contents":   map[string]interface{}{"text": map[string]interface{}{"maxCharacters": 2000}},
	}
	headers := map[string]string{"x-api-key": p.apiKey}
	var resp exaResponse
	if err := searchPost(ctx, "https://api.exa.ai/search", headers, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("exa: %w", err)
	}
	outcome := &models.SearchOutcome{}
	var snippets []string
	for _, r := range resp.Results {
		outcome.Sources = append(outcome.Sources, models.Source{URL: r.URL, Title: r.Title, Relevance: r.Score})
		if r.Text != "" {
			snippets = append(snippets, r.Text)
		}
	}
	outcome.Summary = strings.Join(snippets, "\n")
	return outcome, nil
}

// Serper (Google SERP API)

type serperProvider struct {
	apiKey string
}

func (p *serperProvider) Name() string    { return "serper" }
func (p *serperProvider) Available() bool { return p.apiKey != "" }

type serperResponse struct {
	AnswerBox struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
	} `json:"answerBox"`
	Organic []struct {
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
		Position int    `json:"position"`
	} `json:"organic"`
}

func (p *serperProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	reqBody := map[string]interface{}{"q": query, "num": maxResults}
	headers := map[string]string{"X-API-KEY": p.apiKey}
	var resp serperResponse
	if err := searchPost(ctx, "https://google.serper.dev/search", headers, reqBody, &resp); err != nil {
		return nil, fmt.Errorf("serper: %w", err)
	}
	outcome := &models.SearchOutcome{}
	var snippets []string
	if resp.AnswerBox.Answer != "" {
		snippets = append(snippets, resp.AnswerBox.Answer)
	} else if resp.AnswerBox.Snippet != "" {
		snippets = append(snippets, resp.AnswerBox.Snippet)
	}
	for i, r := range resp.Organic {
		// Position-based relevance: first hit 1.0, decaying per rank.
		rel := 1.0 - float64(i)*0.05
		if rel < 0.1 {
			rel = 0.1
		}
		outcome.Sources = append(outcome.Sources, models.Source{URL: r.Link, Title: r.Title, Relevance: rel})
		if r.Snippet != "" {
			snippets = append(snippets, r.Snippet)
		}
	}
	outcome.Summary = strings.Join(snippets, "\n")
	return outcome, nil
}

// Brave

type braveProvider struct {
	apiKey string
}

func (p *braveProvider) Name() string    { return "brave" }
func (p *braveProvider) Available() bool { return p.apiKey != "" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (p *braveProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), maxResults)
	headers := map[string]string{
		"X-Subscription-Token": p.apiKey,
		"Accept":               "application/json",
	}
	var resp braveResponse
	if err := searchGet(ctx, endpoint, headers, &resp); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	outcome := &models.SearchOutcome{}
	var snippets []string
	for i, r := range resp.Web.Results {
		rel := 1.0 - float64(i)*0.05
		if rel < 0.1 {
			rel = 0.1
		}
		outcome.Sources = append(outcome.Sources, models.Source{URL: r.URL, Title: r.Title, Relevance: rel})
		if r.Description != "" {
			snippets = append(snippets, r.Description)
		}
	}
	outcome.Summary = strings.Join(snippets, "\n")
	return outcome, nil
}

// SearxNG (self-hosted metasearch)

type searxngProvider struct {
	baseURL string
}

func (p *searxngProvider) Name() string    { return "searxng" }
func (p *searxngProvider) Available() bool { return p.baseURL != "" }

type searxngResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

func (p *searxngProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s&format=json",
		strings.TrimRight(p.baseURL, "/"), url.QueryEscape(query))
	var resp searxngResponse
	if err := searchGet(ctx, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	outcome := &models.SearchOutcome{}
	var snippets []string
	for i, r := range resp.Results {
		if i >= maxResults {
			break
		}
		rel := r.Score
		if rel <= 0 {
			rel = 1.0 - float64(i)*0.05
		}
		outcome.Sources = append(outcome.Sources, models.Source{URL: r.URL, Title: r.Title, Relevance: rel})
		if r.Content != "" {
			snippets = append(snippets, r.Content)
		}
	}
	outcome.Summary = strings.Join(snippets, "\n")
	return outcome, nil
}

// DuckDuckGo instant answer API. Keyless, so it is always available and a
// natural fallback, but it only covers queries with an instant answer.

type duckduckgoProvider struct{}

func (p *duckduckgoProvider) Name() string    { return "duckduckgo" }
func (p *duckduckgoProvider) Available() bool { return true }

type duckduckgoResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (p *duckduckgoProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	endpoint := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1",
		url.QueryEscape(query))
	var resp duckduckgoResponse
	if err := searchGet(ctx, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	outcome := &models.SearchOutcome{Summary: resp.AbstractText}
	if resp.AbstractURL != "" {
		outcome.Sources = append(outcome.Sources, models.Source{
			URL: resp.AbstractURL, Title: resp.Heading, Relevance: 1.0,
		})
	}
	for i, topic := range resp.RelatedTopics {
		if len(outcome.Sources) >= maxResults {
			break
		}
		if topic.FirstURL == "" {
			continue
		}
		outcome.Sources = append(outcome.Sources, models.Source{
			URL: topic.FirstURL, Title: topic.Text, Relevance: 0.8 - float64(i)*0.05,
		})
	}
	return outcome, nil
}

// Model fallback: the LLM answers from parametric knowledge when every real
// search backend fails. It carries a synthetic source so downstream citation
// extraction still works.

type modelProvider struct {
	client *llm.Client
}

func (p *modelProvider) Name() string    { return "model" }
func (p *modelProvider) Available() bool { return p.client != nil }

func (p *modelProvider) Search(ctx context.Context, query, goal string, maxResults int) (*models.SearchOutcome, error) {
	prompt := fmt.Sprintf(`Answer the following research query from your own knowledge.
Be factual and concise; say "unknown" for anything you are not confident about.

Query: %s
Research goal: %s`, query, goal)
	res, err := p.client.Generate(ctx, prompt, llm.Options{Temperature: 0.3})
	if err != nil {
		return nil, fmt.Errorf("model search: %w", err)
	}
	return &models.SearchOutcome{
		Summary: res.Text,
		Sources: []models.Source{{URL: "", Title: "AI Knowledge Base", Relevance: 0.5}},
	}, nil
}
