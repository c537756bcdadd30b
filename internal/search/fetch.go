package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

const (
	fetchTimeout     = 15 * time.Second
	fetchMaxBody     = 2 << 20
	fetchMaxPageText = 20000
)

// HTTPFetcher fetches pages concurrently and extracts readable text.
type HTTPFetcher struct {
	client *http.Client
	logger *zap.Logger
}

func NewHTTPFetcher(logger *zap.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger,
	}
}

// FetchMultiple fetches all URLs concurrently. Failed fetches are simply
// absent from the result map.
func (f *HTTPFetcher) FetchMultiple(ctx context.Context, urls []string) map[string]string {
	results := make(map[string]string, len(urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			text, err := f.fetch(ctx, u)
			if err != nil {
				f.logger.Debug("page fetch failed", zap.String("url", u), zap.Error(err))
				return
			}
			mu.Lock()
			results[u] = text
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	return results
}

func (f *HTTPFetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; fathom-research/1.0)")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return "", fmt.Errorf("unsupported content type %q", ct)
	}
	text, err := extractText(io.LimitReader(resp.Body, fetchMaxBody))
	if err != nil {
		return "", err
	}
	if len(text) > fetchMaxPageText {
		text = text[:fetchMaxPageText] + "... [truncated]"
	}
	return text, nil
}

// extractText walks the HTML tree collecting visible text, skipping script,
// style, and navigation chrome.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "nav", "header", "footer", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String()), nil
}
