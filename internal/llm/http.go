package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fathomlab/fathom/internal/errclass"
)

var httpClient = &http.Client{Timeout: 180 * time.Second}

// statusError converts a non-2xx provider response into a classified error.
// Rate limits and server-side failures are retryable; client errors are not.
func statusError(provider string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	err := fmt.Errorf("%s: HTTP %d: %s", provider, status, msg)
	switch {
	case status == http.StatusTooManyRequests:
		return errclass.New(errclass.CategoryLLM, fmt.Errorf("rate_limit: %w", err))
	case status >= 500:
		return errclass.New(errclass.CategoryLLM, fmt.Errorf("api_error: %w", err))
	case status == http.StatusNotFound:
		return errclass.NewWithRetry(errclass.CategoryLLM, false, fmt.Errorf("model_not_found: %w", err))
	default:
		return errclass.NewWithRetry(errclass.CategoryLLM, false, err)
	}
}

// postJSON issues a JSON POST and decodes a JSON response into out.
func postJSON(ctx context.Context, provider, url string, headers map[string]string, reqBody, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errclass.New(errclass.CategoryBusiness, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return errclass.New(errclass.CategoryNetwork, fmt.Errorf("%s call failed: %w", provider, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(provider, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errclass.New(errclass.CategoryBusiness, fmt.Errorf("decode %s response: %w", provider, err))
	}
	return nil
}

// openSSE issues a JSON POST expecting a text/event-stream response and
// returns the response for line scanning. Caller closes the body.
func openSSE(req *http.Request, provider string) (*http.Response, error) {
	req.Header.Set("Accept", "text/event-stream")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errclass.New(errclass.CategoryNetwork, fmt.Errorf("%s stream failed: %w", provider, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusError(provider, resp.StatusCode, body)
	}
	return resp, nil
}

// scanSSE reads "data: ..." lines from an SSE body and invokes handle per
// payload. A handle returning false stops the scan.
func scanSSE(body io.Reader, handle func(data string) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if !handle(data) {
			return nil
		}
	}
	return scanner.Err()
}
