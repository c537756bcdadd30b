// Package compute drives the Python sandbox: planning report charts,
// generating and executing chart code, and running one-shot analysis code
// with a single fix-and-retry pass.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SandboxResult is the sandbox execution outcome. Figures are base64 PNGs
// captured from matplotlib savefig calls.
type SandboxResult struct {
	Stdout  string   `json:"stdout"`
	Stderr  string   `json:"stderr"`
	Figures []string `json:"figures"`
	Error   string   `json:"error,omitempty"`
}

// Sandbox executes untrusted Python in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, code string) (*SandboxResult, error)
}

// HTTPSandbox talks to the sandbox sidecar over HTTP.
type HTTPSandbox struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPSandbox(baseURL string, timeout time.Duration) *HTTPSandbox {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSandbox{
		baseURL: baseURL,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout + 5*time.Second},
	}
}

func (s *HTTPSandbox) Execute(ctx context.Context, code string) (*SandboxResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{
		"code":    code,
		"timeout": int(s.timeout.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox request: %w", err)
	}
	req, err := http.NewRequestWithContext(execCtx, http.MethodPost, s.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read sandbox response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox status %d", resp.StatusCode)
	}
	var result SandboxResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	return &result, nil
}
