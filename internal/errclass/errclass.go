// Package errclass classifies failures into a small taxonomy and provides
// retry with exponential backoff for the retryable categories.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Category is the failure taxonomy used across the pipeline.
type Category string

const (
	CategoryNetwork       Category = "network"
	CategoryLLM           Category = "llm"
	CategoryResourceLimit Category = "resource_limit"
	CategoryBusiness      Category = "business"
	CategoryUnknown       Category = "unknown"
)

// Retryable reports whether the category is eligible for retry.
func (c Category) Retryable() bool {
	return c == CategoryNetwork || c == CategoryLLM
}

// Classified is a structured failure carrying its category and an explicit
// retryable flag. When a Classified error is seen, its flag is trusted
// verbatim over keyword matching.
type Classified struct {
	Category Category
	Retry    bool
	Err      error
}

func (e *Classified) Error() string {
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Classified) Unwrap() error { return e.Err }

// New wraps err with an explicit category; retryability follows the category.
func New(category Category, err error) *Classified {
	return &Classified{Category: category, Retry: category.Retryable(), Err: err}
}

// NewWithRetry wraps err with an explicit category and retryable override.
func NewWithRetry(category Category, retryable bool, err error) *Classified {
	return &Classified{Category: category, Retry: retryable, Err: err}
}

var networkKeywords = []string{
	"timeout", "connection", "dns", "ssl", "socket", "unreachable",
	"deadline exceeded", "broken pipe", "reset by peer", "no such host",
}

var llmKeywords = []string{
	"rate_limit", "rate limit", "context_length", "context length",
	"content_filter", "content filter", "model_not_found", "api_error",
	"overloaded", "too many requests", "quota exceeded for model",
}

var resourceKeywords = []string{
	"memory", "disk", "quota", "oom", "out of space",
}

var businessKeywords = []string{
	"invalid input", "missing key", "type error", "validation failed",
	"cannot unmarshal", "invalid character",
}

// Classify maps a failure to its category. Structured Classified errors are
// trusted verbatim; everything else is matched by keyword groups against the
// message.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range llmKeywords {
		if strings.Contains(msg, kw) {
			return CategoryLLM
		}
	}
	for _, kw := range networkKeywords {
		if strings.Contains(msg, kw) {
			return CategoryNetwork
		}
	}
	for _, kw := range resourceKeywords {
		if strings.Contains(msg, kw) {
			return CategoryResourceLimit
		}
	}
	for _, kw := range businessKeywords {
		if strings.Contains(msg, kw) {
			return CategoryBusiness
		}
	}
	return CategoryUnknown
}

// IsRetryable reports whether a failure should be retried. A structured
// Classified error's flag wins; otherwise the classified category decides.
func IsRetryable(err error) bool {
	var ce *Classified
	if errors.As(err, &ce) {
		return ce.Retry
	}
	return Classify(err).Retryable()
}

// RetryConfig controls the retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Categories overrides the default retryable set when non-empty.
	Categories []Category
	Logger     *zap.Logger
}

// DefaultRetryConfig is the per-call default: up to 2 retries, 1s base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, BaseDelay: time.Second}
}

// Backoff returns the delay before the given retry attempt (0-based):
// baseDelay * 2^attempt.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return base * (1 << uint(attempt))
}

// Retry runs op, retrying on retryable failures with exponential backoff.
// When attempts are exhausted, the last failure propagates unchanged.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := Backoff(cfg.BaseDelay, attempt-1)
			if cfg.Logger != nil {
				cfg.Logger.Info("retrying after failure",
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay),
					zap.Error(lastErr),
				)
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(delay):
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryableFor(cfg, lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func retryableFor(cfg RetryConfig, err error) bool {
	if len(cfg.Categories) == 0 {
		return IsRetryable(err)
	}
	cat := Classify(err)
	for _, c := range cfg.Categories {
		if c == cat {
			return true
		}
	}
	return false
}
