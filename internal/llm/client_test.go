package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathomlab/fathom/internal/errclass"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

type fakeProvider struct {
	name      string
	available bool
	results   []func() (*Result, error)
	calls     int
	chunks    []Chunk
	streamErr error
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) Generate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]()
}

func (f *fakeProvider) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	f.calls++
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan Chunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func ok(text string) func() (*Result, error) {
	return func() (*Result, error) {
		return &Result{Text: text, Tokens: models.TokenInfo{TotalTokens: 10}}, nil
	}
}

func fail(err error) func() (*Result, error) {
	return func() (*Result, error) { return nil, err }
}

func TestGenerateFallbackOrdering(t *testing.T) {
	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){fail(errors.New("rate_limit hit"))}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){ok("answer from B")}}
	c := &fakeProvider{name: "C", available: true, results: []func() (*Result, error){ok("answer from C")}}

	client := NewClientWithProviders(zap.NewNop(), a, b, c)
	res, err := client.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "answer from B", res.Text)
	assert.Equal(t, "B", res.Provider)
	assert.Equal(t, "B", client.LastProvider())
	assert.Equal(t, 0, c.calls, "C must not be tried after B succeeds")
}

func TestGenerateNonRetryablePropagates(t *testing.T) {
	bizErr := errclass.New(errclass.CategoryBusiness, errors.New("bad request"))
	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){fail(bizErr)}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){ok("unreachable")}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	_, err := client.Generate(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Equal(t, errclass.CategoryBusiness, errclass.Classify(err))
	assert.Equal(t, 0, b.calls)
}

func TestGenerateSoftErrorTreatedAsFailure(t *testing.T) {
	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){ok("[Provider Error] something broke")}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){ok("real answer")}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	res, err := client.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "real answer", res.Text)
	assert.Equal(t, "B", client.LastProvider())
}

func TestGenerateSkipsUnavailableProviders(t *testing.T) {
	a := &fakeProvider{name: "A", available: false, results: []func() (*Result, error){ok("no key")}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){ok("served")}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	res, err := client.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "served", res.Text)
	assert.Equal(t, 0, a.calls)
}

func TestGenerateAllExhausted(t *testing.T) {
	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){fail(errors.New("connection refused"))}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){fail(errors.New("api_error: 503"))}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	_, err := client.Generate(context.Background(), "q", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_error")
}

func TestSingleProviderNoFallback(t *testing.T) {
	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){ok("only")}}
	client := NewClientWithProviders(zap.NewNop(), a)
	res, err := client.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)
	assert.Equal(t, "only", res.Text)
	assert.Equal(t, 1, a.calls)
}

func TestStreamCommitsToFirstProviderWithChunk(t *testing.T) {
	a := &fakeProvider{name: "A", available: true, streamErr: errors.New("stream timeout")}
	b := &fakeProvider{name: "B", available: true, chunks: []Chunk{{Text: "hel"}, {Text: "lo"}, {Done: true}}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	ch, err := client.Stream(context.Background(), "q", Options{})
	require.NoError(t, err)

	var text string
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		text += chunk.Text
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, "B", client.LastProvider())
}

func TestGenerateCountsCallsAndTokens(t *testing.T) {
	failBefore := testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("A", "error"))
	okBefore := testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("B", "ok"))
	promptBefore := testutil.ToFloat64(metrics.LLMTokensTotal.WithLabelValues("B", "prompt"))
	completionBefore := testutil.ToFloat64(metrics.LLMTokensTotal.WithLabelValues("B", "completion"))

	a := &fakeProvider{name: "A", available: true, results: []func() (*Result, error){fail(errors.New("rate_limit hit"))}}
	b := &fakeProvider{name: "B", available: true, results: []func() (*Result, error){func() (*Result, error) {
		return &Result{Text: "counted", Tokens: models.TokenInfo{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}}, nil
	}}}

	client := NewClientWithProviders(zap.NewNop(), a, b)
	_, err := client.Generate(context.Background(), "q", Options{})
	require.NoError(t, err)

	assert.Equal(t, failBefore+1, testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("A", "error")))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.LLMCallsTotal.WithLabelValues("B", "ok")))
	assert.Equal(t, promptBefore+12, testutil.ToFloat64(metrics.LLMTokensTotal.WithLabelValues("B", "prompt")))
	assert.Equal(t, completionBefore+30, testutil.ToFloat64(metrics.LLMTokensTotal.WithLabelValues("B", "completion")))
}

func TestSoftErrorDetection(t *testing.T) {
	assert.True(t, isSoftError("[OpenAI Error] rate limited"))
	assert.True(t, isSoftError("  [Gemini Error] blocked"))
	assert.False(t, isSoftError("normal [1] citation text"))
	assert.False(t, isSoftError("Error] but no bracket prefix"))
}

func TestEstimateTokensMarked(t *testing.T) {
	info := estimateTokens("one two three", "four five")
	assert.Equal(t, 3, info.PromptTokens)
	assert.Equal(t, 2, info.CompletionTokens)
	assert.Equal(t, 5, info.TotalTokens)
	assert.True(t, info.Estimated)
}
