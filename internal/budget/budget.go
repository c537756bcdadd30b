// Package budget tracks per-run search query allowances and token spend.
package budget

import (
	"sync"

	"github.com/fathomlab/fathom/internal/models"
)

// Ledger enforces the per-run search budget: a larger first wave, smaller
// follow-up waves, and a hard cap across all iterations. It also accumulates
// token usage for cost reporting. Safe for concurrent use.
type Ledger struct {
	mu sync.Mutex

	firstIteration    int
	followupIteration int
	maxTotal          int

	executed int
	tokens   models.TokenInfo
}

// NewLedger builds a ledger; non-positive dials fall back to the documented
// defaults (5 first, 3 follow-up, 15 total).
func NewLedger(firstIteration, followupIteration, maxTotal int) *Ledger {
	if firstIteration <= 0 {
		firstIteration = 5
	}
	if followupIteration <= 0 {
		followupIteration = 3
	}
	if maxTotal <= 0 {
		maxTotal = 15
	}
	return &Ledger{
		firstIteration:    firstIteration,
		followupIteration: followupIteration,
		maxTotal:          maxTotal,
	}
}

// Allowance returns how many queries the given iteration may run:
// min(per-iteration allowance, remaining total). Iterations are 1-based.
func (l *Ledger) Allowance(iteration int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	perIter := l.followupIteration
	if iteration <= 1 {
		perIter = l.firstIteration
	}
	remaining := l.maxTotal - l.executed
	if remaining <= 0 {
		return 0
	}
	if perIter > remaining {
		return remaining
	}
	return perIter
}

// Record counts executed queries against the total cap.
func (l *Ledger) Record(queries int) {
	l.mu.Lock()
	l.executed += queries
	l.mu.Unlock()
}

// Executed returns the number of queries spent so far.
func (l *Ledger) Executed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed
}

// Exhausted reports whether the total query cap is spent.
func (l *Ledger) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executed >= l.maxTotal
}

// AddTokens accumulates token usage from one LLM call.
func (l *Ledger) AddTokens(info models.TokenInfo) {
	l.mu.Lock()
	l.tokens.Add(info)
	l.mu.Unlock()
}

// Tokens returns the accumulated token usage.
func (l *Ledger) Tokens() models.TokenInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}
