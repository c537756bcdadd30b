// Package health aggregates dependency liveness checks for the gateway.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Critical  bool          `json:"critical"`
	Error     string        `json:"error,omitempty"`
	LatencyMs int64         `json:"latency_ms"`
	Duration  time.Duration `json:"-"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) error
}

// Report is the aggregated snapshot served at /healthz.
type Report struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks,omitempty"`
}

const checkTimeout = 5 * time.Second

// Manager runs registered checkers concurrently and aggregates their status.
// A failing critical checker makes the whole report unhealthy; a failing
// optional checker only degrades it.
type Manager struct {
	mu       sync.Mutex
	checkers []Checker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Run executes all checks with a shared deadline.
func (m *Manager) Run(ctx context.Context) Report {
	m.mu.Lock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{
				Component: c.Name(),
				Status:    StatusHealthy,
				Critical:  c.Critical(),
				Duration:  time.Since(start),
			}
			res.LatencyMs = res.Duration.Milliseconds()
			if err != nil {
				res.Status = StatusUnhealthy
				res.Error = err.Error()
				m.logger.Warn("health check failed",
					zap.String("component", c.Name()),
					zap.Error(err),
				)
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	report := Report{Status: StatusHealthy, Checks: results}
	for _, res := range results {
		if res.Status != StatusUnhealthy {
			continue
		}
		if res.Critical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	ComponentName string
	IsCritical    bool
	Fn            func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.ComponentName }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
