package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func check(name string, critical bool, err error) Checker {
	return CheckFunc{
		ComponentName: name,
		IsCritical:    critical,
		Fn:            func(context.Context) error { return err },
	}
}

func TestAllHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(check("a", true, nil))
	m.Register(check("b", false, nil))

	report := m.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
}

func TestOptionalFailureDegrades(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(check("temporal", true, nil))
	m.Register(check("redis", false, errors.New("connection refused")))

	report := m.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestCriticalFailureUnhealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	m.Register(check("temporal", true, errors.New("dial failed")))
	m.Register(check("redis", false, errors.New("connection refused")))

	report := m.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	for _, res := range report.Checks {
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.NotEmpty(t, res.Error)
	}
}

func TestNoCheckersHealthy(t *testing.T) {
	m := NewManager(zap.NewNop())
	report := m.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}
