package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readyReport(t *testing.T, h *HealthHandler) (int, HealthReport) {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var report HealthReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	return w.Code, report
}

func passing(name string) HealthCheck {
	return NewCheck(name, func(context.Context) error { return nil })
}

func TestHealthHandler_HandleLive(t *testing.T) {
	h := NewHealthHandler(zap.NewNop())
	// 存活探针不执行依赖检查
	h.RegisterCheck(NewCheck("redis", func(context.Context) error { return errors.New("down") }))

	w := httptest.NewRecorder()
	h.HandleLive(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report HealthReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.NotEmpty(t, report.Uptime)
	assert.Empty(t, report.Checks)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		want   int
		status string
		failed []string
	}{
		{name: "no checks", want: http.StatusOK, status: HealthStatusHealthy},
		{
			name:   "all pass",
			checks: []HealthCheck{passing("database"), passing("redis")},
			want:   http.StatusOK,
			status: HealthStatusHealthy,
		},
		{
			name: "database down",
			checks: []HealthCheck{
				NewCheck("database", func(context.Context) error { return errors.New("connection refused") }),
				passing("redis"),
			},
			want:   http.StatusServiceUnavailable,
			status: HealthStatusUnhealthy,
			failed: []string{"database"},
		},
		{
			name: "optional redis down",
			checks: []HealthCheck{
				passing("database"),
				Optional(NewCheck("redis", func(context.Context) error { return errors.New("connection refused") })),
			},
			want:   http.StatusOK,
			status: HealthStatusDegraded,
			failed: []string{"redis"},
		},
		{
			name: "critical beats optional",
			checks: []HealthCheck{
				Optional(NewCheck("redis", func(context.Context) error { return errors.New("connection refused") })),
				NewCheck("database", func(context.Context) error { return errors.New("connection refused") }),
			},
			want:   http.StatusServiceUnavailable,
			status: HealthStatusUnhealthy,
			failed: []string{"redis", "database"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(nil)
			for _, c := range tt.checks {
				h.RegisterCheck(c)
			}
			code, report := readyReport(t, h)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, tt.status, report.Status)
			assert.Len(t, report.Checks, len(tt.checks))
			for name, res := range report.Checks {
				if contains(tt.failed, name) {
					assert.Equal(t, "fail", res.Status, name)
					assert.Equal(t, "connection refused", res.Message)
				} else {
					assert.Equal(t, "pass", res.Status, name)
				}
			}
		})
	}
}

func contains(list []string, s string) bool { return slices.Contains(list, s) }

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	h := NewHealthHandler(nil).WithCheckTimeout(2 * time.Second)

	// 两个检查互相等待，串行执行时第一个会超时
	a, b := make(chan struct{}), make(chan struct{})
	meet := func(mine, theirs chan struct{}) func(context.Context) error {
		return func(ctx context.Context) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	h.RegisterCheck(NewCheck("a", meet(a, b)))
	h.RegisterCheck(NewCheck("b", meet(b, a)))

	code, report := readyReport(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pass", report.Checks["a"].Status)
	assert.Equal(t, "pass", report.Checks["b"].Status)
}

func TestHealthHandler_CheckTimeout(t *testing.T) {
	h := NewHealthHandler(nil).WithCheckTimeout(20 * time.Millisecond)
	h.RegisterCheck(NewCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	code, report := readyReport(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, report.Checks["slow"].Message, "deadline exceeded")
}

func TestHealthHandler_Draining(t *testing.T) {
	h := NewHealthHandler(nil)
	called := false
	h.RegisterCheck(NewCheck("database", func(context.Context) error {
		called = true
		return nil
	}))

	h.SetDraining(true)
	code, report := readyReport(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, HealthStatusDraining, report.Status)
	assert.False(t, called, "checks are skipped while draining")

	h.SetDraining(false)
	code, _ = readyReport(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, called)
}

func TestHealthHandler_Details(t *testing.T) {
	h := NewHealthHandler(nil)
	h.RegisterDetail("pool", func() any { return map[string]int{"queued": 3} })

	code, report := readyReport(t, h)
	require.Equal(t, http.StatusOK, code)
	pool, ok := report.Details["pool"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), pool["queued"])
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	h := NewHealthHandler(nil)
	w := httptest.NewRecorder()
	h.HandleVersion("1.0.0", "2026-01-01T00:00:00Z", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info VersionInfo
	resp := decodeData(t, w, &info)
	assert.True(t, resp.Success)
	assert.Equal(t, VersionInfo{
		Version:   "1.0.0",
		BuildTime: "2026-01-01T00:00:00Z",
		GitCommit: "abc123",
		GoVersion: runtime.Version(),
	}, info)
}

func TestOptional_KeepsName(t *testing.T) {
	c := Optional(passing("redis"))
	assert.Equal(t, "redis", c.Name())
	assert.True(t, isOptional(c))
	assert.False(t, isOptional(passing("database")))
}
