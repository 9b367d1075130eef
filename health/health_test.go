package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glimte/fanout-go/internal/jsoncodec"
	"github.com/glimte/fanout-go/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks is healthy", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins over degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, s := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), s))
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}

	t.Run("slow checks are unhealthy when the context ends", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("fast", StatusHealthy))
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		report := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
		assert.Equal(t, "check timed out", report.Checks["slow"].Message)
	})

	t.Run("metadata and unregister", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("service", "billing")
		registry.Register(staticChecker("broken", StatusUnhealthy))
		registry.Unregister("broken")

		report := registry.Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Equal(t, "billing", report.Metadata["service"])
	})
}

func TestHandlers(t *testing.T) {
	t.Run("health report is JSON with status code from the result", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("rabbitmq", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var report OverallHealth
		require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Contains(t, report.Checks, "rabbitmq")
	})

	t.Run("degraded still answers 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("rabbitmq", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("readiness", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(staticChecker("rabbitmq", StatusUnhealthy))

		rec := httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "not ready", rec.Body.String())

		registry.Register(staticChecker("rabbitmq", StatusHealthy))
		rec = httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()
		LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alive", rec.Body.String())
	})
}

type fakeSource struct {
	state     rabbitmq.ConnectionState
	ready     bool
	simulated bool
}

func (f fakeSource) State() rabbitmq.ConnectionState { return f.state }
func (f fakeSource) IsReady() bool                   { return f.ready }
func (f fakeSource) Simulated() bool                 { return f.simulated }

func TestConnectionChecker(t *testing.T) {
	tests := []struct {
		name   string
		source fakeSource
		want   Status
	}{
		{"connected and ready", fakeSource{state: rabbitmq.StateConnected, ready: true}, StatusHealthy},
		{"connected without topology", fakeSource{state: rabbitmq.StateConnected}, StatusDegraded},
		{"connecting", fakeSource{state: rabbitmq.StateConnecting}, StatusDegraded},
		{"disconnected", fakeSource{state: rabbitmq.StateDisconnected}, StatusUnhealthy},
		{"closing", fakeSource{state: rabbitmq.StateClosing}, StatusUnhealthy},
		{"simulated", fakeSource{state: rabbitmq.StateDisconnected, ready: true, simulated: true}, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewConnectionChecker(tt.source).Check(context.Background())
			assert.Equal(t, "rabbitmq", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.source.state.String(), result.Details["state"])
		})
	}
}

func TestMemoryChecker(t *testing.T) {
	t.Run("healthy under generous thresholds", func(t *testing.T) {
		result := NewMemoryChecker(100000, 200000).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")
	})

	t.Run("unhealthy above the critical threshold", func(t *testing.T) {
		result := NewMemoryChecker(-2, -1).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
	})

	t.Run("degraded above the warning threshold", func(t *testing.T) {
		result := NewMemoryChecker(-1, 100000).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
	})
}

func TestComponentChecker(t *testing.T) {
	t.Run("passes status through", func(t *testing.T) {
		c := NewComponentChecker("cache", func(ctx context.Context) (Status, string, map[string]any, error) {
			return StatusDegraded, "slow", map[string]any{"latency_ms": 250}, nil
		})

		result := c.Check(context.Background())
		assert.Equal(t, "cache", result.Name)
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, 250, result.Details["latency_ms"])
	})

	t.Run("an error without status is unhealthy", func(t *testing.T) {
		c := NewComponentChecker("cache", func(ctx context.Context) (Status, string, map[string]any, error) {
			return "", "", nil, errors.New("unreachable")
		})

		result := c.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "unreachable", result.Error)
	})
}
