package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/fanout-go/internal/rabbitmq"
)

// ConnectionSource is the part of a client the connection checker reads
type ConnectionSource interface {
	State() rabbitmq.ConnectionState
	IsReady() bool
	Simulated() bool
}

// ConnectionChecker reports the broker connection of a client
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a checker for source
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

// Name implements Checker
func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

// Check is healthy once topology is in place, degraded while connecting and
// unhealthy otherwise. Simulated clients are always healthy.
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	state := c.source.State()
	ready := c.source.IsReady()
	result.Details["state"] = state.String()
	result.Details["ready"] = ready

	switch {
	case c.source.Simulated():
		result.Status = StatusHealthy
		result.Message = "simulated mode"
		result.Details["simulated"] = true
	case state == rabbitmq.StateConnected && ready:
		result.Status = StatusHealthy
		result.Message = "connected"
	case state == rabbitmq.StateConnecting || state == rabbitmq.StateConnected:
		result.Status = StatusDegraded
		result.Message = "connecting to broker"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker flags runaway goroutine counts
type MemoryChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewMemoryChecker creates a checker that degrades above warningThreshold
// goroutines and fails above criticalThreshold
func NewMemoryChecker(warningThreshold, criticalThreshold int) *MemoryChecker {
	return &MemoryChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

// Name implements Checker
func (c *MemoryChecker) Name() string {
	return "memory"
}

// Check implements Checker
func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "memory usage is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps an arbitrary check function
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker named name around checker
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

// Name implements Checker
func (c *ComponentChecker) Name() string {
	return c.name
}

// Check runs the wrapped function. An error with no status is unhealthy.
func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
		if status == "" {
			result.Status = StatusUnhealthy
		}
	}
	result.Duration = time.Since(start)
	return result
}
