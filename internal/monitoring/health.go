package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/version"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// HealthCheck is the result of one check.
type HealthCheck struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Critical bool                   `json:"critical"`
}

// HealthChecker defines the interface for health check functions
type HealthChecker interface {
	Check(ctx context.Context) HealthCheck
	Name() string
	IsCritical() bool
}

// HealthCheckFunc is a function that implements HealthChecker
type HealthCheckFunc struct {
	name     string
	checkFn  func(ctx context.Context) HealthCheck
	critical bool
}

// NewHealthCheckFunc creates a new health check function
func NewHealthCheckFunc(name string, critical bool, checkFn func(ctx context.Context) HealthCheck) *HealthCheckFunc {
	return &HealthCheckFunc{name: name, checkFn: checkFn, critical: critical}
}

func (h *HealthCheckFunc) Check(ctx context.Context) HealthCheck { return h.checkFn(ctx) }
func (h *HealthCheckFunc) Name() string                          { return h.name }
func (h *HealthCheckFunc) IsCritical() bool                      { return h.critical }

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version"`
	Uptime      string                 `json:"uptime"`
	Environment string                 `json:"environment,omitempty"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// HealthMonitor runs the registered checks on demand.
type HealthMonitor struct {
	checks      map[string]HealthChecker
	mutex       sync.RWMutex
	logger      logging.Logger
	timeout     time.Duration
	environment string
	started     time.Time
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(logger logging.Logger, environment string) *HealthMonitor {
	return &HealthMonitor{
		checks:      make(map[string]HealthChecker),
		logger:      logger.WithComponent("health_monitor"),
		timeout:     5 * time.Second,
		environment: environment,
		started:     time.Now(),
	}
}

// RegisterCheck registers a health check
func (hm *HealthMonitor) RegisterCheck(checker HealthChecker) {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()
	hm.checks[checker.Name()] = checker
}

// GetHealth runs every check concurrently and aggregates the results.
func (hm *HealthMonitor) GetHealth(ctx context.Context) HealthResponse {
	hm.mutex.RLock()
	checks := make([]HealthChecker, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mutex.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]HealthCheck, len(checks))
	)
	for _, checker := range checks {
		wg.Add(1)
		go func(checker HealthChecker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Name = checker.Name()
			result.Critical = checker.IsCritical()
			result.Duration = time.Since(start)

			if result.Status != HealthStatusHealthy {
				hm.logger.Warn(ctx, nil, "Health check failed",
					"name", result.Name,
					"status", string(result.Status),
					"message", result.Message)
			}

			mu.Lock()
			results[result.Name] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	return HealthResponse{
		Status:      overallStatus(results),
		Timestamp:   time.Now(),
		Version:     version.Short(),
		Uptime:      time.Since(hm.started).Truncate(time.Second).String(),
		Environment: hm.environment,
		Checks:      results,
	}
}

// overallStatus is unhealthy when a critical check fails and degraded when
// any other check is not healthy.
func overallStatus(checks map[string]HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, check := range checks {
		switch {
		case check.Critical && check.Status == HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case check.Status != HealthStatusHealthy:
			status = HealthStatusDegraded
		}
	}
	return status
}

// HTTPHandler returns an HTTP handler for health checks
func (hm *HealthMonitor) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(health); err != nil {
			hm.logger.Error(r.Context(), err, "Failed to encode health response")
		}
	}
}

// Pinger is implemented by collaborators that can verify their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthChecker reports whether the component store answers.
func StoreHealthChecker(name string, p Pinger) HealthChecker {
	return NewHealthCheckFunc("store", true, func(ctx context.Context) HealthCheck {
		if err := p.Ping(ctx); err != nil {
			return HealthCheck{
				Status:   HealthStatusUnhealthy,
				Message:  fmt.Sprintf("%s store unavailable: %v", name, err),
				Metadata: map[string]interface{}{"backend": name},
			}
		}
		return HealthCheck{
			Status:   HealthStatusHealthy,
			Message:  name + " store reachable",
			Metadata: map[string]interface{}{"backend": name},
		}
	})
}

// GoroutineHealthChecker checks for goroutine leaks
func GoroutineHealthChecker() HealthChecker {
	return NewHealthCheckFunc("goroutines", false, func(ctx context.Context) HealthCheck {
		goroutines := runtime.NumGoroutine()

		status := HealthStatusHealthy
		message := "Goroutine count is normal"
		if goroutines > 10000 {
			status = HealthStatusDegraded
			message = fmt.Sprintf("High goroutine count: %d", goroutines)
		}

		return HealthCheck{
			Status:   status,
			Message:  message,
			Metadata: map[string]interface{}{"count": goroutines},
		}
	})
}

// FileSystemHealthChecker checks that dir is writable.
func FileSystemHealthChecker(dir string) HealthChecker {
	return NewHealthCheckFunc("filesystem", true, func(ctx context.Context) HealthCheck {
		f, err := os.CreateTemp(dir, ".health_check_*")
		if err != nil {
			return HealthCheck{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("Cannot write to %s: %v", dir, err),
			}
		}
		name := f.Name()
		_ = f.Close()
		if err := os.Remove(name); err != nil {
			return HealthCheck{
				Status:  HealthStatusDegraded,
				Message: fmt.Sprintf("Cannot remove temp file: %v", err),
			}
		}
		return HealthCheck{Status: HealthStatusHealthy, Message: "Filesystem is writable"}
	})
}
