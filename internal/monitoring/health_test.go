package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/logging"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func check(name string, critical bool, status HealthStatus) HealthChecker {
	return NewHealthCheckFunc(name, critical, func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: status, Message: name}
	})
}

func TestHealthCheckFunc(t *testing.T) {
	c := NewHealthCheckFunc("db", true, func(ctx context.Context) HealthCheck {
		return HealthCheck{Status: HealthStatusHealthy, Message: "ok"}
	})

	assert.Equal(t, "db", c.Name())
	assert.True(t, c.IsCritical())
	assert.Equal(t, HealthStatusHealthy, c.Check(context.Background()).Status)
}

func TestGetHealthAggregates(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthChecker
		want   HealthStatus
	}{
		{
			name: "all healthy",
			checks: []HealthChecker{
				check("a", true, HealthStatusHealthy),
				check("b", false, HealthStatusHealthy),
			},
			want: HealthStatusHealthy,
		},
		{
			name: "non critical failure degrades",
			checks: []HealthChecker{
				check("a", true, HealthStatusHealthy),
				check("b", false, HealthStatusUnhealthy),
			},
			want: HealthStatusDegraded,
		},
		{
			name: "critical degraded check degrades",
			checks: []HealthChecker{
				check("a", true, HealthStatusDegraded),
			},
			want: HealthStatusDegraded,
		},
		{
			name: "critical failure",
			checks: []HealthChecker{
				check("a", true, HealthStatusUnhealthy),
				check("b", false, HealthStatusDegraded),
			},
			want: HealthStatusUnhealthy,
		},
		{
			name: "no checks",
			want: HealthStatusHealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthMonitor(logging.NewNop(), "test")
			for _, c := range tt.checks {
				hm.RegisterCheck(c)
			}

			health := hm.GetHealth(context.Background())
			assert.Equal(t, tt.want, health.Status)
			assert.Equal(t, "test", health.Environment)
			assert.Len(t, health.Checks, len(tt.checks))
			for _, c := range tt.checks {
				got := health.Checks[c.Name()]
				assert.Equal(t, c.Name(), got.Name)
				assert.Equal(t, c.IsCritical(), got.Critical)
			}
		})
	}
}

func TestHTTPHandler(t *testing.T) {
	hm := NewHealthMonitor(logging.NewNop(), "development")
	hm.RegisterCheck(StoreHealthChecker("local", pinger{}))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.NotEmpty(t, health.Version)
	assert.WithinDuration(t, time.Now(), health.Timestamp, time.Minute)
}

func TestHTTPHandlerUnhealthy(t *testing.T) {
	hm := NewHealthMonitor(logging.NewNop(), "production")
	hm.RegisterCheck(StoreHealthChecker("remote", pinger{err: errors.New("connection refused")}))

	rec := httptest.NewRecorder()
	hm.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	store := health.Checks["store"]
	assert.Contains(t, store.Message, "connection refused")
	assert.Equal(t, "remote", store.Metadata["backend"])
}

func TestFileSystemHealthChecker(t *testing.T) {
	ok := FileSystemHealthChecker(t.TempDir()).Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, ok.Status)

	missing := FileSystemHealthChecker("/nonexistent/snipbox").Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, missing.Status)
}

func TestGoroutineHealthChecker(t *testing.T) {
	c := GoroutineHealthChecker()
	assert.False(t, c.IsCritical())

	result := c.Check(context.Background())
	assert.Equal(t, HealthStatusHealthy, result.Status)
	assert.Greater(t, result.Metadata["count"], 0)
}
