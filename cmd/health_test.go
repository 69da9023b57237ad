package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/server"
	"github.com/conneroisu/snipbox/internal/store"
)

func startServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data.json")
	st, err := store.OpenLocal(ctx, cfg.Storage.Path, store.LocalOptions{Seed: true})
	require.NoError(t, err)
	srv, err := server.New(server.Options{Config: cfg, Store: st})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = st.Close()
	})
	return ts.URL
}

func TestHealthCommand(t *testing.T) {
	url := startServer(t)

	out, _, err := execute(t, "health", "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "is healthy")
	assert.Contains(t, out, "CHECK")

	out, _, err = execute(t, "health", "--url", url+"/", "-f", "json")
	require.NoError(t, err)
	var health monitoring.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(out), &health))
	assert.Equal(t, monitoring.HealthStatusHealthy, health.Status)
	assert.NotEmpty(t, health.Checks)
}

func TestHealthCommandReportsUnhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(monitoring.HealthResponse{
			Status: monitoring.HealthStatusUnhealthy,
			Checks: map[string]monitoring.HealthCheck{
				"store": {Name: "store", Status: monitoring.HealthStatusUnhealthy, Message: "down", Critical: true},
			},
		})
	}))
	defer ts.Close()

	out, _, err := execute(t, "health", "--url", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
	assert.Contains(t, out, "down")
}

func TestHealthCommandUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, _, err := execute(t, "health", "--url", url, "--timeout", "500ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not responding")
}
