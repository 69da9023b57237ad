package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-h/templ"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/security"
)

const testOrigin = "http://localhost:7070"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Environment:    "development",
			AllowedOrigins: []string{testOrigin},
		},
	}
}

func counter(t *testing.T, m *monitoring.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() == name {
			for _, metric := range f.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	c := &Chain{}
	c.Add(mark("outer"))
	c.Add(mark("middle"))
	c.Add(mark("inner"))
	h := c.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "middle", "inner", "handler"}, order)
	assert.Equal(t, 3, c.Len())
}

func TestNewChain_RequiresDependencies(t *testing.T) {
	assert.Panics(t, func() { NewChain(Dependencies{}) })
	assert.Panics(t, func() { NewChain(Dependencies{Config: testConfig()}) })
}

func TestNewChain_DefaultStack(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.RequestsPerSecond = 100
	cfg.Limits.Burst = 10

	c := NewChain(Dependencies{
		Config:  cfg,
		Origins: security.NewOriginAllowList(cfg.Server.AllowedOrigins),
	})
	require.NotNil(t, c.RateLimiter())
	assert.Equal(t, 5, c.Len())

	h := c.Apply(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("security headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
		assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	})

	t.Run("foreign post rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/components", nil)
		req.Header.Set("Origin", "https://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("allowed post", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/components", nil)
		req.Header.Set("Origin", testOrigin)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRecover(t *testing.T) {
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})

	t.Run("api callers get json", func(t *testing.T) {
		metrics := monitoring.NewMetrics()
		h := Recover(nil, metrics, nil)(boom)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/components", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, errors.ErrCodeInternalError, body.Code)
		assert.NotContains(t, body.Error, "kaboom", "panic values are not leaked")
		assert.Equal(t, 1.0, counter(t, metrics, "snipbox_http_panics_recovered_total"))
	})

	t.Run("browsers get the fallback view", func(t *testing.T) {
		h := Recover(nil, nil, nil)(boom)

		req := httptest.NewRequest(http.MethodGet, "/components/1?q=<b>", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
		body := rec.Body.String()
		assert.Contains(t, body, "data-snipbox-fallback")
		assert.Contains(t, body, "Try again")
		assert.NotContains(t, body, "<b>")
	})

	t.Run("custom fallback", func(t *testing.T) {
		var got string
		view := func(retry string) templ.Component {
			got = retry
			return DefaultFallback(retry)
		}
		h := Recover(nil, nil, view)(boom)
		req := httptest.NewRequest(http.MethodGet, "/editor/1?x=1", nil)
		req.Header.Set("Accept", "text/html")
		h.ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, "/editor/1?x=1", got)
	})

	t.Run("started responses are left alone", func(t *testing.T) {
		h := Recover(nil, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			panic("late")
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("abort handler propagates", func(t *testing.T) {
		h := Recover(nil, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})
}

func TestRequestLogging(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := RequestLogging(logging.NewNop(), metrics)(mux)

	req := httptest.NewRequest(http.MethodGet, "/items/42", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() != "snipbox_http_requests_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["route"] == "GET /items/{id}" && labels["status"] == "418" {
				found = true
			}
		}
	}
	assert.True(t, found, "requests are labelled by route pattern")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/1", nil))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36, "a missing id is generated")
}

func TestCORS(t *testing.T) {
	h := CORS(security.NewOriginAllowList([]string{testOrigin}))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		method     string
		origin     string
		preflight  bool
		wantStatus int
		wantAllow  string
	}{
		{"allowed origin", http.MethodGet, testOrigin, false, http.StatusOK, testOrigin},
		{"foreign origin", http.MethodGet, "https://other.example", false, http.StatusOK, ""},
		{"preflight", http.MethodOptions, testOrigin, true, http.StatusNoContent, testOrigin},
		{"foreign preflight", http.MethodOptions, "https://other.example", true, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/components", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodDelete)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.preflight && tt.wantAllow != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := PerMinute(2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))

	d := rl.Check("a")
	assert.False(t, d.Allowed)
	assert.InDelta(t, 30*time.Second, d.RetryAfter, float64(time.Second))

	assert.True(t, rl.Allow("b"), "keys have separate budgets")

	now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("a"), "tokens refill over time")

	assert.Equal(t, 2, rl.Len())
	now = now.Add(bucketExpiry + time.Second)
	assert.Equal(t, 2, rl.Sweep())
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := PerMinute(0)
	for i := 0; i < 1000; i++ {
		require.True(t, rl.Allow("k"))
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics()
	rl := NewRateLimiter(1, 1)
	h := RateLimitMiddleware(rl, nil, metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeRateLimited, body.Code)
	assert.Equal(t, 1.0, counter(t, metrics, "snipbox_http_rate_limited_total"))
}

func TestMutationLimitMiddleware(t *testing.T) {
	limits := NewMutationLimits(config.LimitsConfig{CreatesPerMinute: 1, UpdatesPerMinute: 2, DeletesPerMinute: 1})
	user := func(r *http.Request) string { return r.Header.Get("X-Snipbox-User") }
	h := MutationLimitMiddleware(limits, user, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(method, who string) int {
		req := httptest.NewRequest(method, "/api/components", strings.NewReader("{}"))
		req.Header.Set("X-Snipbox-User", who)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodPost, "alice"))
	assert.Equal(t, http.StatusTooManyRequests, send(http.MethodPost, "alice"))
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "bob"), "budgets are per user")

	assert.Equal(t, http.StatusOK, send(http.MethodPut, "alice"))
	assert.Equal(t, http.StatusOK, send(http.MethodPatch, "alice"))
	assert.Equal(t, http.StatusTooManyRequests, send(http.MethodPut, "alice"))

	assert.Equal(t, http.StatusOK, send(http.MethodDelete, "alice"), "deletes have their own budget")

	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, send(http.MethodGet, "alice"), "reads are not limited here")
	}
}

func TestMutationFor(t *testing.T) {
	m, ok := MutationFor(http.MethodPost)
	assert.True(t, ok)
	assert.Equal(t, MutationCreate, m)

	_, ok = MutationFor(http.MethodHead)
	assert.False(t, ok)
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.ErrNotFound("component", "c1"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errors.ErrCodeNotFound, body.Code)
	assert.Equal(t, "component with id c1 not found", body.Error)
}
