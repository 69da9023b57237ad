// Package middleware assembles the HTTP middleware stack of the snipbox
// server: panic supervision, request logging and metrics, CORS, rate limits
// and the security header policy.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/security"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// RequestIDHeader carries the request id to and from clients.
const RequestIDHeader = "X-Request-ID"

// Chain is an ordered middleware stack. The first middleware added is the
// outermost: requests pass through the chain in the order it was built.
//
// Default stack, outer to inner:
//  1. Recover (panic supervision and fallback view)
//  2. Request logging and metrics
//  3. CORS
//  4. Per-IP rate limiting, when configured
//  5. Security headers and origin checks
type Chain struct {
	config      *config.Config
	logger      logging.Logger
	metrics     *monitoring.Metrics
	origins     security.OriginValidator
	rateLimiter *RateLimiter
	fallback    FallbackView
	middlewares []Middleware
}

// Dependencies are the collaborators of the default stack. Config and
// Origins are required.
type Dependencies struct {
	Config      *config.Config
	Logger      logging.Logger
	Metrics     *monitoring.Metrics
	Origins     security.OriginValidator
	RateLimiter *RateLimiter
	Fallback    FallbackView
}

// NewChain builds the default stack.
func NewChain(deps Dependencies) *Chain {
	if deps.Config == nil {
		panic("middleware: config cannot be nil")
	}
	if deps.Origins == nil {
		panic("middleware: origin validator cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}

	c := &Chain{
		config:      deps.Config,
		logger:      deps.Logger.WithComponent("http"),
		metrics:     deps.Metrics,
		origins:     deps.Origins,
		rateLimiter: deps.RateLimiter,
		fallback:    deps.Fallback,
		middlewares: make([]Middleware, 0, 6),
	}
	c.buildDefaultStack()
	return c
}

func (c *Chain) buildDefaultStack() {
	c.Add(Recover(c.logger, c.metrics, c.fallback))
	c.Add(RequestLogging(c.logger, c.metrics))
	c.Add(CORS(c.origins))

	if c.rateLimiter == nil && c.config.Limits.RequestsPerSecond > 0 {
		c.rateLimiter = NewRateLimiter(rate.Limit(c.config.Limits.RequestsPerSecond), c.config.Limits.Burst)
	}
	if c.rateLimiter != nil {
		c.Add(RateLimitMiddleware(c.rateLimiter, c.logger, c.metrics))
	}

	sec := security.SecurityConfigFromAppConfig(c.config)
	sec.Logger = c.logger
	c.Add(security.SecurityMiddleware(sec))
}

// Add appends m as the innermost middleware so far.
func (c *Chain) Add(m Middleware) {
	c.middlewares = append(c.middlewares, m)
}

// Len returns the number of middlewares in the chain.
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// RateLimiter returns the per-IP limiter, or nil when disabled.
func (c *Chain) RateLimiter() *RateLimiter {
	return c.rateLimiter
}

// Apply wraps handler with the whole chain.
func (c *Chain) Apply(handler http.Handler) http.Handler {
	if handler == nil {
		panic("middleware: handler cannot be nil")
	}

	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		wrapped = c.middlewares[i](wrapped)
		if wrapped == nil {
			panic(fmt.Sprintf("middleware: middleware at index %d returned nil handler", i))
		}
	}
	return wrapped
}

// RequestLogging assigns a request id, logs each request and records its
// route, status and duration.
func RequestLogging(logger logging.Logger, metrics *monitoring.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(logging.WithRequestID(r.Context(), id))

			sw := NewStatusWriter(w)
			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(r.Method, route, sw.Status(), duration)

			logger.Debug(r.Context(), "HTTP request",
				"method", r.Method,
				"path", logging.SanitizeForLog(r.URL.Path),
				"route", route,
				"status", sw.Status(),
				"duration", duration)
		})
	}
}

// CORS echoes allowed origins and answers preflight requests. Requests from
// other origins get no CORS headers, so browsers refuse the response.
func CORS(origins security.OriginValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed := origins.ValidateOrigin(origin)
			if allowed {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					h.Set("Access-Control-Allow-Methods", strings.Join([]string{
						http.MethodGet, http.MethodPost, http.MethodPut,
						http.MethodPatch, http.MethodDelete, http.MethodOptions,
					}, ", "))
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Snipbox-User, X-Request-ID")
					h.Set("Access-Control-Max-Age", "600")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
