package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/conneroisu/snipbox/internal/config"
	"github.com/conneroisu/snipbox/internal/errors"
	"github.com/conneroisu/snipbox/internal/logging"
	"github.com/conneroisu/snipbox/internal/monitoring"
	"github.com/conneroisu/snipbox/internal/security"
)

// bucketExpiry is how long an idle key keeps its limiter.
const bucketExpiry = 10 * time.Minute

// RateLimiter holds one token bucket per key, usually a client IP or a user.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	mutex   sync.Mutex
	now     func() time.Time
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// NewRateLimiter allows limit events per second per key, with bursts of up
// to burst events. A limit of zero or less disables limiting.
func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// PerMinute allows n events per minute per key, all of which may arrive at
// once.
func PerMinute(n int) *RateLimiter {
	if n <= 0 {
		return NewRateLimiter(rate.Inf, 1)
	}
	return NewRateLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// Check consumes one token for key.
func (rl *RateLimiter) Check(key string) Decision {
	now := rl.now()

	rl.mutex.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastAccess = now
	rl.mutex.Unlock()

	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return Decision{Limit: rl.burst, RetryAfter: delay}
	}
	remaining := int(math.Floor(b.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: true, Limit: rl.burst, Remaining: remaining}
}

// Allow reports whether key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	return rl.Check(key).Allowed
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

// Sweep forgets keys idle for longer than bucketExpiry.
func (rl *RateLimiter) Sweep() int {
	now := rl.now()
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastAccess) > bucketExpiry {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle keys until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(bucketExpiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}

func setRateHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

// RateLimitMiddleware limits requests per client IP.
func RateLimitMiddleware(limiter *RateLimiter, logger logging.Logger, metrics *monitoring.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := security.ClientIP(r)
			d := limiter.Check(ip)
			setRateHeaders(w, d)

			if !d.Allowed {
				rejectLimited(w, r, "requests", d, logger, metrics, "client_ip", ip)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Mutation classifies state-changing API calls for per-user limits.
type Mutation string

const (
	MutationCreate Mutation = "create"
	MutationUpdate Mutation = "update"
	MutationDelete Mutation = "delete"
)

// MutationFor maps an HTTP method to the mutation it performs, if any.
func MutationFor(method string) (Mutation, bool) {
	switch method {
	case http.MethodPost:
		return MutationCreate, true
	case http.MethodPut, http.MethodPatch:
		return MutationUpdate, true
	case http.MethodDelete:
		return MutationDelete, true
	default:
		return "", false
	}
}

// MutationLimits keeps separate per-user budgets for creates, updates and
// deletes.
type MutationLimits struct {
	limiters map[Mutation]*RateLimiter
}

// NewMutationLimits builds the per-minute budgets from cfg.
func NewMutationLimits(cfg config.LimitsConfig) *MutationLimits {
	return &MutationLimits{limiters: map[Mutation]*RateLimiter{
		MutationCreate: PerMinute(cfg.CreatesPerMinute),
		MutationUpdate: PerMinute(cfg.UpdatesPerMinute),
		MutationDelete: PerMinute(cfg.DeletesPerMinute),
	}}
}

// Check consumes one token of user's budget for m.
func (ml *MutationLimits) Check(m Mutation, user string) Decision {
	rl, ok := ml.limiters[m]
	if !ok {
		return Decision{Allowed: true}
	}
	return rl.Check(user)
}

// Run sweeps idle users until ctx is cancelled.
func (ml *MutationLimits) Run(ctx context.Context) {
	for _, rl := range ml.limiters {
		go rl.Run(ctx)
	}
	<-ctx.Done()
}

// MutationLimitMiddleware applies limits to state-changing requests. user
// extracts the identity the budget is charged to.
func MutationLimitMiddleware(limits *MutationLimits, user func(*http.Request) string, logger logging.Logger, metrics *monitoring.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m, ok := MutationFor(r.Method)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			id := user(r)
			d := limits.Check(m, id)
			setRateHeaders(w, d)
			if !d.Allowed {
				rejectLimited(w, r, string(m), d, logger, metrics, "user", id)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rejectLimited(w http.ResponseWriter, r *http.Request, scope string, d Decision, logger logging.Logger, metrics *monitoring.Metrics, kv ...interface{}) {
	if metrics != nil {
		metrics.RateLimited.WithLabelValues(scope).Inc()
	}
	err := errors.ErrRateLimited(scope)
	if logger != nil {
		fields := append([]interface{}{"path", r.URL.Path, "method", r.Method, "retry_after", d.RetryAfter.String()}, kv...)
		logger.Warn(r.Context(), err, "Rate limit exceeded", fields...)
	}
	WriteError(w, r, err)
}
