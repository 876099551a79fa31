package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"cvrpnav/internal/metrics"
)

// statusRecorder captures the response code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the wrapper.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)
		s.logger().WithFields(logrus.Fields{
			"remote":      r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := record(w)
		next.ServeHTTP(rec, r)
		// the mux fills in Pattern on the shared request
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the tenant of /v1 requests and stores it on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		tenant, err := s.Auth.Tenant(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		if tenant == "" {
			tenant = defaultTenant
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyTenant{}, tenant)))
	})
}

const (
	limiterIdleTTL = 10 * time.Minute
	maxLimiters    = 10000
)

// tenantLimiter holds one token bucket per tenant. Buckets idle for longer
// than idle are dropped on the next sweep; a dropped bucket is full again by
// then, so eviction never loosens the limit. When max buckets are live the
// least recently used one is dropped to make room.
type tenantLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	idle  time.Duration
	max   int
	now   func() time.Time
	swept time.Time
	m     map[string]*tenantBucket
}

type tenantBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &tenantLimiter{
		rps:   rate.Limit(rps),
		burst: burst,
		idle:  limiterIdleTTL,
		max:   maxLimiters,
		now:   time.Now,
		m:     map[string]*tenantBucket{},
	}
}

func (l *tenantLimiter) allow(tenant string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	now := l.now()
	b, ok := l.m[tenant]
	if !ok {
		l.evict(now)
		b = &tenantBucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.m[tenant] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// evict runs with mu held.
func (l *tenantLimiter) evict(now time.Time) {
	if now.Sub(l.swept) >= l.idle/10 {
		l.swept = now
		for k, b := range l.m {
			if now.Sub(b.seen) > l.idle {
				delete(l.m, k)
			}
		}
	}
	if len(l.m) < l.max {
		return
	}
	var (
		oldest     string
		oldestSeen time.Time
		found      bool
	)
	for k, b := range l.m {
		if !found || b.seen.Before(oldestSeen) {
			oldest, oldestSeen, found = k, b.seen, true
		}
	}
	delete(l.m, oldest)
}

// rateLimit applies the per-tenant limiter to /v1 routes.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		_, tenant := s.withTenant(r)
		if !s.limits.allow(tenant) {
			metrics.RateLimited.WithLabelValues(tenant).Inc()
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded for tenant "+tenant, r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
