package middleware

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ecodrix/backend/internal/metrics"
)

// RateLimiter enforces the per-tenant trigger budget. Counting runs on a
// Redis fixed window so every instance shares the same budget; when Redis
// is unavailable (or not configured) it degrades to an in-process sliding
// window rather than failing open or closed for the whole fleet.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	logger *log.Logger

	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates the limiter. rdb may be nil for Redis-less
// deployments.
func NewRateLimiter(rdb *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	rl := &RateLimiter{
		rdb:     rdb,
		limit:   perMinute,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		windows: make(map[string]*localWindow),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether one more trigger fits the tenant's minute budget.
func (rl *RateLimiter) Allow(ctx context.Context, tenantCode string) bool {
	if rl.rdb != nil {
		if ok, err := rl.allowRedis(ctx, tenantCode); err == nil {
			return ok
		} else {
			rl.logger.Printf("⚠️ Redis limiter unavailable, using local window: %v", err)
		}
	}
	return rl.allowLocal(tenantCode)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, tenantCode string) (bool, error) {
	key := "ratelimit:trigger:" + tenantCode + ":" + time.Now().UTC().Format("200601021504")

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 90*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(rl.limit), nil
}

func (rl *RateLimiter) allowLocal(tenantCode string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[tenantCode]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[tenantCode] = &localWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

func (rl *RateLimiter) cleanup() {
	for range time.Tick(5 * time.Minute) {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.windowStart.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Limit wraps a handler with the per-tenant budget. Must run after
// TenantAuth so the tenant is on the context.
func (rl *RateLimiter) Limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFrom(r.Context())
		if tenant == nil {
			http.Error(w, "Missing tenant context", http.StatusUnauthorized)
			return
		}
		if !rl.Allow(r.Context(), tenant.TenantCode) {
			metrics.RateLimited.WithLabelValues(tenant.TenantCode).Inc()
			rl.logger.Printf("🚫 Trigger rate limit hit: tenant=%s limit=%d/min", tenant.TenantCode, rl.limit)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
