// Package ratelimit paces outbound requests per host with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alekkss/avito/internal/metrics"
)

// Limiter hands out tokens per host. The zero rate means unlimited.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Config holds the per-host budget.
type Config struct {
	PerMinute float64
	Burst     int
}

// New creates a Limiter. PerMinute <= 0 disables limiting.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.PerMinute > 0 {
		limit = rate.Limit(cfg.PerMinute / 60)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until a token is available for the host of target.
func (l *Limiter) Wait(ctx context.Context, target string) error {
	if l == nil {
		return nil
	}
	host := Host(target)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Host returns the lowercase host of target, or target itself when it is
// not a URL (provider names are used as keys too).
func Host(target string) string {
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	if target == "" {
		return "unknown"
	}
	return target
}
