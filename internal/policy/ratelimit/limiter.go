// Package ratelimit implements token bucket rate limiting keyed by external
// dependency (a source host or the analysis service).
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/funding-pipeline/internal/metrics"
)

// Limiter manages per-key rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	overrides    map[string]Limit
	defaultRate  rate.Limit
	defaultBurst int
}

// Limit configures one key.
type Limit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
	// Overrides replaces the default limit for specific keys.
	Overrides map[string]Limit
}

// New creates a new Limiter. A non-positive rate means unlimited.
func New(cfg Config) *Limiter {
	r, burst := toRate(Limit{RPS: cfg.DefaultRPS, Burst: cfg.DefaultBurst})
	overrides := make(map[string]Limit, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[k] = v
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		overrides:    overrides,
		defaultRate:  r,
		defaultBurst: burst,
	}
}

func toRate(l Limit) (rate.Limit, int) {
	r := rate.Limit(l.RPS)
	if l.RPS <= 0 {
		r = rate.Inf
	}
	burst := l.Burst
	if burst <= 0 {
		burst = 1
	}
	return r, burst
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		key = "unknown"
	}
	limiter := l.limiterFor(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not delays worth recording.
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, exists := l.limiters[key]
	if exists {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if override, ok := l.overrides[key]; ok {
		r, burst = toRate(override)
	}
	limiter = rate.NewLimiter(r, burst)
	l.limiters[key] = limiter
	return limiter
}

// KeyForURL returns the host key used to throttle requests to rawURL.
func KeyForURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
