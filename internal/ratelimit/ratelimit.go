// Package ratelimit wraps golang.org/x/time/rate with a per-minute budget,
// used by C8 to cap total swap submissions across both its simple and turbo
// cadences.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Config describes a per-minute token bucket.
type Config struct {
	PerMinute int
	Burst     int
}

// DefaultConfig mirrors spec.md's TURBO_RATE_LIMIT_PER_MIN default.
func DefaultConfig() Config {
	return Config{PerMinute: 60, Burst: 5}
}

// Limiter is a per-minute rate limiter safe for concurrent use, backing the
// flywheel scheduler's global swap budget.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	cfg     Config
}

// New builds a Limiter from cfg, substituting sane defaults for zero values.
func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	perSecond := rate.Limit(float64(cfg.PerMinute) / 60.0)
	return &Limiter{
		limiter: rate.NewLimiter(perSecond, cfg.Burst),
		cfg:     cfg,
	}
}

// Allow reports whether a swap submission may proceed right now without
// blocking, consuming a token if so.
func (l *Limiter) Allow() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	return lim.Wait(ctx)
}

// Reconfigure swaps in a new per-minute budget, taking effect immediately —
// used when a config reload changes TURBO_RATE_LIMIT_PER_MIN at a cycle
// boundary.
func (l *Limiter) Reconfigure(cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = l.cfg.PerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = l.cfg.Burst
	}
	l.cfg = cfg
	l.limiter = rate.NewLimiter(rate.Limit(float64(cfg.PerMinute)/60.0), cfg.Burst)
}

// PerMinute returns the currently configured per-minute budget.
func (l *Limiter) PerMinute() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.PerMinute
}
