// Package ratelimit spaces outbound requests with a randomized delay and an optional token bucket ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// MinDelay is the lower bound of the post-request sleep. With no usable
	// MaxDelay the limiter sleeps exactly MinDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
	// RPS caps the request rate when > 0.
	RPS   float64
	Burst int
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// Limiter delays callers between requests.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	bucket *rate.Limiter
	rng    *rand.Rand
	sleep  sleepFunc
}

// New creates a new Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.MinDelay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("rate limit delays must be >= 0")
	}
	l := &Limiter{
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), //nolint:gosec // jitter only
		sleep: sleepCtx,
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.bucket = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return l, nil
}

// Wait blocks for the configured delay, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if l.bucket != nil {
		if err := l.bucket.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if err := l.sleep(ctx, l.Next()); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

// Next draws the next delay: uniform in [MinDelay, MaxDelay) when a range is
// configured, otherwise exactly MinDelay.
func (l *Limiter) Next() time.Duration {
	lo, hi := l.cfg.MinDelay, l.cfg.MaxDelay
	if lo <= 0 || hi <= lo {
		return lo
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo + time.Duration(l.rng.Int64N(int64(hi-lo)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
