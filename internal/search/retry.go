package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
)

// Default attempt budgets for the primary and second-chance paths.
const (
	DefaultPrimaryTries      = 2
	DefaultSecondChanceTries = 1
)

// RetryConfig tunes the retry loop.
type RetryConfig struct {
	// AlwaysDelay sleeps after every fetch, successful or not. When false the
	// delay only separates retries.
	AlwaysDelay bool
}

// RetryPolicy wraps a Fetcher in a bounded attempt loop. Every fetch takes the
// next proxy in rotation.
type RetryPolicy struct {
	fetcher Fetcher
	pool    ProxyPool
	delay   Delayer
	agents  UserAgentSource
	cfg     RetryConfig
	logger  *zap.Logger
}

// NewRetryPolicy builds a RetryPolicy. pool, delay and agents may be nil.
func NewRetryPolicy(
	fetcher Fetcher,
	pool ProxyPool,
	delay Delayer,
	agents UserAgentSource,
	cfg RetryConfig,
	logger *zap.Logger,
) *RetryPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryPolicy{
		fetcher: fetcher,
		pool:    pool,
		delay:   delay,
		agents:  agents,
		cfg:     cfg,
		logger:  logger.Named("retry"),
	}
}

// Attempt fetches target up to maxTries times and returns the first success or
// the last failure unchanged.
func (p *RetryPolicy) Attempt(ctx context.Context, target RequestTarget, maxTries int) FetchOutcome {
	if maxTries < 1 {
		maxTries = 1
	}
	queryURL := target.String()
	var outcome FetchOutcome
	for i := range maxTries {
		if err := ctx.Err(); err != nil {
			return FetchOutcome{Kind: OutcomeTransportError, Err: fmt.Errorf("attempt canceled: %w", err)}
		}
		outcome = p.fetchOnce(ctx, queryURL)
		metrics.ObserveFetch(outcome.Kind.String(), outcome.Duration)

		if p.cfg.AlwaysDelay {
			if err := p.wait(ctx); err != nil {
				return outcome
			}
		}
		if outcome.OK() || i >= maxTries-1 {
			return outcome
		}

		p.logger.Warn("bad request, retrying",
			zap.Int("attempt", i+2),
			zap.Int("max_tries", maxTries),
			zap.String("query_url", queryURL),
			zap.String("proxy", outcome.Proxy),
			zap.Stringer("outcome", outcome.Kind),
			zap.Int("status_code", outcome.StatusCode),
			zap.Error(outcome.Err),
		)
		metrics.ObserveRetry()
		if !p.cfg.AlwaysDelay {
			if err := p.wait(ctx); err != nil {
				return outcome
			}
		}
	}
	return outcome
}

func (p *RetryPolicy) fetchOnce(ctx context.Context, queryURL string) FetchOutcome {
	req := FetchRequest{URL: queryURL}
	if p.pool != nil {
		if addr, ok := p.pool.Select(true); ok {
			proxyURL, err := p.pool.URL(addr)
			if err != nil {
				return FetchOutcome{Kind: OutcomeTransportError, Err: fmt.Errorf("proxy url: %w", err), Proxy: addr}
			}
			req.Proxy = addr
			req.ProxyURL = proxyURL
		}
	}
	if p.agents != nil {
		req.UserAgent = p.agents.Next()
	}
	outcome := p.fetcher.Fetch(ctx, req)
	outcome.Proxy = req.Proxy
	outcome.UserAgent = req.UserAgent
	return outcome
}

func (p *RetryPolicy) wait(ctx context.Context) error {
	if p.delay == nil {
		return nil
	}
	if err := p.delay.Wait(ctx); err != nil {
		p.logger.Debug("delay interrupted", zap.Error(err))
		return fmt.Errorf("retry delay: %w", err)
	}
	return nil
}
