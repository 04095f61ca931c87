package search

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
)

// DefaultCaptchaCodes are the statuses treated as an anti-bot wall.
var DefaultCaptchaCodes = []int{503}

// Policy selects what the escalator does for an anti-bot failure at a call site.
type Policy struct {
	// TrackHealth counts the failure against the proxy (or direct egress) and
	// may evict it or abort the run.
	TrackHealth bool
	// Solve hands the target to the heavy solver when one is configured.
	Solve bool
}

// Escalation is the escalator's verdict for one URL.
type Escalation struct {
	Captcha    bool
	Solved     bool
	Prediction Prediction
}

// EscalatorConfig tunes anti-bot detection.
type EscalatorConfig struct {
	CaptchaCodes []int
}

// Escalator classifies terminal failures and applies the health bookkeeping.
type Escalator struct {
	pool   ProxyPool
	solver Solver
	codes  []int
	logger *zap.Logger
}

// NewEscalator builds an Escalator. solver may be nil, in which case solving
// degrades to no prediction.
func NewEscalator(pool ProxyPool, solver Solver, cfg EscalatorConfig, logger *zap.Logger) *Escalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	codes := cfg.CaptchaCodes
	if len(codes) == 0 {
		codes = DefaultCaptchaCodes
	}
	return &Escalator{
		pool:   pool,
		solver: solver,
		codes:  slices.Clone(codes),
		logger: logger.Named("escalation"),
	}
}

// IsCaptcha reports whether outcome is an anti-bot response.
func (e *Escalator) IsCaptcha(outcome FetchOutcome) bool {
	return outcome.Kind == OutcomeRetryableStatus && slices.Contains(e.codes, outcome.StatusCode)
}

// Handle processes a terminal failure. The returned error wraps ErrAbort when
// the run cannot continue.
func (e *Escalator) Handle(
	ctx context.Context,
	outcome FetchOutcome,
	target RequestTarget,
	policy Policy,
) (Escalation, error) {
	queryURL := target.String()
	if !e.IsCaptcha(outcome) {
		e.logger.Error("fetch failed",
			zap.String("query_url", queryURL),
			zap.String("proxy", outcome.Proxy),
			zap.Stringer("outcome", outcome.Kind),
			zap.Int("status_code", outcome.StatusCode),
			zap.Error(outcome.Err),
		)
		return Escalation{}, nil
	}

	metrics.ObserveCaptcha(outcome.Proxy != "")
	e.logger.Error("anti-bot response",
		zap.String("query_url", queryURL),
		zap.String("proxy", outcome.Proxy),
		zap.Int("status_code", outcome.StatusCode),
	)
	esc := Escalation{Captcha: true}
	if policy.TrackHealth {
		if err := e.track(outcome.Proxy); err != nil {
			return esc, err
		}
	}
	if policy.Solve && e.solver != nil {
		if pred, ok := e.solve(ctx, outcome.Proxy, queryURL); ok {
			esc.Solved = true
			esc.Prediction = pred
		}
	}
	return esc, nil
}

func (e *Escalator) track(proxy string) error {
	if e.pool == nil {
		return nil
	}
	if proxy == "" {
		if e.pool.RecordDirectFailure() {
			e.logger.Error("direct egress hit anti-bot threshold, aborting")
			return fmt.Errorf("%w: direct egress hit anti-bot threshold", ErrAbort)
		}
		return nil
	}
	if e.pool.RecordFailure(proxy) && e.pool.Exhausted() {
		remaining := e.pool.Len()
		e.logger.Error("proxy pool exhausted, aborting",
			zap.String("proxy", proxy),
			zap.Int("remaining", remaining),
		)
		return fmt.Errorf("%w: proxy pool exhausted (%d remaining)", ErrAbort, remaining)
	}
	return nil
}

func (e *Escalator) solve(ctx context.Context, proxy, queryURL string) (Prediction, bool) {
	var proxyURL *url.URL
	if proxy != "" && e.pool != nil {
		u, err := e.pool.URL(proxy)
		if err != nil {
			e.logger.Warn("solver proxy url", zap.String("proxy", proxy), zap.Error(err))
		} else {
			proxyURL = u
		}
	}
	pred, err := e.solver.Solve(ctx, proxyURL, queryURL)
	switch {
	case err != nil && !errors.Is(err, ErrNoPrediction):
		metrics.ObserveSolve("error")
		e.logger.Warn("solver failed", zap.String("query_url", queryURL), zap.Error(err))
		return "", false
	case err != nil:
		metrics.ObserveSolve("none")
		return "", false
	}
	trimmed := Prediction(strings.TrimSpace(string(pred)))
	if trimmed == "" {
		metrics.ObserveSolve("none")
		return "", false
	}
	metrics.ObserveSolve("prediction")
	e.logger.Info("solver produced prediction",
		zap.String("query_url", queryURL),
		zap.String("prediction", string(trimmed)),
	)
	return trimmed, true
}
