package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
)

// OrchestratorConfig selects attempt budgets and escalation policies.
type OrchestratorConfig struct {
	PrimaryTries      int
	SecondChanceTries int
	// SecondChance runs one extra attempt on a fresh target after an anti-bot
	// failure that the solver did not resolve.
	SecondChance bool
	Primary      Policy
	Secondary    Policy
}

// DefaultOrchestratorConfig returns the stock attempt budgets with health
// tracking and solving on the primary path only.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PrimaryTries:      DefaultPrimaryTries,
		SecondChanceTries: DefaultSecondChanceTries,
		SecondChance:      true,
		Primary:           Policy{TrackHealth: true, Solve: true},
	}
}

// Orchestrator runs reverse lookups for a batch of image URLs.
type Orchestrator struct {
	targets   *TargetBuilder
	retry     *RetryPolicy
	escalator *Escalator
	parser    Parser
	cfg       OrchestratorConfig
	logger    *zap.Logger
}

// NewOrchestrator wires the search pipeline.
func NewOrchestrator(
	targets *TargetBuilder,
	retry *RetryPolicy,
	escalator *Escalator,
	parser Parser,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PrimaryTries <= 0 {
		cfg.PrimaryTries = DefaultPrimaryTries
	}
	if cfg.SecondChanceTries <= 0 {
		cfg.SecondChanceTries = DefaultSecondChanceTries
	}
	return &Orchestrator{
		targets:   targets,
		retry:     retry,
		escalator: escalator,
		parser:    parser,
		cfg:       cfg,
		logger:    logger.Named("orchestrator"),
	}
}

// SearchBatch looks up urls in order and stops once maxPredictions predictions
// are collected. On abort or cancellation the partial result is returned with
// the error.
func (o *Orchestrator) SearchBatch(
	ctx context.Context,
	query string,
	urls []string,
	lang string,
	maxPredictions int,
) (BatchResult, error) {
	result := BatchResult{Query: query}
	if maxPredictions <= 0 {
		return result, nil
	}
	logger := o.logger.With(zap.String("query", query))
	logger.Info("reverse search started", zap.Int("urls", len(urls)), zap.Int("max_predictions", maxPredictions))

	for i, imageURL := range urls {
		if len(result.Predictions) >= maxPredictions {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("search batch canceled: %w", err)
		}
		imageURL = strings.TrimSpace(imageURL)
		if imageURL == "" {
			continue
		}
		record, err := o.searchURL(ctx, logger.With(zap.Int("index", i)), imageURL, lang)
		result.Records = append(result.Records, record)
		if record.Prediction != "" {
			result.Predictions = append(result.Predictions, record.Prediction)
			metrics.ObservePrediction(record.Source)
		}
		if err != nil {
			logger.Error("reverse search aborted", zap.Int("predictions", len(result.Predictions)), zap.Error(err))
			return result, err
		}
	}

	logger.Info("reverse search finished", zap.Int("predictions", len(result.Predictions)))
	return result, nil
}

func (o *Orchestrator) searchURL(ctx context.Context, logger *zap.Logger, imageURL, lang string) (URLRecord, error) {
	target := o.targets.Build(imageURL, lang)
	record := URLRecord{ImageURL: imageURL, QueryURL: target.String(), Source: SourceNone}
	logger.Info("reverse lookup started", zap.String("query_url", record.QueryURL))

	outcome := o.retry.Attempt(ctx, target, o.cfg.PrimaryTries)
	record.applyOutcome(outcome)
	if outcome.OK() {
		if pred, ok := o.parse(logger, outcome, record.QueryURL); ok {
			record.Prediction = pred
			record.Source = SourcePrimary
		}
		return record, nil
	}

	esc, err := o.escalator.Handle(ctx, outcome, target, o.cfg.Primary)
	record.Captcha = esc.Captcha
	if err != nil {
		return record, err
	}
	if esc.Solved {
		record.Prediction = esc.Prediction
		record.Source = SourceSolver
		return record, nil
	}
	if esc.Captcha && o.cfg.SecondChance {
		return o.secondChance(ctx, logger, imageURL, lang, record)
	}
	return record, nil
}

func (o *Orchestrator) secondChance(
	ctx context.Context,
	logger *zap.Logger,
	imageURL, lang string,
	record URLRecord,
) (URLRecord, error) {
	target := o.targets.Build(imageURL, lang)
	queryURL := target.String()
	logger.Info("second chance lookup started", zap.String("query_url", queryURL))

	outcome := o.retry.Attempt(ctx, target, o.cfg.SecondChanceTries)
	record.applyOutcome(outcome)
	if outcome.OK() {
		if pred, ok := o.parse(logger, outcome, queryURL); ok {
			record.QueryURL = queryURL
			record.Prediction = pred
			record.Source = SourceSecondChance
		}
		return record, nil
	}

	esc, err := o.escalator.Handle(ctx, outcome, target, o.cfg.Secondary)
	if err != nil {
		return record, err
	}
	if esc.Solved {
		record.QueryURL = queryURL
		record.Prediction = esc.Prediction
		record.Source = SourceSolver
	}
	return record, nil
}

func (o *Orchestrator) parse(logger *zap.Logger, outcome FetchOutcome, queryURL string) (Prediction, bool) {
	pred, err := o.parser.Parse(outcome.Body)
	if err != nil {
		logger.Warn("no prediction in result page",
			zap.String("query_url", queryURL),
			zap.String("proxy", outcome.Proxy),
			zap.Error(err),
		)
		return "", false
	}
	pred = Prediction(strings.TrimSpace(string(pred)))
	if pred == "" {
		return "", false
	}
	logger.Info("reverse lookup finished",
		zap.String("query_url", queryURL),
		zap.String("prediction", string(pred)),
		zap.String("proxy", outcome.Proxy),
	)
	return pred, true
}

func (r *URLRecord) applyOutcome(outcome FetchOutcome) {
	r.Outcome = outcome.Kind.String()
	r.StatusCode = outcome.StatusCode
	r.Proxy = outcome.Proxy
}
