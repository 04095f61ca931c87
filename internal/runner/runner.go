// Package runner drives a search run: for each query it resolves image URLs,
// performs the reverse lookups and persists what came back.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/results"
	"github.com/JakeFAU/reverse-image-crawler/internal/search"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/postgres"
)

// Searcher performs the reverse lookups for one query.
type Searcher interface {
	SearchBatch(ctx context.Context, query string, urls []string, lang string, maxPredictions int) (search.BatchResult, error)
}

// URLSource yields the image URLs to search for a query.
type URLSource interface {
	URLs(ctx context.Context, query string) ([]string, error)
}

// OutputWriter persists the per-query output files.
type OutputWriter interface {
	WriteBatch(ctx context.Context, runID string, urls []string, result search.BatchResult) (results.Location, error)
}

// PredictionStore records runs and prediction rows.
type PredictionStore interface {
	StartRun(ctx context.Context, runID uuid.UUID) error
	StorePredictions(ctx context.Context, runID uuid.UUID, result search.BatchResult) error
	FinishRun(ctx context.Context, runID uuid.UUID, status postgres.RunStatus, errMsg *string) error
}

// Publisher announces finished batches.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config controls a run.
type Config struct {
	Lang           string
	MaxPredictions int
	// Topic receives one BatchEvent per query when a publisher is set.
	Topic string
}

const tracerName = "github.com/JakeFAU/reverse-image-crawler/internal/runner"

// Deps are the collaborators of a Runner. Store, Publisher, Clock and Tracer
// are optional; the tracer defaults to the global provider.
type Deps struct {
	Searcher  Searcher
	URLs      URLSource
	Writer    OutputWriter
	Store     PredictionStore
	Publisher Publisher
	Clock     Clock
	NewID     func() (uuid.UUID, error)
	Tracer    trace.Tracer
}

// BatchEvent is published after each query's outputs are written.
type BatchEvent struct {
	RunID             string              `json:"run_id"`
	Query             string              `json:"query"`
	Dir               string              `json:"dir"`
	URLs              int                 `json:"urls"`
	Predictions       []search.Prediction `json:"predictions"`
	PredictionsSHA256 string              `json:"predictions_sha256"`
	// Aborted is set when the batch was cut short by an abort or cancellation.
	Aborted           bool                `json:"aborted"`
	CompletedAt       time.Time           `json:"completed_at"`
}

// Summary reports what a run did.
type Summary struct {
	RunID       uuid.UUID
	Queries     int
	Skipped     int
	Predictions int
	Aborted     bool
}

// Runner executes search runs.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	if deps.Searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if deps.URLs == nil {
		return nil, fmt.Errorf("url source is required")
	}
	if deps.Writer == nil {
		return nil, fmt.Errorf("output writer is required")
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewV7
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{deps: deps, cfg: cfg, logger: logger.Named("runner")}, nil
}

// Run searches every query in order. A search.ErrAbort from the search core,
// or cancellation of ctx mid-query, stops the run after the partial batch has
// been persisted and is returned wrapped. Persistence failures are logged, do not stop the run and are
// returned joined at the end.
func (r *Runner) Run(ctx context.Context, queries []string) (Summary, error) {
	runID, err := r.deps.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	summary := Summary{RunID: runID}
	logger := r.logger.With(zap.String("run_id", runID.String()))
	ctx, span := r.deps.Tracer.Start(ctx, "search.run", trace.WithAttributes(
		attribute.String("run.id", runID.String()),
		attribute.Int("run.queries", len(queries)),
	))
	defer span.End()

	if r.deps.Store != nil {
		if err := r.deps.Store.StartRun(ctx, runID); err != nil {
			return summary, fmt.Errorf("start run: %w", err)
		}
	}

	var persistErrs []error
	var runErr error
	for i, query := range queries {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("run canceled: %w", err)
			break
		}
		logger.Info("query started", zap.Int("index", i), zap.String("query", query))

		urls, err := r.deps.URLs.URLs(ctx, query)
		if err != nil {
			summary.Skipped++
			logger.Error("resolve urls failed", zap.String("query", query), zap.Error(err))
			continue
		}

		queryCtx, querySpan := r.deps.Tracer.Start(ctx, "search.query", trace.WithAttributes(
			attribute.String("query", query),
			attribute.Int("query.urls", len(urls)),
		))
		result, searchErr := r.deps.Searcher.SearchBatch(queryCtx, query, urls, r.cfg.Lang, r.cfg.MaxPredictions)
		aborted := errors.Is(searchErr, search.ErrAbort)
		querySpan.SetAttributes(
			attribute.Int("query.predictions", len(result.Predictions)),
			attribute.Bool("query.aborted", aborted),
		)
		endSpan(querySpan, searchErr)
		summary.Queries++
		summary.Predictions += len(result.Predictions)

		canceled := errors.Is(searchErr, context.Canceled) || errors.Is(searchErr, context.DeadlineExceeded)
		if searchErr == nil || aborted || canceled {
			// bookkeeping must land even when the search was cut short
			persistCtx := context.WithoutCancel(ctx)
			if err := r.persist(persistCtx, logger, runID, urls, result, aborted || canceled); err != nil {
				persistErrs = append(persistErrs, err)
			}
		}
		if searchErr != nil {
			runErr = fmt.Errorf("query %q: %w", query, searchErr)
			summary.Aborted = aborted
			break
		}
		logger.Info("query finished",
			zap.String("query", query),
			zap.Int("urls", len(urls)),
			zap.Int("predictions", len(result.Predictions)),
		)
	}

	r.finish(context.WithoutCancel(ctx), logger, runID, runErr, persistErrs)
	span.SetAttributes(
		attribute.Int("run.predictions", summary.Predictions),
		attribute.Int("run.skipped", summary.Skipped),
	)
	switch {
	case runErr != nil:
		err = errors.Join(append([]error{runErr}, persistErrs...)...)
	case len(persistErrs) > 0:
		err = errors.Join(persistErrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return summary, err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (r *Runner) persist(
	ctx context.Context,
	logger *zap.Logger,
	runID uuid.UUID,
	urls []string,
	result search.BatchResult,
	aborted bool,
) error {
	loc, err := r.deps.Writer.WriteBatch(ctx, runID.String(), urls, result)
	if err != nil {
		logger.Error("write outputs failed", zap.String("query", result.Query), zap.Error(err))
		return fmt.Errorf("write outputs for %q: %w", result.Query, err)
	}

	var errs []error
	if r.deps.Store != nil {
		if err := r.deps.Store.StorePredictions(ctx, runID, result); err != nil {
			logger.Error("store predictions failed", zap.String("query", result.Query), zap.Error(err))
			errs = append(errs, fmt.Errorf("store predictions for %q: %w", result.Query, err))
		}
	}
	if r.deps.Publisher != nil && r.cfg.Topic != "" {
		event := BatchEvent{
			RunID:             runID.String(),
			Query:             result.Query,
			Dir:               loc.Dir,
			URLs:              len(urls),
			Predictions:       result.Predictions,
			PredictionsSHA256: digest(result.Predictions),
			Aborted:           aborted,
			CompletedAt:       r.deps.Clock.Now(),
		}
		id, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, event)
		if err != nil {
			logger.Error("publish batch event failed", zap.String("query", result.Query), zap.Error(err))
			errs = append(errs, fmt.Errorf("publish batch event for %q: %w", result.Query, err))
		} else {
			logger.Debug("batch event published", zap.String("query", result.Query), zap.String("message_id", id))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) finish(ctx context.Context, logger *zap.Logger, runID uuid.UUID, runErr error, persistErrs []error) {
	if r.deps.Store == nil {
		return
	}
	status := postgres.RunSucceeded
	var msg *string
	switch {
	case errors.Is(runErr, search.ErrAbort):
		status = postgres.RunAborted
	case runErr != nil || len(persistErrs) > 0:
		status = postgres.RunFailed
	}
	if combined := errors.Join(append([]error{runErr}, persistErrs...)...); combined != nil {
		text := combined.Error()
		msg = &text
	}
	if err := r.deps.Store.FinishRun(ctx, runID, status, msg); err != nil {
		logger.Error("finish run failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// digest hashes predictions the way preds.txt stores them, one per line.
func digest(preds []search.Prediction) string {
	var b strings.Builder
	for _, p := range preds {
		b.WriteString(string(p))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// StaticURLs searches the same URL list for every query.
type StaticURLs []string

// URLs returns the list unchanged.
func (s StaticURLs) URLs(_ context.Context, _ string) ([]string, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("no image urls configured")
	}
	return s, nil
}
