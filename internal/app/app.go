// Package app initializes and holds long-lived services, acting as a
// dependency injection container for a search run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/api"
	"github.com/JakeFAU/reverse-image-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/reverse-image-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/reverse-image-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/reverse-image-crawler/internal/metrics"
	"github.com/JakeFAU/reverse-image-crawler/internal/parser"
	"github.com/JakeFAU/reverse-image-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/reverse-image-crawler/internal/proxy"
	pubmemory "github.com/JakeFAU/reverse-image-crawler/internal/publisher/memory"
	"github.com/JakeFAU/reverse-image-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/reverse-image-crawler/internal/results"
	"github.com/JakeFAU/reverse-image-crawler/internal/runner"
	"github.com/JakeFAU/reverse-image-crawler/internal/search"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/gcs"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/local"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/memory"
	"github.com/JakeFAU/reverse-image-crawler/internal/storage/postgres"
	"github.com/JakeFAU/reverse-image-crawler/internal/telemetry"
	"github.com/JakeFAU/reverse-image-crawler/internal/useragent"
)

// Options override process-level collaborators, mainly for tests.
type Options struct {
	// Prompt and Out back the interactive solver; they default to stdin/stderr.
	Prompt io.Reader
	Out    io.Writer
	// Fetcher replaces the colly fetcher.
	Fetcher search.Fetcher
}

// App holds the shared services of one process.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *proxy.Pool
	orchestrator *search.Orchestrator
	blobs        storage.BlobStore
	writer       *results.Writer
	store        *postgres.Store
	publisher    runner.Publisher
	server       *api.Server

	closers []func() error
}

// New wires every component from cfg. Optional backends (Postgres, Pub/Sub,
// status server) are only built when configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prompt == nil {
		opts.Prompt = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = errors.Join(err, a.Close())
		}
	}()

	if cfg.Telemetry.Tracing {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRatio: cfg.Telemetry.SampleRatio,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return tp.Shutdown(context.Background())
		})
		logger.Info("tracing enabled", zap.Float64("sample_ratio", cfg.Telemetry.SampleRatio))
	}

	a.pool, err = proxy.New(proxy.Config{
		Addresses:        cfg.Proxy.Addresses,
		Scheme:           cfg.Proxy.Scheme,
		Port:             cfg.Proxy.Port,
		Username:         cfg.Proxy.Username,
		Password:         cfg.Proxy.Password,
		Shuffle:          cfg.Proxy.Shuffle,
		FailureThreshold: cfg.Proxy.FailureThreshold,
		MinPoolSize:      cfg.Proxy.MinPoolSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build proxy pool: %w", err)
	}

	a.orchestrator, err = a.buildOrchestrator(opts)
	if err != nil {
		return nil, err
	}

	a.blobs, err = a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	a.writer = results.NewWriter(a.blobs, cfg.Output.Prefix, logger)

	if cfg.DB.DSN != "" {
		a.store, err = postgres.New(ctx, postgres.Config{
			DSN:              cfg.DB.DSN,
			PredictionsTable: cfg.DB.PredictionsTable,
			RunsTable:        cfg.DB.RunsTable,
			MaxConns:         cfg.DB.MaxConns,
			MinConns:         cfg.DB.MinConns,
			MaxConnLifetime:  cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("connect prediction store: %w", err)
		}
		a.closers = append(a.closers, func() error { a.store.Close(); return nil })
		if cfg.DB.EnsureSchema {
			if err = a.store.EnsureSchema(ctx); err != nil {
				return nil, err
			}
		}
		logger.Info("prediction store connected", zap.String("table", cfg.DB.PredictionsTable))
	}

	switch {
	case cfg.PubSub.Topic != "" && cfg.PubSub.DryRun:
		dry := pubmemory.New()
		a.publisher = dry
		a.closers = append(a.closers, func() error {
			logger.Info("pubsub dry run finished",
				zap.String("topic", cfg.PubSub.Topic),
				zap.Int("events", len(dry.Messages())),
			)
			return nil
		})
		logger.Info("pubsub dry run enabled", zap.String("topic", cfg.PubSub.Topic))
	case cfg.PubSub.Topic != "":
		pub, perr := pubsub.Open(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic, logger)
		if perr != nil {
			return nil, fmt.Errorf("connect pubsub: %w", perr)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
		logger.Info("pubsub publisher connected", zap.String("topic", cfg.PubSub.Topic))
	}

	if cfg.Server.Port > 0 {
		a.server = api.NewServer(a.pool, api.Config{Port: cfg.Server.Port, APIKey: cfg.Server.APIKey}, logger)
	}
	return a, nil
}

func (a *App) buildOrchestrator(opts Options) (*search.Orchestrator, error) {
	cfg := a.cfg
	limiter, err := ratelimit.New(ratelimit.Config{
		MinDelay: cfg.RateLimit.MinDelay,
		MaxDelay: cfg.RateLimit.MaxDelay,
		RPS:      cfg.RateLimit.RPS,
		Burst:    cfg.RateLimit.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}

	agents := useragent.New(cfg.Fetch.UserAgents, cfg.Fetch.UserAgent, cfg.Fetch.RandomUserAgent)

	fetcher := opts.Fetcher
	if fetcher == nil {
		headers := make(http.Header, len(cfg.Fetch.Headers))
		for k, v := range cfg.Fetch.Headers {
			headers.Set(k, v)
		}
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.Fetch.UserAgent,
			Timeout:        cfg.Fetch.Timeout,
			GoodCodes:      cfg.Fetch.GoodCodes,
			RetryableCodes: cfg.Fetch.RetryableCodes,
			Headers:        headers,
		}, a.logger)
	}

	cardParser := parser.New(parser.Config{
		CardSelector: cfg.Parser.CardSelector,
		LinkSelector: cfg.Parser.LinkSelector,
	})

	var solver search.Solver = headless.NewNoop()
	if cfg.Solver.Enabled {
		chromeSolver, err := headless.NewChromedp(headless.Config{
			Headless:          cfg.Solver.Headless,
			UserAgent:         agents.Next(),
			NavigationTimeout: cfg.Solver.NavTimeout,
			Interactive:       cfg.Solver.Interactive,
			ResumeToken:       cfg.Solver.ResumeToken,
			Prompt:            opts.Prompt,
			Out:               opts.Out,
			ExecPath:          cfg.Solver.ExecPath,
		}, cardParser, a.logger)
		if err != nil {
			return nil, fmt.Errorf("build solver: %w", err)
		}
		solver = chromeSolver
	}

	retry := search.NewRetryPolicy(fetcher, a.pool, limiter, agents,
		search.RetryConfig{AlwaysDelay: cfg.RateLimit.AlwaysDelay}, a.logger)
	escalator := search.NewEscalator(a.pool, solver,
		search.EscalatorConfig{CaptchaCodes: cfg.Search.CaptchaCodes}, a.logger)
	targets := search.NewTargetBuilder(cfg.Search.BaseURL, cfg.Search.ShuffleParams)

	return search.NewOrchestrator(targets, retry, escalator, cardParser, search.OrchestratorConfig{
		PrimaryTries:      cfg.Search.PrimaryTries,
		SecondChanceTries: cfg.Search.SecondChanceTries,
		SecondChance:      cfg.Search.SecondChance,
		Primary:           search.Policy{TrackHealth: cfg.Search.Primary.TrackHealth, Solve: cfg.Search.Primary.Solve},
		Secondary:         search.Policy{TrackHealth: cfg.Search.Secondary.TrackHealth, Solve: cfg.Search.Secondary.Solve},
	}, a.logger), nil
}

func (a *App) buildBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Output.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory output store; results are discarded on exit")
		return memory.NewBlobStore(), nil
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Output.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs output store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using gcs output store", zap.String("bucket", a.cfg.Output.Bucket))
		return store, nil
	default:
		store, err := local.New(local.Config{BaseDir: a.cfg.Output.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local output store: %w", err)
		}
		a.logger.Info("using local output store", zap.String("base_dir", a.cfg.Output.BaseDir))
		return store, nil
	}
}

// NewRunner builds a runner over the app's services. urls decides where each
// query's image URLs come from.
func (a *App) NewRunner(urls runner.URLSource, cfg runner.Config) (*runner.Runner, error) {
	deps := runner.Deps{
		Searcher: a.orchestrator,
		URLs:     urls,
		Writer:   a.writer,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
		if cfg.Topic == "" {
			cfg.Topic = a.cfg.PubSub.Topic
		}
	}
	r, err := runner.New(deps, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build runner: %w", err)
	}
	return r, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Pool exposes the proxy pool.
func (a *App) Pool() *proxy.Pool { return a.pool }

// BlobStore exposes the output store, used to load URLs from earlier runs.
func (a *App) BlobStore() storage.BlobStore { return a.blobs }

// Publisher returns the batch event publisher, or nil when none is configured.
func (a *App) Publisher() runner.Publisher { return a.publisher }

// Server returns the status server, or nil when server.port is 0.
func (a *App) Server() *api.Server { return a.server }

// Close releases every backend in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}
