package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/app"
	"github.com/JakeFAU/reverse-image-crawler/internal/results"
	"github.com/JakeFAU/reverse-image-crawler/internal/runner"
	"github.com/JakeFAU/reverse-image-crawler/internal/search"
)

type searchOptions struct {
	queries     []string
	queriesFile string
	start       int
	stop        int
	urls        []string
	urlsFile    string
	loadURLs    string
	lang        string
	maxPreds    int
}

// newSearchCmd creates the 'search' subcommand, which runs one reverse-search
// batch per query and writes the results to the configured output backend.
func newSearchCmd() *cobra.Command {
	opts := &searchOptions{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Runs reverse image lookups for one or more queries",
		Long: `Looks up every image URL of each query on the reverse search engine
until the prediction cap is reached. Image URLs come from --urls/--urls-file, or
from the urls.txt files of an earlier run with --load-urls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearchCommand(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.queries, "query", "q", nil, "query label to search for (repeatable)")
	flags.StringVar(&opts.queriesFile, "queries-file", "", "file with one query per line; lines starting with @@ are skipped")
	flags.IntVar(&opts.start, "start", 0, "index of the first query taken from --queries-file")
	flags.IntVar(&opts.stop, "stop", 0, "index one past the last query taken from --queries-file (0 reads to the end)")
	flags.StringSliceVar(&opts.urls, "urls", nil, "image urls searched for every query")
	flags.StringVar(&opts.urlsFile, "urls-file", "", "file with one image url per line, searched for every query")
	flags.StringVar(&opts.loadURLs, "load-urls", "", "earlier run directory to read <dir>/<query>/urls.txt from")
	flags.StringVar(&opts.lang, "lang", "", "interface language of the search engine (overrides search.lang)")
	flags.IntVar(&opts.maxPreds, "max-predictions", 0, "prediction cap per query (overrides search.max_predictions)")
	return cmd
}

func runSearchCommand(cmd *cobra.Command, opts *searchOptions) error {
	ctx := cmd.Context()
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	queries, dropped, err := opts.resolveQueries()
	if err != nil {
		return err
	}
	if dropped > 0 {
		e.logger.Warn("duplicate queries dropped", zap.Int("dropped", dropped), zap.Int("queries", len(queries)))
	}

	cfg := e.cfg
	runCfg := runner.Config{Lang: cfg.Search.Lang, MaxPredictions: cfg.Search.MaxPredictions}
	if cmd.Flags().Changed("lang") {
		runCfg.Lang = opts.lang
	}
	if cmd.Flags().Changed("max-predictions") {
		runCfg.MaxPredictions = opts.maxPreds
	}

	a, err := app.New(ctx, cfg, e.logger, e.appOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			e.logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	urls, err := opts.urlSource(a)
	if err != nil {
		return err
	}
	r, err := a.NewRunner(urls, runCfg)
	if err != nil {
		return err
	}

	stopServer := startStatusServer(ctx, a)
	defer stopServer()

	summary, err := r.Run(ctx, queries)
	if err != nil {
		if errors.Is(err, search.ErrAbort) {
			e.logger.Error("run aborted, rotate proxies before retrying",
				zap.String("run_id", summary.RunID.String()),
				zap.Int("predictions", summary.Predictions),
			)
		}
		return fmt.Errorf("search run %s: %w", summary.RunID, err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d queries, %d skipped, %d predictions\n",
		summary.RunID, summary.Queries, summary.Skipped, summary.Predictions)
	return err
}

// startStatusServer serves the status API for the duration of the run and
// returns a function that shuts it down.
func startStatusServer(ctx context.Context, a *app.App) func() {
	srv := a.Server()
	if srv == nil {
		return func() {}
	}
	serverCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(serverCtx); err != nil {
			a.Logger().Error("status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// resolveQueries merges --query and --queries-file. Queries mapping to the same
// output directory keep their first position only.
func (o *searchOptions) resolveQueries() ([]string, int, error) {
	all := make([]string, 0, len(o.queries))
	all = append(all, o.queries...)
	if o.queriesFile != "" {
		f, err := os.Open(o.queriesFile)
		if err != nil {
			return nil, 0, fmt.Errorf("open queries file: %w", err)
		}
		defer f.Close()
		fromFile, err := results.ReadQueries(f, o.start, o.stop)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, fromFile...)
	}
	if len(all) == 0 {
		return nil, 0, errors.New("no queries given: use --query or --queries-file")
	}
	seen := make(map[string]struct{}, len(all))
	queries := all[:0]
	for _, q := range all {
		key := results.QueryKey(q)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
	}
	return queries, len(all) - len(queries), nil
}

func (o *searchOptions) urlSource(a *app.App) (runner.URLSource, error) {
	if o.loadURLs != "" {
		if len(o.urls) > 0 || o.urlsFile != "" {
			return nil, errors.New("--load-urls cannot be combined with --urls or --urls-file")
		}
		return results.StoredURLs{Store: a.BlobStore(), Dir: o.loadURLs}, nil
	}
	urls := make([]string, 0, len(o.urls))
	urls = append(urls, o.urls...)
	if o.urlsFile != "" {
		f, err := os.Open(o.urlsFile)
		if err != nil {
			return nil, fmt.Errorf("open urls file: %w", err)
		}
		defer f.Close()
		lines, err := results.ReadLines(f)
		if err != nil {
			return nil, err
		}
		urls = append(urls, lines...)
	}
	if len(urls) == 0 {
		return nil, errors.New("no image urls given: use --urls, --urls-file or --load-urls")
	}
	return runner.StaticURLs(urls), nil
}
