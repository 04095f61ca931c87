// Package cmd defines and implements the CLI commands for the revcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/reverse-image-crawler/internal/app"
	"github.com/JakeFAU/reverse-image-crawler/internal/config"
	"github.com/JakeFAU/reverse-image-crawler/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE resolves for subcommands.
type env struct {
	cfg     config.Config
	logger  *zap.Logger
	appOpts app.Options
}

// newRootCmd creates and configures the root command. appOpts is handed to
// every app the subcommands build.
func newRootCmd(appOpts app.Options) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "revcrawler",
		Short: "Reverse image search crawler with proxy rotation and anti-bot escalation.",
		Long: `revcrawler looks up image URLs on a reverse image search engine and
collects the engine's best-guess label for each one. Requests rotate through a
proxy pool, are rate limited, and escalate anti-bot walls to a headless browser.`,
		SilenceUsage: true,

		// Loads config and builds the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger, appOpts: appOpts})
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, err := resolveEnv(cmd.Context()); err == nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed REVSEARCH_ override it)")
	cmd.AddCommand(newSearchCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point. It cancels the command context on SIGINT
// or SIGTERM and exits non-zero on any error, including an aborted run.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(app.Options{}).ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	logger, lerr := logging.New(logging.Config{Development: true})
	if lerr != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Fatal("command execution failed", zap.Error(err))
}
