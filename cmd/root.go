// Package cmd defines the CLI commands of the listing-image-dedup executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-image-dedup/internal/app"
	"github.com/JakeFAU/listing-image-dedup/internal/config"
	"github.com/JakeFAU/listing-image-dedup/internal/crawl"
	"github.com/JakeFAU/listing-image-dedup/internal/logging"
)

// ctxKey is the type of the context keys the root command sets.
type ctxKey string

const (
	appKey    ctxKey = "app"
	loggerKey ctxKey = "logger"
)

// App is the surface the subcommands use. Tests inject a fake through newApp.
type App interface {
	Serve(ctx context.Context) error
	Crawl(ctx context.Context, run string) (crawl.Result, error)
	Fetch(ctx context.Context) error
	Analyze(ctx context.Context) error
	All(ctx context.Context) error
	Close()
}

// newApp loads configuration and builds the application.
var newApp = func(ctx context.Context, cfgFile, envFile string) (App, *zap.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return a, logger, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile, envFile string

	cmd := &cobra.Command{
		Use:   "listing-image-dedup",
		Short: "Crawls listing images, fetches them and removes near-duplicates per run.",
		Long: `listing-image-dedup runs a three-stage pipeline over a fixed set of runs.
The crawl stage pages through the listing API and queues one image per listing,
the fetch stage downloads and resizes the queued images, and the dedup engine
groups near-identical images and records the number of unique listings.
Stages coordinate through a shared store and may run in separate processes.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, logger, err := newApp(cmd.Context(), cfgFile, envFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(context.WithValue(ctx, loggerKey, logger))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config; missing files are ignored")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newFetchCmd(),
		newAnalyzeCmd(),
		newAllCmd(),
	)
	return cmd
}

// Execute runs the root command with ctx and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp adapts a stage function into a RunE. The App is closed however the
// stage ends, since cobra skips post-run hooks when RunE fails.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := resolveApp(ctx)
		if err != nil {
			return err
		}
		defer func() {
			a.Close()
			if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
				_ = logger.Sync()
			}
		}()
		return ignoreCanceled(fn(ctx, cmd, a))
	}
}

// ignoreCanceled maps a shutdown caused by a signal to success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
