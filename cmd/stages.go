package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the trigger API and runs the crawl workers",
		Long: `Starts the HTTP API (POST /start, run state, health and metrics) and the
crawl worker pool that consumes triggered crawl jobs.`,
		RunE: withApp(func(ctx context.Context, _ *cobra.Command, a App) error {
			return a.Serve(ctx)
		}),
	}
}

func newCrawlCmd() *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one run to completion",
		Long: `Resets the named run, pages through the listing API and queues the first
image of every listing. Exits once the crawl is exhausted.`,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a App) error {
			res, err := a.Crawl(ctx, run)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pages, %d images queued, %d listings without images\n",
				run, res.Pages, res.Enqueued, res.ImageLess)
			return err
		}),
	}
	cmd.Flags().StringVar(&run, "run", "", "name of the run to crawl")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func newFetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Runs the image fetch loop",
		RunE: withApp(func(ctx context.Context, _ *cobra.Command, a App) error {
			return a.Fetch(ctx)
		}),
	}
}

func newAnalyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze",
		Short: "Runs the dedup engine loop",
		RunE: withApp(func(ctx context.Context, _ *cobra.Command, a App) error {
			return a.Analyze(ctx)
		}),
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Runs the API, crawl workers, fetch loop and dedup engine in one process",
		RunE: withApp(func(ctx context.Context, _ *cobra.Command, a App) error {
			return a.All(ctx)
		}),
	}
}
