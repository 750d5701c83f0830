package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"solar-history/internal/config"
	"solar-history/internal/handlers"
	"solar-history/internal/services"
	"solar-history/pkg/logging"
)

type downloadOptions struct {
	kinds           []string
	sites           []string
	continueOnError bool
	serve           bool
}

func newDownloadCommand(global *globalOptions) *cobra.Command {
	opts := &downloadOptions{}

	cmd := &cobra.Command{
		Use:   "download",
		Short: "Bring the local history of every energy site up to date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			applyDownloadFlags(cmd, cfg, opts)
			return runDownload(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.kinds, "kind", "k", nil, "series to download: power, energy (default both)")
	cmd.Flags().StringSliceVarP(&opts.sites, "site", "s", nil, "energy site ids to download (default all)")
	cmd.Flags().BoolVar(&opts.continueOnError, "continue-on-error", false, "keep going with the next site after a failure")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "serve /health, /metrics and /api/v1/status while downloading")

	return cmd
}

// applyDownloadFlags lets explicitly set flags override configuration
func applyDownloadFlags(cmd *cobra.Command, cfg *config.Config, opts *downloadOptions) {
	flags := cmd.Flags()
	if flags.Changed("kind") {
		cfg.Download.Kinds = opts.kinds
	}
	if flags.Changed("site") {
		cfg.Download.SiteIDs = opts.sites
	}
	if flags.Changed("continue-on-error") {
		cfg.Download.ContinueOnError = opts.continueOnError
	}
	if flags.Changed("serve") {
		cfg.Server.Enabled = opts.serve
	}
}

func runDownload(parent context.Context, out io.Writer, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	kinds, err := cfg.SeriesKinds()
	if err != nil {
		return err
	}

	serverDone := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	if cfg.Server.Enabled {
		var health handlers.HealthChecker
		if a.db != nil {
			health = a.db
		}
		handler := handlers.NewStatusHandler(a.service.Progress(), a.store, health, a.registry, a.logger, a.metrics)
		srv := handlers.NewServer(
			fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			handler,
			cfg.Server.ReadTimeout,
			cfg.Server.WriteTimeout,
			cfg.Server.IdleTimeout,
		)
		go func() { serverDone <- handlers.Serve(serverCtx, srv, a.logger) }()
	} else {
		serverDone <- nil
	}

	summary, runErr := a.service.Run(ctx, services.DownloadOptions{
		Kinds:           kinds,
		SiteIDs:         cfg.Download.SiteIDs,
		ContinueOnError: cfg.Download.ContinueOnError,
	})

	stopServer()
	if err := <-serverDone; err != nil {
		a.logger.Error(ctx, "[SERVER_ERROR] Status server failed", logging.Fields{}, err)
	}

	printSummary(out, summary)
	return runErr
}

func printSummary(out io.Writer, summary *services.RunSummary) {
	if summary == nil {
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Site", "Kind", "Fetched", "Skipped", "Samples", "Oldest period"})
	for _, r := range summary.Results {
		tbl.AppendRow(table.Row{r.SiteID, r.Kind.String(), r.Fetched, r.Skipped, humanize.Comma(int64(r.Samples)), r.Oldest})
	}
	tbl.Render()

	for _, e := range summary.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	fmt.Fprintf(out, "run %s: %d site(s), %d period(s) fetched, %d skipped in %s\n",
		summary.RunID, summary.Sites, summary.Fetched(), summary.Skipped(), summary.Duration.Round(time.Millisecond))
}
