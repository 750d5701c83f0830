package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"solar-history/internal/config"
	"solar-history/internal/models"
	"solar-history/internal/services"
	"solar-history/pkg/logging"
)

func newSitesCommand(global *globalOptions) *cobra.Command {
	var siteIDs []string

	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List the energy sites of the account with their installation date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("site") {
				cfg.Download.SiteIDs = siteIDs
			}
			return runSites(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringSliceVarP(&siteIDs, "site", "s", nil, "energy site ids to show (default all)")
	return cmd
}

func runSites(ctx context.Context, out io.Writer, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}

	products, err := services.DiscoverSites(ctx, a.fetcher, cfg.Download.SiteIDs)
	if err != nil {
		return err
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Site ID", "Type", "Name", "Time zone", "Installed", "Age"})

	var failed int
	for _, p := range products {
		site, err := services.ResolveSite(ctx, a.fetcher, p)
		if err != nil {
			failed++
			a.logger.Error(ctx, "[SITES_CONFIG] Site configuration unusable", logging.Fields{
				"site_id": p.EnergySiteID.String(),
			}, err)
			tbl.AppendRow(table.Row{p.EnergySiteID.String(), p.ResourceType, p.SiteName, "-", "-", "-"})
			continue
		}
		tbl.AppendRow(table.Row{site.ID, site.ResourceType, site.Name, site.TimeZone, installed(site), humanize.Time(site.InstallationInstant)})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d site(s)", len(products))})
	tbl.Render()

	if failed > 0 {
		return fmt.Errorf("%d site(s) have an unusable configuration", failed)
	}
	return nil
}

func installed(site *models.Site) string {
	return site.InstallationInstant.In(site.Location).Format(time.RFC3339)
}
