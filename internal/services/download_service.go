package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"

	"solar-history/internal/models"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

// SiteSource discovers energy sites and their configuration
type SiteSource interface {
	Products(ctx context.Context) ([]models.Product, error)
	SiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error)
}

// DownloadOptions selects what a run covers
type DownloadOptions struct {
	Kinds           []models.SeriesKind
	SiteIDs         []string
	ContinueOnError bool
}

// RunSummary contains download statistics
type RunSummary struct {
	RunID    string        `json:"run_id"`
	Sites    int           `json:"sites"`
	Results  []*KindResult `json:"results"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Fetched returns the number of periods fetched across all results
func (s *RunSummary) Fetched() int {
	n := 0
	for _, r := range s.Results {
		n += r.Fetched
	}
	return n
}

// Skipped returns the number of periods skipped across all results
func (s *RunSummary) Skipped() int {
	n := 0
	for _, r := range s.Results {
		n += r.Skipped
	}
	return n
}

// DownloadService brings the local history of every energy site up to date
type DownloadService struct {
	source   SiteSource
	engine   *ResumeEngine
	clock    Clock
	ids      *snowflake.Node
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	progress *Progress
}

// NewDownloadService creates a new download service
func NewDownloadService(source SiteSource, engine *ResumeEngine, clock Clock, ids *snowflake.Node, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *DownloadService {
	progress := NewProgress()
	return &DownloadService{
		source:   source,
		engine:   engine.WithProgress(progress),
		clock:    clock,
		ids:      ids,
		logger:   logger,
		metrics:  metricsCollector,
		progress: progress,
	}
}

// Progress returns the live progress of the current run
func (s *DownloadService) Progress() *Progress {
	return s.progress
}

// Sites lists the account's energy sites, restricted to ids when given
func (s *DownloadService) Sites(ctx context.Context, ids []string) ([]models.Product, error) {
	return DiscoverSites(ctx, s.source, ids)
}

// DiscoverSites lists the energy sites among the account products,
// restricted to ids when given. Duplicates are dropped and product order
// is kept; a requested id that is not found is an error.
func DiscoverSites(ctx context.Context, source SiteSource, ids []string) ([]models.Product, error) {
	products, err := source.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	seen := make(map[string]bool)
	sites := make([]models.Product, 0, len(products))
	for _, p := range products {
		id := p.EnergySiteID.String()
		if !p.IsEnergySite() || seen[id] {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		seen[id] = true
		sites = append(sites, p)
	}

	for _, id := range ids {
		if !seen[id] {
			return sites, fmt.Errorf("energy site %s not found among account products", id)
		}
	}
	return sites, nil
}

// ResolveSite loads a site's configuration. It never touches a store, so a
// broken configuration leaves existing artifacts alone.
func ResolveSite(ctx context.Context, source SiteSource, product models.Product) (*models.Site, error) {
	id := product.EnergySiteID.String()
	cfg, err := source.SiteConfig(ctx, id)
	if err != nil {
		return nil, &models.SiteConfigError{SiteID: id, Message: "site configuration unavailable", Err: err}
	}
	if cfg == nil {
		return nil, &models.SiteConfigError{SiteID: id, Message: "empty site configuration"}
	}

	site, err := cfg.ToSite(id)
	if err != nil {
		return nil, err
	}
	site.ResourceType = product.ResourceType
	if site.Name == "" {
		site.Name = product.SiteName
	}
	return site, nil
}

// Run downloads every selected kind of every selected site. Without
// ContinueOnError the first failure ends the run; otherwise failures are
// collected and the run moves on to the next site.
func (s *DownloadService) Run(ctx context.Context, opts DownloadOptions) (*RunSummary, error) {
	startTime := s.clock.Now()
	runID := s.ids.Generate().String()
	ctx = logging.WithRunID(ctx, runID)

	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = models.AllSeriesKinds
	}

	summary := &RunSummary{RunID: runID}
	var runErr error
	defer func() {
		summary.Duration = s.clock.Now().Sub(startTime)
		s.metrics.RunDuration.Observe(summary.Duration.Seconds())
		s.progress.finish(runErr, s.clock.Now())
	}()

	s.logger.Info(ctx, "[DOWNLOAD_START] Starting history download", logging.Fields{
		"kinds":             kinds,
		"site_filter":       opts.SiteIDs,
		"continue_on_error": opts.ContinueOnError,
		"stage":             "INITIALIZATION",
	})

	products, err := s.Sites(ctx, opts.SiteIDs)
	if err != nil {
		runErr = err
		return summary, err
	}
	summary.Sites = len(products)
	s.progress.start(runID, len(products), startTime)

	s.logger.Info(ctx, "[DOWNLOAD_SITES] Found energy sites", logging.Fields{
		"site_count": len(products),
		"stage":      "SITE_DISCOVERY",
	})

	var failures []error
	for _, product := range products {
		siteErr := s.runSite(ctx, product, kinds, summary)
		s.progress.siteDone(siteErr)
		if siteErr == nil {
			s.metrics.RecordSite("ok")
			continue
		}

		s.metrics.RecordSite("failed")
		summary.Errors = append(summary.Errors, siteErr.Error())
		failures = append(failures, siteErr)
		if !opts.ContinueOnError || errors.Is(siteErr, context.Canceled) {
			break
		}
	}

	runErr = errors.Join(failures...)

	s.logger.Info(ctx, "[DOWNLOAD_COMPLETE] History download finished", logging.Fields{
		"sites":            summary.Sites,
		"periods_fetched":  summary.Fetched(),
		"periods_skipped":  summary.Skipped(),
		"error_count":      len(summary.Errors),
		"duration_seconds": s.clock.Now().Sub(startTime).Seconds(),
		"stage":            "COMPLETE",
	})
	return summary, runErr
}

// runSite resolves a site and walks each kind in turn
func (s *DownloadService) runSite(ctx context.Context, product models.Product, kinds []models.SeriesKind, summary *RunSummary) error {
	id := product.EnergySiteID.String()
	ctx = logging.WithSiteID(ctx, id)

	site, err := ResolveSite(ctx, s.source, product)
	if err != nil {
		s.logger.Error(ctx, "[DOWNLOAD_SITE_CONFIG] Site configuration unusable", logging.Fields{
			"resource_type": product.ResourceType,
			"stage":         "SITE_RESOLUTION",
		}, err)
		return err
	}

	s.logger.Info(ctx, "[DOWNLOAD_SITE] Processing site", logging.Fields{
		"site_name":    site.Name,
		"time_zone":    site.TimeZone,
		"installation": site.InstallationInstant.Format(time.RFC3339),
		"stage":        "SITE_PROCESSING",
	})

	for _, kind := range kinds {
		s.progress.site(site.ID, kind)
		result, err := s.engine.Run(ctx, site, kind)
		if result != nil {
			summary.Results = append(summary.Results, result)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
