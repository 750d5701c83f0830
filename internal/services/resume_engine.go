package services

import (
	"context"
	"fmt"
	"time"

	"solar-history/internal/calendar"
	"solar-history/internal/models"
	"solar-history/internal/repository"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

// PeriodFetcher returns the raw samples of one period
type PeriodFetcher interface {
	Fetch(ctx context.Context, site *models.Site, period models.Period) ([]models.RawRecord, error)
}

// Clock supplies "now" for the start of a resume walk
type Clock interface {
	Now() time.Time
}

// KindResult summarizes one resume walk over a site and series kind
type KindResult struct {
	SiteID          string            `json:"site_id"`
	Kind            models.SeriesKind `json:"kind"`
	PartialsDeleted int               `json:"partials_deleted"`
	Visited         int               `json:"periods_visited"`
	Fetched         int               `json:"periods_fetched"`
	Skipped         int               `json:"periods_skipped"`
	Samples         int               `json:"samples_written"`
	Oldest          string            `json:"oldest_period,omitempty"`
	Duration        time.Duration     `json:"duration"`
}

// ResumeEngine walks a site's history backwards from now, fetching only
// the latest period and periods without a complete artifact
type ResumeEngine struct {
	fetcher  PeriodFetcher
	store    repository.PeriodStore
	clock    Clock
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	progress *Progress
}

// NewResumeEngine creates a new resume engine
func NewResumeEngine(fetcher PeriodFetcher, store repository.PeriodStore, clock Clock, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ResumeEngine {
	return &ResumeEngine{
		fetcher: fetcher,
		store:   store,
		clock:   clock,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// WithProgress reports each visited period to p
func (e *ResumeEngine) WithProgress(p *Progress) *ResumeEngine {
	e.progress = p
	return e
}

// Run processes one (site, kind). Partial artifacts are discarded first,
// then periods are visited newest to oldest until the installation instant.
// The first failure stops the walk and is returned as *models.PeriodError;
// artifacts written before it stay in place.
func (e *ResumeEngine) Run(ctx context.Context, site *models.Site, kind models.SeriesKind) (*KindResult, error) {
	started := time.Now()
	ctx = logging.WithSiteID(ctx, site.ID)
	log := e.logger.WithFields(logging.Fields{
		"kind":    kind.String(),
		"backend": e.store.Backend(),
	})
	result := &KindResult{SiteID: site.ID, Kind: kind}
	defer func() { result.Duration = time.Since(started) }()

	deleted, err := e.store.DeleteAllPartial(ctx, site.ID, kind)
	if err != nil {
		return result, fmt.Errorf("failed to clear partial %s artifacts of site %s: %w", kind, site.ID, err)
	}
	result.PartialsDeleted = deleted
	e.metrics.RecordPartialsDeleted(kind.String(), deleted)

	log.Info(ctx, "[RESUME_START] Walking site history", logging.Fields{
		"installation":     site.InstallationInstant.Format(time.RFC3339),
		"time_zone":        site.TimeZone,
		"partials_deleted": deleted,
	})

	cursor := calendar.NewCursor(kind, site.Location, e.clock.Now(), site.InstallationInstant)
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		period, ok := cursor.Next()
		if !ok {
			break
		}
		result.Visited++
		result.Oldest = period.Label()

		outcome, rows, err := e.processPeriod(ctx, site, period)
		e.metrics.RecordPeriod(kind.String(), outcome)
		e.progress.period(site.ID, period, outcome)
		if err != nil {
			log.Error(ctx, "[RESUME_PERIOD_FAILED] Period failed, stopping walk", logging.Fields{
				"period":  period.Label(),
				"latest":  period.IsLatest,
				"fetched": result.Fetched,
				"skipped": result.Skipped,
			}, err)
			return result, &models.PeriodError{SiteID: site.ID, Period: period, Err: err}
		}

		switch outcome {
		case metrics.OutcomeFetched:
			result.Fetched++
			result.Samples += rows
		case metrics.OutcomeSkipped:
			result.Skipped++
		}
	}

	log.Info(ctx, "[RESUME_COMPLETE] Site history is up to date", logging.Fields{
		"visited":     result.Visited,
		"fetched":     result.Fetched,
		"skipped":     result.Skipped,
		"samples":     result.Samples,
		"oldest":      result.Oldest,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return result, nil
}

// processPeriod handles one period and reports its outcome and row count
func (e *ResumeEngine) processPeriod(ctx context.Context, site *models.Site, period models.Period) (string, int, error) {
	if !period.IsLatest {
		exists, err := e.store.Exists(ctx, repository.KeyFor(site.ID, period, false))
		if err != nil {
			return metrics.OutcomeFailed, 0, err
		}
		if exists {
			e.logger.Debug(ctx, "[RESUME_SKIP] Period already complete", logging.Fields{
				"kind":   period.Kind.String(),
				"period": period.Label(),
			})
			return metrics.OutcomeSkipped, 0, nil
		}
	}

	records, err := e.fetcher.Fetch(ctx, site, period)
	if err != nil {
		return metrics.OutcomeFailed, 0, err
	}

	table, err := BuildTable(period.Kind, site.Location, records)
	if err != nil {
		return metrics.OutcomeFailed, 0, err
	}

	key := repository.KeyFor(site.ID, period, period.IsLatest)
	if err := e.store.Write(ctx, key, table); err != nil {
		return metrics.OutcomeFailed, 0, err
	}
	e.metrics.RecordArtifact(site.ID, period.Kind.String(), key.Partial, table.Len(), period.Start)

	e.logger.Info(ctx, "[RESUME_WRITE] Period written", logging.Fields{
		"kind":    period.Kind.String(),
		"period":  period.Label(),
		"partial": key.Partial,
		"rows":    table.Len(),
	})
	return metrics.OutcomeFetched, table.Len(), nil
}
