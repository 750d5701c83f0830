package repository

import (
	"context"
	"fmt"
	"time"

	"solar-history/internal/models"
	"solar-history/pkg/metrics"
)

// ArtifactKey addresses one persisted period. Complete and partial
// artifacts of the same period are distinct keys.
type ArtifactKey struct {
	SiteID  string
	Kind    models.SeriesKind
	Period  string // period start as YYYY-MM-DD (power) or YYYY-MM (energy)
	Partial bool
}

// KeyFor builds the key of a period's artifact
func KeyFor(siteID string, period models.Period, partial bool) ArtifactKey {
	return ArtifactKey{
		SiteID:  siteID,
		Kind:    period.Kind,
		Period:  period.Label(),
		Partial: partial,
	}
}

func (k ArtifactKey) String() string {
	state := "complete"
	if k.Partial {
		state = "partial"
	}
	return fmt.Sprintf("%s/%s/%s (%s)", k.SiteID, k.Kind, k.Period, state)
}

// PeriodStore persists one artifact per (site, kind, period, partial)
type PeriodStore interface {
	// Exists reports whether the artifact has been written
	Exists(ctx context.Context, key ArtifactKey) (bool, error)

	// Write replaces the artifact; a table without rows fails with models.ErrEmptySeries
	Write(ctx context.Context, key ArtifactKey, table *models.Table) error

	// DeleteAllPartial removes every partial artifact of a site and kind
	DeleteAllPartial(ctx context.Context, siteID string, kind models.SeriesKind) (int, error)

	// Read loads an artifact, returning *NotFoundError when absent
	Read(ctx context.Context, key ArtifactKey) (*models.Table, error)

	// List returns the artifacts of a site and kind, newest period first
	List(ctx context.Context, siteID string, kind models.SeriesKind) ([]ArtifactKey, error)

	// Backend names the store for logs and metrics
	Backend() string
}

// NotFoundError represents a missing artifact
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsTransient returns false as a missing artifact stays missing
func (e *NotFoundError) IsTransient() bool {
	return false
}

func checkWritable(key ArtifactKey, table *models.Table) error {
	if table.Len() == 0 {
		return fmt.Errorf("refusing to write %s: %w", key, models.ErrEmptySeries)
	}
	return nil
}

// observe times one store operation and counts its failure
func observe(m *metrics.Collector, backend, operation string) func(error) {
	started := time.Now()
	return func(err error) {
		m.StoreOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(started).Seconds())
		if err != nil {
			m.RecordStoreError(backend, operation)
		}
	}
}
