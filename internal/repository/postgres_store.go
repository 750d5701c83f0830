package repository

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"solar-history/internal/models"
	"solar-history/pkg/database"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

// PostgresStore keeps artifacts in the period_artifacts table
type PostgresStore struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewPostgresStore creates a store on an open database
func NewPostgresStore(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PostgresStore {
	return &PostgresStore{db: db, logger: logger, metrics: metricsCollector}
}

// Backend implements PeriodStore
func (s *PostgresStore) Backend() string { return "postgres" }

// Exists implements PeriodStore
func (s *PostgresStore) Exists(ctx context.Context, key ArtifactKey) (exists bool, err error) {
	done := observe(s.metrics, s.Backend(), "exists")
	defer func() { done(err) }()

	query := `
		SELECT EXISTS (
			SELECT 1 FROM period_artifacts
			WHERE site_id = $1 AND kind = $2 AND period_key = $3 AND partial = $4
		)
	`

	if err = s.db.GetContext(ctx, "artifact_exists", &exists, query, key.SiteID, string(key.Kind), key.Period, key.Partial); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return exists, nil
}

// Write implements PeriodStore
func (s *PostgresStore) Write(ctx context.Context, key ArtifactKey, table *models.Table) (err error) {
	done := observe(s.metrics, s.Backend(), "write")
	defer func() { done(err) }()

	if err = checkWritable(key, table); err != nil {
		return err
	}

	var header, body bytes.Buffer
	if err = encodeTable(&header, &models.Table{Header: table.Header}); err != nil {
		return fmt.Errorf("failed to encode %s header: %w", key, err)
	}
	if err = encodeRows(&body, table.Rows); err != nil {
		return fmt.Errorf("failed to encode %s rows: %w", key, err)
	}

	query := `
		INSERT INTO period_artifacts (site_id, kind, period_key, partial, header, body, sample_count, written_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (site_id, kind, period_key, partial) DO UPDATE SET
			header = EXCLUDED.header,
			body = EXCLUDED.body,
			sample_count = EXCLUDED.sample_count,
			written_at = EXCLUDED.written_at
	`

	_, err = s.db.ExecContext(ctx, "upsert_artifact", query,
		key.SiteID,
		string(key.Kind),
		key.Period,
		key.Partial,
		strings.TrimSuffix(header.String(), "\n"),
		body.String(),
		table.Len(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	s.logger.Debug(ctx, "[STORE_WRITE] Artifact written", logging.Fields{
		"artifact": key.String(),
		"rows":     table.Len(),
	})
	return nil
}

// DeleteAllPartial implements PeriodStore
func (s *PostgresStore) DeleteAllPartial(ctx context.Context, siteID string, kind models.SeriesKind) (n int, err error) {
	done := observe(s.metrics, s.Backend(), "delete_partial")
	defer func() { done(err) }()

	query := `DELETE FROM period_artifacts WHERE site_id = $1 AND kind = $2 AND partial`

	result, err := s.db.ExecContext(ctx, "delete_partial_artifacts", query, siteID, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to delete partial artifacts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted partial artifacts: %w", err)
	}
	return int(affected), nil
}

// Read implements PeriodStore
func (s *PostgresStore) Read(ctx context.Context, key ArtifactKey) (table *models.Table, err error) {
	done := observe(s.metrics, s.Backend(), "read")
	defer func() { done(err) }()

	query := `
		SELECT header, body
		FROM period_artifacts
		WHERE site_id = $1 AND kind = $2 AND period_key = $3 AND partial = $4
	`

	var row struct {
		Header string `db:"header"`
		Body   string `db:"body"`
	}
	err = s.db.GetContext(ctx, "read_artifact", &row, query, key.SiteID, string(key.Kind), key.Period, key.Partial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "artifact", ID: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return decodeTable(strings.NewReader(row.Header + "\n" + row.Body))
}

// List implements PeriodStore
func (s *PostgresStore) List(ctx context.Context, siteID string, kind models.SeriesKind) (keys []ArtifactKey, err error) {
	done := observe(s.metrics, s.Backend(), "list")
	defer func() { done(err) }()

	query := `
		SELECT period_key, partial
		FROM period_artifacts
		WHERE site_id = $1 AND kind = $2
		ORDER BY period_key DESC, partial DESC
	`

	var rows []struct {
		PeriodKey string `db:"period_key"`
		Partial   bool   `db:"partial"`
	}
	if err = s.db.SelectContext(ctx, "list_artifacts", &rows, query, siteID, string(kind)); err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	keys = make([]ArtifactKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, ArtifactKey{SiteID: siteID, Kind: kind, Period: r.PeriodKey, Partial: r.Partial})
	}
	return keys, nil
}
