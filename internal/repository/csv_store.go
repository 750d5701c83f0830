package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"solar-history/internal/models"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

const (
	csvExtension  = ".csv"
	partialSuffix = ".partial" + csvExtension
)

// CSVStore keeps one CSV file per artifact under
// <root>/<site>/<kind>/<period>[.partial].csv
type CSVStore struct {
	root    string
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewCSVStore creates a store rooted at dir
func NewCSVStore(dir string, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *CSVStore {
	return &CSVStore{root: dir, logger: logger, metrics: metricsCollector}
}

// Backend implements PeriodStore
func (s *CSVStore) Backend() string { return "csv" }

// Path returns the file holding key
func (s *CSVStore) Path(key ArtifactKey) string {
	name := key.Period + csvExtension
	if key.Partial {
		name = key.Period + partialSuffix
	}
	return filepath.Join(s.kindDir(key.SiteID, key.Kind), name)
}

func (s *CSVStore) kindDir(siteID string, kind models.SeriesKind) string {
	return filepath.Join(s.root, siteID, string(kind))
}

// checkSiteDir rejects site ids that would not name a single directory
// directly under the store root
func checkSiteDir(siteID string) error {
	if !filepath.IsLocal(siteID) || strings.ContainsAny(siteID, `/\`) {
		return fmt.Errorf("invalid site id %q", siteID)
	}
	return nil
}

// Exists implements PeriodStore
func (s *CSVStore) Exists(ctx context.Context, key ArtifactKey) (exists bool, err error) {
	done := observe(s.metrics, s.Backend(), "exists")
	defer func() { done(err) }()

	_, err = os.Stat(s.Path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", key, err)
}

// Write implements PeriodStore. The file is written beside its final name
// and renamed into place so readers never see a truncated artifact.
func (s *CSVStore) Write(ctx context.Context, key ArtifactKey, table *models.Table) (err error) {
	done := observe(s.metrics, s.Backend(), "write")
	defer func() { done(err) }()

	if err = checkWritable(key, table); err != nil {
		return err
	}
	if err = checkSiteDir(key.SiteID); err != nil {
		return err
	}

	path := s.Path(key)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = encodeTable(tmp, table); err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	// CreateTemp opens files 0600; artifacts get the usual 0644
	if err = tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}

	s.logger.Debug(ctx, "[STORE_WRITE] Artifact written", logging.Fields{
		"path": path,
		"rows": table.Len(),
	})
	return nil
}

// DeleteAllPartial implements PeriodStore
func (s *CSVStore) DeleteAllPartial(ctx context.Context, siteID string, kind models.SeriesKind) (n int, err error) {
	done := observe(s.metrics, s.Backend(), "delete_partial")
	defer func() { done(err) }()

	if err = checkSiteDir(siteID); err != nil {
		return 0, err
	}
	matches, err := filepath.Glob(filepath.Join(s.kindDir(siteID, kind), "*"+partialSuffix))
	if err != nil {
		return 0, fmt.Errorf("failed to list partial artifacts: %w", err)
	}

	for _, path := range matches {
		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return n, fmt.Errorf("failed to delete partial artifact %s: %w", path, err)
		}
		err = nil
		n++
		s.logger.Debug(ctx, "[STORE_DELETE_PARTIAL] Partial artifact removed", logging.Fields{"path": path})
	}
	return n, nil
}

// Read implements PeriodStore
func (s *CSVStore) Read(ctx context.Context, key ArtifactKey) (table *models.Table, err error) {
	done := observe(s.metrics, s.Backend(), "read")
	defer func() { done(err) }()

	f, err := os.Open(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Resource: "artifact", ID: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	return decodeTable(f)
}

// List implements PeriodStore
func (s *CSVStore) List(ctx context.Context, siteID string, kind models.SeriesKind) (keys []ArtifactKey, err error) {
	done := observe(s.metrics, s.Backend(), "list")
	defer func() { done(err) }()

	if err = checkSiteDir(siteID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.kindDir(siteID, kind))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key := ArtifactKey{SiteID: siteID, Kind: kind}
		switch {
		case strings.HasSuffix(name, partialSuffix):
			key.Period = strings.TrimSuffix(name, partialSuffix)
			key.Partial = true
		case strings.HasSuffix(name, csvExtension):
			key.Period = strings.TrimSuffix(name, csvExtension)
		default:
			continue
		}
		keys = append(keys, key)
	}

	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []ArtifactKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Period != keys[j].Period {
			return keys[i].Period > keys[j].Period
		}
		return keys[i].Partial && !keys[j].Partial
	})
}
