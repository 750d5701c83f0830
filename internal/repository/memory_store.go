package repository

import (
	"context"
	"sync"

	"solar-history/internal/models"
)

// MemoryStore keeps artifacts in memory; used for dry runs and tests
type MemoryStore struct {
	mu        sync.Mutex
	artifacts map[ArtifactKey]*models.Table
	writes    map[ArtifactKey]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[ArtifactKey]*models.Table),
		writes:    make(map[ArtifactKey]int),
	}
}

// Backend implements PeriodStore
func (s *MemoryStore) Backend() string { return "memory" }

// Exists implements PeriodStore
func (s *MemoryStore) Exists(_ context.Context, key ArtifactKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.artifacts[key]
	return ok, nil
}

// Write implements PeriodStore
func (s *MemoryStore) Write(_ context.Context, key ArtifactKey, table *models.Table) error {
	if err := checkWritable(key, table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[key] = cloneTable(table)
	s.writes[key]++
	return nil
}

// DeleteAllPartial implements PeriodStore
func (s *MemoryStore) DeleteAllPartial(_ context.Context, siteID string, kind models.SeriesKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.artifacts {
		if key.Partial && key.SiteID == siteID && key.Kind == kind {
			delete(s.artifacts, key)
			n++
		}
	}
	return n, nil
}

// Read implements PeriodStore
func (s *MemoryStore) Read(_ context.Context, key ArtifactKey) (*models.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.artifacts[key]
	if !ok {
		return nil, &NotFoundError{Resource: "artifact", ID: key.String()}
	}
	return cloneTable(table), nil
}

// List implements PeriodStore
func (s *MemoryStore) List(_ context.Context, siteID string, kind models.SeriesKind) ([]ArtifactKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []ArtifactKey
	for key := range s.artifacts {
		if key.SiteID == siteID && key.Kind == kind {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// Writes returns how many times key has been written
func (s *MemoryStore) Writes(key ArtifactKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[key]
}

func cloneTable(t *models.Table) *models.Table {
	out := &models.Table{
		Header: append([]string(nil), t.Header...),
		Rows:   make([][]string, len(t.Rows)),
	}
	for i, row := range t.Rows {
		out.Rows[i] = append([]string(nil), row...)
	}
	return out
}
