package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-history/internal/models"
	"solar-history/internal/repository"
	"solar-history/pkg/logging"
)

type stubSource struct {
	products    []models.Product
	productsErr error
	configs     map[string]*models.SiteConfig
	configErrs  map[string]error
	configCalls []string
}

func (s *stubSource) Products(context.Context) ([]models.Product, error) {
	return s.products, s.productsErr
}

func (s *stubSource) SiteConfig(_ context.Context, siteID string) (*models.SiteConfig, error) {
	s.configCalls = append(s.configCalls, siteID)
	if err, ok := s.configErrs[siteID]; ok {
		return nil, err
	}
	return s.configs[siteID], nil
}

func product(resourceType, id string) models.Product {
	return models.Product{ResourceType: resourceType, EnergySiteID: json.Number(id), SiteName: "Home " + id}
}

func newSource() *stubSource {
	return &stubSource{
		products: []models.Product{
			{ResourceType: "vehicle"},
			product("battery", "42"),
			product("solar", "42"),
			product("solar", "77"),
			product("wall_connector", "99"),
		},
		configs: map[string]*models.SiteConfig{
			"42": {SiteName: "Home", InstallationDate: "2023-03-10T12:00:00-08:00", InstallationTimeZone: "America/Los_Angeles"},
			"77": {SiteName: "Cabin", InstallationDate: "2023-03-11T08:00:00-08:00", InstallationTimeZone: "America/Los_Angeles"},
		},
		configErrs: map[string]error{},
	}
}

func newDownloadService(t *testing.T, source *stubSource, store repository.PeriodStore, fetcher PeriodFetcher) *DownloadService {
	t.Helper()
	clock := &fixedClock{now: time.Date(2023, 3, 12, 15, 0, 0, 0, losAngeles(t))}
	collector := testCollector()
	engine := NewResumeEngine(fetcher, store, clock, logging.NewNopLogger(), collector)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewDownloadService(source, engine, clock, node, logging.NewNopLogger(), collector)
}

func TestDownloadServiceSites(t *testing.T) {
	svc := newDownloadService(t, newSource(), repository.NewMemoryStore(), newStubFetcher())

	sites, err := svc.Sites(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, sites, 2)
	assert.Equal(t, "42", sites[0].EnergySiteID.String())
	assert.Equal(t, "battery", sites[0].ResourceType)
	assert.Equal(t, "77", sites[1].EnergySiteID.String())

	sites, err = svc.Sites(context.Background(), []string{"77"})
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "77", sites[0].EnergySiteID.String())

	_, err = svc.Sites(context.Background(), []string{"1234"})
	assert.Error(t, err)
}

func TestDownloadServiceRun(t *testing.T) {
	store := repository.NewMemoryStore()
	fetcher := newStubFetcher()
	svc := newDownloadService(t, newSource(), store, fetcher)

	summary, err := svc.Run(context.Background(), DownloadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Sites)
	require.Len(t, summary.Results, 4)
	// 42: three days and one month, 77: two days and one month
	assert.Equal(t, 7, summary.Fetched())
	assert.Empty(t, summary.Errors)

	snap := svc.Progress().Snapshot()
	assert.Equal(t, StateFinished, snap.State)
	assert.Equal(t, 2, snap.SitesDone)
	assert.Equal(t, 7, snap.PeriodsFetch)
	assert.Equal(t, summary.RunID, snap.RunID)
	assert.NotEmpty(t, summary.RunID)
}

func TestDownloadServiceSiteConfigFailureLeavesStoreAlone(t *testing.T) {
	store := repository.NewMemoryStore()
	stale := repository.ArtifactKey{SiteID: "42", Kind: models.SeriesPower, Period: "2023-03-01", Partial: true}
	require.NoError(t, store.Write(context.Background(), stale, &models.Table{Header: []string{"timestamp"}, Rows: [][]string{{"x"}}}))

	source := newSource()
	source.configs["42"] = &models.SiteConfig{InstallationDate: "soon", InstallationTimeZone: "America/Los_Angeles"}
	fetcher := newStubFetcher()
	svc := newDownloadService(t, source, store, fetcher)

	summary, err := svc.Run(context.Background(), DownloadOptions{Kinds: []models.SeriesKind{models.SeriesPower}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSiteConfig))

	// The run stops at the first failing site
	assert.Empty(t, fetcher.calls)
	assert.Equal(t, []string{"42"}, source.configCalls)
	assert.Len(t, summary.Errors, 1)

	ok, err := store.Exists(context.Background(), stale)
	require.NoError(t, err)
	assert.True(t, ok, "partial artifacts of a misconfigured site are not touched")
	assert.Equal(t, StateFailed, svc.Progress().Snapshot().State)
}

func TestDownloadServiceContinueOnError(t *testing.T) {
	store := repository.NewMemoryStore()
	source := newSource()
	source.configErrs["42"] = errors.New("site_info: 500")
	fetcher := newStubFetcher()
	svc := newDownloadService(t, source, store, fetcher)

	summary, err := svc.Run(context.Background(), DownloadOptions{
		Kinds:           []models.SeriesKind{models.SeriesPower},
		ContinueOnError: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSiteConfig))

	assert.Equal(t, []string{"2023-03-12", "2023-03-11"}, fetcher.calls)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "77", summary.Results[0].SiteID)
	assert.Len(t, summary.Errors, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.SitesProcessedTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.SitesProcessedTotal.WithLabelValues("failed")))
}

func TestDownloadServiceProductsFailure(t *testing.T) {
	source := newSource()
	source.productsErr = errors.New("unauthorized")
	svc := newDownloadService(t, source, repository.NewMemoryStore(), newStubFetcher())

	_, err := svc.Run(context.Background(), DownloadOptions{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, svc.Progress().Snapshot().State)
}
