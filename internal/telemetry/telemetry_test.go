package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-history/internal/models"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type recordingSleeper struct {
	clock  *fakeClock
	sleeps []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	s.clock.now = s.clock.now.Add(d)
	return nil
}

type scriptedAPI struct {
	errs     []error
	records  []models.RawRecord
	requests []HistoryRequest
}

func (a *scriptedAPI) CalendarHistory(_ context.Context, req HistoryRequest) ([]models.RawRecord, error) {
	a.requests = append(a.requests, req)
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return a.records, nil
}

func (a *scriptedAPI) SiteConfig(context.Context, string) (*models.SiteConfig, error) {
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.SiteConfig{InstallationTimeZone: "UTC"}, nil
}

func (a *scriptedAPI) Products(context.Context) ([]models.Product, error) {
	return []models.Product{{ResourceType: "battery", EnergySiteID: "1"}}, nil
}

func newTestFetcher(api API, policy RetryPolicy, spacing time.Duration) (*Fetcher, *recordingSleeper, *metrics.Collector) {
	clock := &fakeClock{now: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)}
	sleeper := &recordingSleeper{clock: clock}
	collector := metrics.NewCollector("solar_history_test", prometheus.NewRegistry())
	f := NewFetcher(api, logging.NewNopLogger(), collector,
		WithRetryPolicy(policy),
		WithRequestSpacing(spacing),
		WithClock(clock),
		WithSleeper(sleeper.Sleep),
	)
	return f, sleeper, collector
}

func testSiteAndPeriod() (*models.Site, models.Period) {
	site := &models.Site{ID: "42", TimeZone: "UTC", Location: time.UTC}
	period := models.Period{
		Kind:  models.SeriesPower,
		Start: time.Date(2023, 5, 31, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2023, 5, 31, 23, 59, 59, 0, time.UTC),
	}
	return site, period
}

func TestFetcherSucceedsFirstAttempt(t *testing.T) {
	api := &scriptedAPI{records: make([]models.RawRecord, 3)}
	f, sleeper, collector := newTestFetcher(api, DefaultRetryPolicy(), time.Second)
	site, period := testSiteAndPeriod()

	records, err := f.Fetch(context.Background(), site, period)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Empty(t, sleeper.sleeps)

	require.Len(t, api.requests, 1)
	assert.Equal(t, "42", api.requests[0].SiteID)
	assert.Equal(t, "UTC", api.requests[0].TimeZone)
	assert.True(t, period.End.Equal(api.requests[0].End))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.FetchRequestsTotal.WithLabelValues("power", "ok")))
}

func TestFetcherRetriesTransientFailureOnce(t *testing.T) {
	api := &scriptedAPI{
		errs:    []error{&APIError{StatusCode: http.StatusBadGateway, Endpoint: "x"}},
		records: make([]models.RawRecord, 1),
	}
	f, sleeper, collector := newTestFetcher(api, DefaultRetryPolicy(), time.Second)
	site, period := testSiteAndPeriod()

	_, err := f.Fetch(context.Background(), site, period)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.sleeps)
	assert.Len(t, api.requests, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.FetchRetriesTotal.WithLabelValues("power")))
}

func TestFetcherGivesUpAfterMaxAttempts(t *testing.T) {
	netErr := errors.New("connection reset by peer")
	api := &scriptedAPI{errs: []error{netErr, netErr, netErr}}
	f, sleeper, _ := newTestFetcher(api, DefaultRetryPolicy(), time.Second)
	site, period := testSiteAndPeriod()

	_, err := f.Fetch(context.Background(), site, period)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrFetchFailed))
	assert.True(t, errors.Is(err, netErr))

	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 2, fetchErr.Attempts)
	assert.Equal(t, "42", fetchErr.SiteID)
	assert.Len(t, api.requests, 2)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.sleeps)
}

func TestFetcherDoesNotRetryPermanentFailure(t *testing.T) {
	api := &scriptedAPI{errs: []error{&APIError{StatusCode: http.StatusUnauthorized, Endpoint: "x"}}}
	f, sleeper, _ := newTestFetcher(api, DefaultRetryPolicy(), time.Second)
	site, period := testSiteAndPeriod()

	_, err := f.Fetch(context.Background(), site, period)
	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.Empty(t, sleeper.sleeps)
}

func TestFetcherSpacesConsecutiveRequests(t *testing.T) {
	api := &scriptedAPI{records: make([]models.RawRecord, 1)}
	f, sleeper, _ := newTestFetcher(api, DefaultRetryPolicy(), 3*time.Second)
	site, period := testSiteAndPeriod()

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), site, period)
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, sleeper.sleeps)
}

func TestFetcherSpacingSkippedWhenAlreadyElapsed(t *testing.T) {
	api := &scriptedAPI{records: make([]models.RawRecord, 1)}
	f, sleeper, _ := newTestFetcher(api, DefaultRetryPolicy(), 3*time.Second)
	site, period := testSiteAndPeriod()

	_, err := f.Fetch(context.Background(), site, period)
	require.NoError(t, err)
	sleeper.clock.now = sleeper.clock.now.Add(10 * time.Second)
	_, err = f.Fetch(context.Background(), site, period)
	require.NoError(t, err)
	assert.Empty(t, sleeper.sleeps)
}

func TestFetcherSiteConfigRetries(t *testing.T) {
	api := &scriptedAPI{errs: []error{errors.New("timeout"), nil}}
	f, sleeper, _ := newTestFetcher(api, DefaultRetryPolicy(), time.Second)

	cfg, err := f.SiteConfig(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.InstallationTimeZone)
	assert.Len(t, sleeper.sleeps, 1)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("eof")))
	assert.True(t, IsTransient(&APIError{StatusCode: 503}))
	assert.True(t, IsTransient(&APIError{StatusCode: 429}))
	assert.False(t, IsTransient(&APIError{StatusCode: 404}))
	assert.False(t, IsTransient(&models.ValidationError{}))
}

func TestClientCalendarHistory(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/energy_sites/42/calendar_history", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "power", q.Get("kind"))
		assert.Equal(t, "day", q.Get("period"))
		assert.Equal(t, "2023-03-12T00:00:00-08:00", q.Get("start_date"))
		assert.Equal(t, "2023-03-12T23:59:59-07:00", q.Get("end_date"))
		assert.Equal(t, "America/Los_Angeles", q.Get("time_zone"))
		assert.Equal(t, "0", q.Get("fill_telemetry"))

		w.Write([]byte(`{"response":{"serial_number":"x","time_series":[
			{"timestamp":"2023-03-12T00:00:00-08:00","solar_power":0,"battery_power":250.5,"grid_power":10,"generator_power":0},
			{"timestamp":"2023-03-12T00:05:00-08:00","solar_power":0,"battery_power":240,"grid_power":12,"generator_power":0}]}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "tok", "test", 5*time.Second, logging.NewNopLogger())
	records, err := client.CalendarHistory(context.Background(), HistoryRequest{
		SiteID:   "42",
		Kind:     models.SeriesPower,
		Start:    time.Date(2023, 3, 12, 0, 0, 0, 0, la),
		End:      time.Date(2023, 3, 12, 23, 59, 59, 0, la),
		TimeZone: "America/Los_Angeles",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"timestamp", "solar_power", "battery_power", "grid_power", "generator_power"}, records[0].Keys)

	v, err := records[0].Number("battery_power")
	require.NoError(t, err)
	assert.Equal(t, 250.5, v)
}

func TestClientErrorsAndMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1/products", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"response":[{"id":1,"vin":"5YJ"},{"resource_type":"battery","energy_site_id":123456789012,"site_name":"Home"}]}`))
	})
	mux.HandleFunc("/api/1/energy_sites/7/site_info", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"response":{"site_name":"Home","installation_date":"2021-03-11T09:44:15-08:00","installation_time_zone":"America/Los_Angeles"}}`))
	})
	mux.HandleFunc("/api/1/energy_sites/8/site_info", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`upstream busy`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(server.URL, "tok", "", 5*time.Second, logging.NewNopLogger())
	ctx := context.Background()

	products, err := client.Products(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.False(t, products[0].IsEnergySite())
	assert.True(t, products[1].IsEnergySite())
	assert.Equal(t, "123456789012", products[1].EnergySiteID.String())

	cfg, err := client.SiteConfig(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "America/Los_Angeles", cfg.InstallationTimeZone)

	_, err = client.SiteConfig(ctx, "8")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "upstream busy")
}

func TestResolveAccessToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := t.TempDir()

	write := func(name string, v interface{}) string {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}
	entry := func(token string, expires float64) map[string]interface{} {
		return map[string]interface{}{"sso": map[string]interface{}{"access_token": token, "expires_at": expires}}
	}

	single := write("single.json", map[string]interface{}{"a@example.com": entry("tok-a", 1800000000)})
	multi := write("multi.json", map[string]interface{}{
		"a@example.com": entry("tok-a", 1800000000),
		"b@example.com": entry("tok-b", 1600000000),
	})

	tok, err := ResolveAccessToken("explicit", multi, "", now)
	require.NoError(t, err)
	assert.Equal(t, "explicit", tok)

	tok, err = ResolveAccessToken("", single, "", now)
	require.NoError(t, err)
	assert.Equal(t, "tok-a", tok)

	_, err = ResolveAccessToken("", multi, "", now)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = ResolveAccessToken("", multi, "b@example.com", now)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = ResolveAccessToken("", multi, "c@example.com", now)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = ResolveAccessToken("", filepath.Join(dir, "absent.json"), "a@example.com", now)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}
