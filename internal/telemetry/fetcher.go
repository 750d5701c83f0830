package telemetry

import (
	"context"
	"time"

	"solar-history/internal/models"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryPolicy bounds how often and how patiently a request is repeated
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy makes two attempts five seconds apart
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, Delay: 5 * time.Second}
}

// DefaultRequestSpacing is the pause kept between calendar requests
const DefaultRequestSpacing = 3 * time.Second

// Fetcher is the fetch adapter used by the resume engine
type Fetcher struct {
	api         API
	policy      RetryPolicy
	spacing     time.Duration
	clock       Clock
	sleep       Sleeper
	logger      *logging.StructuredLogger
	metrics     *metrics.Collector
	lastRequest time.Time
}

// FetcherOption customizes a Fetcher
type FetcherOption func(*Fetcher)

// WithRetryPolicy overrides the retry policy
func WithRetryPolicy(p RetryPolicy) FetcherOption {
	return func(f *Fetcher) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		f.policy = p
	}
}

// WithRequestSpacing overrides the minimum spacing between calendar requests
func WithRequestSpacing(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.spacing = d }
}

// WithClock injects the clock used for request spacing
func WithClock(c Clock) FetcherOption {
	return func(f *Fetcher) { f.clock = c }
}

// WithSleeper injects the sleeper used for spacing and retry delays
func WithSleeper(s Sleeper) FetcherOption {
	return func(f *Fetcher) { f.sleep = s }
}

// NewFetcher wraps api with the default policy unless overridden
func NewFetcher(api API, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		api:     api,
		policy:  DefaultRetryPolicy(),
		spacing: DefaultRequestSpacing,
		clock:   SystemClock{},
		sleep:   Sleep,
		logger:  logger,
		metrics: metricsCollector,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the raw samples of one period. A failure that survives the
// retry policy is returned as *models.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, site *models.Site, period models.Period) ([]models.RawRecord, error) {
	req := HistoryRequest{
		SiteID:   site.ID,
		Kind:     period.Kind,
		Start:    period.Start,
		End:      period.End,
		TimeZone: site.TimeZone,
	}
	kind := period.Kind.String()

	var records []models.RawRecord
	attempts, err := f.retry(ctx, kind, func() error {
		if err := f.pace(ctx); err != nil {
			return err
		}

		timer := f.metrics.NewTimer(f.metrics.FetchDuration.WithLabelValues(kind))
		var callErr error
		records, callErr = f.api.CalendarHistory(ctx, req)
		timer.ObserveDuration()
		f.lastRequest = f.clock.Now()
		return callErr
	})
	if err != nil {
		return nil, &models.FetchError{
			SiteID:      site.ID,
			Kind:        period.Kind,
			PeriodStart: period.Start,
			Attempts:    attempts,
			Err:         err,
		}
	}
	return records, nil
}

// SiteConfig fetches a site's configuration under the retry policy
func (f *Fetcher) SiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error) {
	var cfg *models.SiteConfig
	_, err := f.retry(ctx, "site_info", func() error {
		var callErr error
		cfg, callErr = f.api.SiteConfig(ctx, siteID)
		return callErr
	})
	return cfg, err
}

// Products lists account products under the retry policy
func (f *Fetcher) Products(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	_, err := f.retry(ctx, "products", func() error {
		var callErr error
		products, callErr = f.api.Products(ctx)
		return callErr
	})
	return products, err
}

func (f *Fetcher) retry(ctx context.Context, label string, call func() error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil {
			f.metrics.RecordFetch(label, "ok")
			return attempt, nil
		}
		f.metrics.RecordFetch(label, "error")

		if attempt >= f.policy.MaxAttempts || !IsTransient(err) || ctx.Err() != nil {
			return attempt, err
		}

		f.logger.Warn(ctx, "[FETCH_RETRY] Request failed, retrying", logging.Fields{
			"request":  label,
			"attempt":  attempt,
			"delay_ms": f.policy.Delay.Milliseconds(),
			"error":    err.Error(),
		})
		f.metrics.RecordRetry(label)

		if err := f.sleep(ctx, f.policy.Delay); err != nil {
			return attempt, err
		}
		f.metrics.RecordWait(f.policy.Delay)
	}
}

// pace keeps at least f.spacing between consecutive calendar requests
func (f *Fetcher) pace(ctx context.Context) error {
	if f.lastRequest.IsZero() || f.spacing <= 0 {
		return nil
	}
	wait := f.spacing - f.clock.Now().Sub(f.lastRequest)
	if wait <= 0 {
		return nil
	}
	if err := f.sleep(ctx, wait); err != nil {
		return err
	}
	f.metrics.RecordWait(wait)
	return nil
}
