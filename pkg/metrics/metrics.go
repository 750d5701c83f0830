package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Period outcomes recorded by PeriodsTotal
const (
	OutcomeFetched = "fetched"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Collector provides application metrics collection
type Collector struct {
	// Upstream API metrics
	FetchRequestsTotal *prometheus.CounterVec
	FetchRetriesTotal  *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	FetchWaitSeconds   prometheus.Counter

	// Resume engine metrics
	PeriodsTotal           *prometheus.CounterVec
	ArtifactsWrittenTotal  *prometheus.CounterVec
	PartialsDeletedTotal   *prometheus.CounterVec
	SamplesWrittenTotal    *prometheus.CounterVec
	SitesProcessedTotal    *prometheus.CounterVec
	RunDuration            prometheus.Histogram
	LastSuccessfulPeriodTS *prometheus.GaugeVec

	// Period store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec

	// Database metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec

	// Status API metrics
	APIRequestsTotal *prometheus.CounterVec
}

// NewCollector registers the collector's metrics with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		FetchRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_requests_total",
				Help:      "Calendar history requests by series kind and status",
			},
			[]string{"kind", "status"},
		),

		FetchRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_retries_total",
				Help:      "Calendar history requests retried after a transient failure",
			},
			[]string{"kind"},
		),

		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Calendar history request duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),

		FetchWaitSeconds: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_wait_seconds_total",
				Help:      "Time spent waiting on request spacing and retry delays",
			},
		),

		PeriodsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "periods_total",
				Help:      "Periods visited by the resume engine by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		ArtifactsWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifacts_written_total",
				Help:      "Artifacts written by kind and state (complete or partial)",
			},
			[]string{"kind", "state"},
		),

		PartialsDeletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partial_artifacts_deleted_total",
				Help:      "Partial artifacts removed at the start of a kind",
			},
			[]string{"kind"},
		),

		SamplesWrittenTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_written_total",
				Help:      "Sample rows persisted by kind",
			},
			[]string{"kind"},
		),

		SitesProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sites_processed_total",
				Help:      "Energy sites processed by result",
			},
			[]string{"result"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a full download run in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600, 7200},
			},
		),

		LastSuccessfulPeriodTS: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_written_period_start_timestamp_seconds",
				Help:      "Start of the most recently written period by site and kind",
			},
			[]string{"site_id", "kind"},
		),

		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Period store operation duration in seconds by backend and operation",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"backend", "operation"},
		),

		StoreErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Period store errors by backend and operation",
			},
			[]string{"backend", "operation"},
		),

		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),

		APIRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_api_requests_total",
				Help:      "Status API requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),
	}
}

// Timer provides timing functionality for operations
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a new timer
func (c *Collector) NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{
		start:    time.Now(),
		observer: observer,
	}
}

// ObserveDuration records the elapsed time since timer creation
func (t *Timer) ObserveDuration() time.Duration {
	duration := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(duration.Seconds())
	}
	return duration
}

// RecordFetch counts one calendar history attempt
func (c *Collector) RecordFetch(kind, status string) {
	c.FetchRequestsTotal.WithLabelValues(kind, status).Inc()
}

// RecordRetry counts one retried calendar history request
func (c *Collector) RecordRetry(kind string) {
	c.FetchRetriesTotal.WithLabelValues(kind).Inc()
}

// RecordWait accumulates time slept between requests
func (c *Collector) RecordWait(d time.Duration) {
	if d > 0 {
		c.FetchWaitSeconds.Add(d.Seconds())
	}
}

// RecordPeriod counts a period outcome
func (c *Collector) RecordPeriod(kind, outcome string) {
	c.PeriodsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordArtifact counts a written artifact and its rows
func (c *Collector) RecordArtifact(siteID, kind string, partial bool, rows int, periodStart time.Time) {
	state := "complete"
	if partial {
		state = "partial"
	}
	c.ArtifactsWrittenTotal.WithLabelValues(kind, state).Inc()
	c.SamplesWrittenTotal.WithLabelValues(kind).Add(float64(rows))
	c.LastSuccessfulPeriodTS.WithLabelValues(siteID, kind).Set(float64(periodStart.Unix()))
}

// RecordPartialsDeleted counts removed partial artifacts
func (c *Collector) RecordPartialsDeleted(kind string, n int) {
	c.PartialsDeletedTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordSite counts a processed site
func (c *Collector) RecordSite(result string) {
	c.SitesProcessedTotal.WithLabelValues(result).Inc()
}

// RecordStoreError increments store error counter
func (c *Collector) RecordStoreError(backend, operation string) {
	c.StoreErrorsTotal.WithLabelValues(backend, operation).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// RecordAPIRequest increments status API request counter
func (c *Collector) RecordAPIRequest(endpoint, status string) {
	c.APIRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}
