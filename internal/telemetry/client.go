// Package telemetry talks to the Tesla energy site API and wraps calendar
// history requests in a bounded retry and request spacing policy.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"solar-history/internal/models"
	"solar-history/pkg/logging"
)

// HistoryRequest selects one period of one series for a site
type HistoryRequest struct {
	SiteID   string
	Kind     models.SeriesKind
	Start    time.Time
	End      time.Time
	TimeZone string
}

// API is the upstream capability the downloader depends on
type API interface {
	CalendarHistory(ctx context.Context, req HistoryRequest) ([]models.RawRecord, error)
	SiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error)
	Products(ctx context.Context) ([]models.Product, error)
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.StatusCode, strings.TrimSpace(body))
}

// IsTransient reports whether repeating the request may succeed
func (e *APIError) IsTransient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type transient interface {
	IsTransient() bool
}

// IsTransient classifies an error for the retry policy. Errors that do not
// say otherwise (network failures, truncated bodies) are transient;
// cancellation never is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t transient
	if errors.As(err, &t) {
		return t.IsTransient()
	}
	return true
}

// Client is the HTTP implementation of API
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	logger     *logging.StructuredLogger
}

// NewClient creates a client authenticated with an owner API access token
func NewClient(baseURL, token, userAgent string, timeout time.Duration, logger *logging.StructuredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error"`
}

type historyResponse struct {
	SerialNumber string             `json:"serial_number"`
	TimeSeries   []models.RawRecord `json:"time_series"`
}

// CalendarHistory fetches the samples of one period
func (c *Client) CalendarHistory(ctx context.Context, req HistoryRequest) ([]models.RawRecord, error) {
	query := url.Values{}
	query.Set("kind", string(req.Kind))
	query.Set("period", req.Kind.Granularity())
	query.Set("start_date", req.Start.Format(time.RFC3339))
	query.Set("end_date", req.End.Format(time.RFC3339))
	query.Set("time_zone", req.TimeZone)
	query.Set("fill_telemetry", "0")

	var resp historyResponse
	path := "/api/1/energy_sites/" + url.PathEscape(req.SiteID) + "/calendar_history"
	if err := c.get(ctx, path, query, &resp); err != nil {
		return nil, err
	}
	return resp.TimeSeries, nil
}

// SiteConfig fetches the installation date and time zone of a site
func (c *Client) SiteConfig(ctx context.Context, siteID string) (*models.SiteConfig, error) {
	var cfg models.SiteConfig
	if err := c.get(ctx, "/api/1/energy_sites/"+url.PathEscape(siteID)+"/site_info", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Products lists every product on the account
func (c *Client) Products(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := c.get(ctx, "/api/1/products", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dest interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}

	c.logger.Debug(ctx, "[API_REQUEST] Request completed", logging.Fields{
		"path":        path,
		"status":      resp.StatusCode,
		"bytes":       len(body),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Endpoint: path, Body: string(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	if env.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Endpoint: path, Body: env.Error}
	}
	if len(env.Response) == 0 || string(env.Response) == "null" {
		return fmt.Errorf("%s response has no payload", path)
	}
	if err := json.Unmarshal(env.Response, dest); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", path, err)
	}
	return nil
}
