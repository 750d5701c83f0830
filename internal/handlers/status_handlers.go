package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solar-history/internal/models"
	"solar-history/internal/repository"
	"solar-history/internal/services"
	"solar-history/pkg/logging"
	"solar-history/pkg/metrics"
)

// ProgressSource exposes the live state of a download run
type ProgressSource interface {
	Snapshot() services.ProgressSnapshot
}

// HealthChecker is implemented by backends that can be probed
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatusHandler serves health, progress and artifact listings while a
// download runs
type StatusHandler struct {
	progress ProgressSource
	store    repository.PeriodStore
	health   HealthChecker
	gatherer prometheus.Gatherer
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewStatusHandler creates a new status handler. health may be nil.
func NewStatusHandler(
	progress ProgressSource,
	store repository.PeriodStore,
	health HealthChecker,
	gatherer prometheus.Gatherer,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *StatusHandler {
	return &StatusHandler{
		progress: progress,
		store:    store,
		health:   health,
		gatherer: gatherer,
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ArtifactResponse describes one stored period
type ArtifactResponse struct {
	Period  string `json:"period"`
	Partial bool   `json:"partial"`
}

// ArtifactListResponse lists the stored periods of a site and kind
type ArtifactListResponse struct {
	SiteID    string             `json:"site_id"`
	Kind      string             `json:"kind"`
	Backend   string             `json:"backend"`
	Artifacts []ArtifactResponse `json:"artifacts"`
	Total     int                `json:"total"`
}

// HealthCheck handles GET /health
func (h *StatusHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"backend":   h.store.Backend(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.health != nil {
		if err := h.health.HealthCheck(ctx); err != nil {
			h.logger.Warn(ctx, "[HEALTH_CHECK] Backend unhealthy", logging.Fields{"error": err.Error()})
			h.sendError(w, r, "/health", "store backend unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	h.metrics.RecordAPIRequest("/health", strconv.Itoa(http.StatusOK))
	h.sendJSON(w, status, http.StatusOK)
}

// GetStatus handles GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordAPIRequest("/api/v1/status", strconv.Itoa(http.StatusOK))
	h.sendJSON(w, h.progress.Snapshot(), http.StatusOK)
}

// ListArtifacts handles GET /api/v1/sites/{site_id}/{kind}/artifacts
func (h *StatusHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/api/v1/sites/{site_id}/{kind}/artifacts"
	ctx := r.Context()
	vars := mux.Vars(r)

	if _, err := strconv.ParseUint(vars["site_id"], 10, 64); err != nil {
		h.sendError(w, r, endpoint, "site_id must be a numeric energy site id", http.StatusBadRequest)
		return
	}

	kind, err := models.ParseSeriesKind(vars["kind"])
	if err != nil {
		h.sendError(w, r, endpoint, err.Error(), http.StatusBadRequest)
		return
	}

	keys, err := h.store.List(ctx, vars["site_id"], kind)
	if err != nil {
		h.logger.Error(ctx, "[API_ERROR] Failed to list artifacts", logging.Fields{
			"site_id": vars["site_id"],
			"kind":    kind.String(),
		}, err)
		h.sendError(w, r, endpoint, "failed to list artifacts", http.StatusInternalServerError)
		return
	}

	response := ArtifactListResponse{
		SiteID:    vars["site_id"],
		Kind:      kind.String(),
		Backend:   h.store.Backend(),
		Artifacts: make([]ArtifactResponse, 0, len(keys)),
		Total:     len(keys),
	}
	for _, key := range keys {
		response.Artifacts = append(response.Artifacts, ArtifactResponse{Period: key.Period, Partial: key.Partial})
	}

	h.metrics.RecordAPIRequest(endpoint, strconv.Itoa(http.StatusOK))
	h.sendJSON(w, response, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *StatusHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *StatusHandler) sendError(w http.ResponseWriter, r *http.Request, endpoint, message string, statusCode int) {
	h.metrics.RecordAPIRequest(endpoint, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	h.sendJSON(w, response, statusCode)
}

// RegisterRoutes registers all status routes
func (h *StatusHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/status", h.GetStatus).Methods("GET")
	router.HandleFunc("/api/v1/sites/{site_id}/{kind}/artifacts", h.ListArtifacts).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// NewServer builds the status HTTP server
func NewServer(addr string, handler *StatusHandler, readTimeout, writeTimeout, idleTimeout time.Duration) *http.Server {
	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Serve runs srv until ctx is done, then shuts it down
func Serve(ctx context.Context, srv *http.Server, logger *logging.StructuredLogger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "[SERVER_START] Status server listening", logging.Fields{
			"address": srv.Addr,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info(ctx, "[SHUTDOWN] Shutting down status server", logging.Fields{})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
