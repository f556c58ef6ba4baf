// Package rest serves the reports and actions as a JSON API under /api/v1.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/service"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/routing"
)

// maxBodyBytes bounds action request bodies.
const maxBodyBytes = 1 << 20

// Reporter is the reporting and action surface the API exposes.
type Reporter interface {
	PerformanceSnapshot(ctx context.Context) (*domain.PerformanceSnapshot, error)
	IndexReport(ctx context.Context) (*domain.IndexReport, error)
	QueryReport(ctx context.Context) (*domain.QueryReport, error)
	PartitionReport(ctx context.Context) (*domain.PartitionReport, error)
	PriorityRecommendations(ctx context.Context, minPriority domain.Priority) (*service.PriorityReport, error)
	MaintenanceStatus() domain.MaintenanceStatus
	NPlusOneStats() []nplusone.PatternStats
	ReplicaHealth() []routing.ReplicaHealth

	RunMaintenance(ctx context.Context) (*domain.MaintenanceReport, error)
	CreateIndex(ctx context.Context, req service.IndexRequest) (domain.DDLResult, error)
	CreatePartitions(ctx context.Context, req service.PartitionRequest) (domain.DDLResult, error)
	ResetStatistics(ctx context.Context) error
}

// Response is the envelope of every API response.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Time      time.Time `json:"time"`
}

type requestIDKey struct{}

// API holds the handlers.
type API struct {
	reporter Reporter
	logger   *slog.Logger
}

// NewRouter returns a router serving the API under /api/v1.
func NewRouter(reporter Reporter, logger *slog.Logger) *mux.Router {
	a := &API{reporter: reporter, logger: logger}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(a.requestID, a.accessLog)

	api.HandleFunc("/snapshot", a.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/reports/indexes", a.handleIndexReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/queries", a.handleQueryReport).Methods(http.MethodGet)
	api.HandleFunc("/reports/partitions", a.handlePartitionReport).Methods(http.MethodGet)
	api.HandleFunc("/recommendations", a.handleRecommendations).Methods(http.MethodGet)
	api.HandleFunc("/maintenance", a.handleMaintenanceStatus).Methods(http.MethodGet)
	api.HandleFunc("/nplusone", a.handleNPlusOne).Methods(http.MethodGet)
	api.HandleFunc("/replicas", a.handleReplicas).Methods(http.MethodGet)

	api.HandleFunc("/maintenance/run", a.handleRunMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/indexes", a.handleCreateIndex).Methods(http.MethodPost)
	api.HandleFunc("/partitions", a.handleCreatePartitions).Methods(http.MethodPost)
	api.HandleFunc("/statistics/reset", a.handleResetStatistics).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.sendError(w, r, http.StatusNotFound, "no such endpoint")
	})
	return router
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		a.logger.LogAttrs(r.Context(), slog.LevelInfo, "api request",
			slog.String("http.request.method", r.Method),
			slog.String("http.route", route),
			slog.Int("http.response.status_code", rec.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (a *API) sendJSON(w http.ResponseWriter, r *http.Request, status int, resp Response) {
	resp.RequestID = requestIDFrom(r.Context())
	resp.Time = time.Now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("writing response failed", slog.String("error.message", err.Error()))
	}
}

func (a *API) sendData(w http.ResponseWriter, r *http.Request, data any) {
	a.sendJSON(w, r, http.StatusOK, Response{Success: true, Data: data})
}

func (a *API) sendError(w http.ResponseWriter, r *http.Request, status int, message string) {
	a.sendJSON(w, r, status, Response{Error: message})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSchemaChangesDisabled):
		return http.StatusForbidden
	case errors.Is(err, service.ErrMaintenanceRunning):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "api request failed",
			slog.String("http.route", r.URL.Path),
			slog.String("error.message", err.Error()),
		)
	}
	a.sendError(w, r, status, err.Error())
}

func serveReport[T any](a *API, fn func(context.Context) (T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := fn(r.Context())
		if err != nil {
			a.sendErr(w, r, err)
			return
		}
		a.sendData(w, r, v)
	}
}
