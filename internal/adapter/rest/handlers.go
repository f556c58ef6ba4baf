package rest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/service"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/routing"
)

func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	serveReport(a, a.reporter.PerformanceSnapshot)(w, r)
}

func (a *API) handleIndexReport(w http.ResponseWriter, r *http.Request) {
	serveReport(a, a.reporter.IndexReport)(w, r)
}

func (a *API) handleQueryReport(w http.ResponseWriter, r *http.Request) {
	serveReport(a, a.reporter.QueryReport)(w, r)
}

func (a *API) handlePartitionReport(w http.ResponseWriter, r *http.Request) {
	serveReport(a, a.reporter.PartitionReport)(w, r)
}

// handleRecommendations handles GET /api/v1/recommendations?min_priority=high
func (a *API) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	minPriority := domain.PriorityLow
	if p := r.URL.Query().Get("min_priority"); p != "" {
		minPriority = domain.ParsePriority(p)
	}
	report, err := a.reporter.PriorityRecommendations(r.Context(), minPriority)
	if err != nil {
		a.sendErr(w, r, err)
		return
	}
	a.sendData(w, r, report)
}

func (a *API) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	a.sendData(w, r, a.reporter.MaintenanceStatus())
}

func (a *API) handleNPlusOne(w http.ResponseWriter, r *http.Request) {
	stats := a.reporter.NPlusOneStats()
	if stats == nil {
		stats = []nplusone.PatternStats{}
	}
	a.sendData(w, r, stats)
}

func (a *API) handleReplicas(w http.ResponseWriter, r *http.Request) {
	health := a.reporter.ReplicaHealth()
	if health == nil {
		health = []routing.ReplicaHealth{}
	}
	a.sendData(w, r, health)
}

func (a *API) handleRunMaintenance(w http.ResponseWriter, r *http.Request) {
	serveReport(a, a.reporter.RunMaintenance)(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// sendDDL answers 200 for applied DDL and 422 with the result when the
// database rejected it.
func (a *API) sendDDL(w http.ResponseWriter, r *http.Request, res domain.DDLResult) {
	if !res.Success {
		a.sendJSON(w, r, http.StatusUnprocessableEntity, Response{Data: res, Error: res.Error})
		return
	}
	a.sendData(w, r, res)
}

// handleCreateIndex handles POST /api/v1/indexes
func (a *API) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	var req service.IndexRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Table == "" || len(req.Columns) == 0 {
		a.sendError(w, r, http.StatusBadRequest, "table and columns are required")
		return
	}
	res, err := a.reporter.CreateIndex(r.Context(), req)
	if err != nil {
		a.sendErr(w, r, err)
		return
	}
	a.sendDDL(w, r, res)
}

// handleCreatePartitions handles POST /api/v1/partitions
func (a *API) handleCreatePartitions(w http.ResponseWriter, r *http.Request) {
	var req service.PartitionRequest
	if err := decodeBody(w, r, &req); err != nil {
		a.sendError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Table == "" || req.Strategy == "" || req.Column == "" {
		a.sendError(w, r, http.StatusBadRequest, "table, strategy and column are required")
		return
	}
	res, err := a.reporter.CreatePartitions(r.Context(), req)
	if err != nil {
		a.sendErr(w, r, err)
		return
	}
	a.sendDDL(w, r, res)
}

// handleResetStatistics handles POST /api/v1/statistics/reset
func (a *API) handleResetStatistics(w http.ResponseWriter, r *http.Request) {
	if err := a.reporter.ResetStatistics(r.Context()); err != nil {
		a.sendErr(w, r, err)
		return
	}
	a.sendData(w, r, map[string]bool{"reset": true})
}
