package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/reportcache"
	"github.com/guillermoBallester/pgtuner/internal/routing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrSchemaChangesDisabled is returned by actions when schema changes are
// not allowed.
var ErrSchemaChangesDisabled = errors.New("schema changes are disabled (set ALLOW_SCHEMA_CHANGES=true)")

// Health score penalties per finding.
const (
	penaltyUnused    = 2
	penaltyMissing   = 5
	penaltyDuplicate = 3
	penaltySlow      = 1
)

// Cache keys.
const (
	keySnapshot   = "snapshot"
	keyIndexes    = "indexes"
	keyQueries    = "queries"
	keyPartitions = "partitions"
)

// QueryAnalyzer is the part of the query advisor the services use.
type QueryAnalyzer interface {
	AnalyzeQueryPerformance(ctx context.Context) (*domain.QueryReport, error)
}

// ReportDeps wires the ReportService. Router, Detector, Scheduler and Cache
// are optional.
type ReportDeps struct {
	Stats      port.StatsSource
	Indexes    IndexAnalyzer
	Queries    QueryAnalyzer
	Partitions PartitionAnalyzer
	Executor   port.SchemaExecutor
	Scheduler  *MaintenanceScheduler
	Router     *routing.Router
	Detector   *nplusone.Detector
	Cache      *reportcache.Cache
	Auditor    port.Auditor
	Inst       port.Instrumentation
	Tracer     trace.Tracer
	Logger     *slog.Logger

	AllowSchemaChanges bool
}

// ReportService is the reporting and action surface shared by the MCP tools,
// the REST API and the CLI.
type ReportService struct {
	ReportDeps
}

func NewReportService(deps ReportDeps) *ReportService {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if deps.Inst == nil {
		deps.Inst = port.NoopInstrumentation{}
	}
	s := &ReportService{ReportDeps: deps}
	if deps.Scheduler != nil {
		deps.Scheduler.OnComplete(s.invalidate)
	}
	return s
}

// Counts are the finding totals behind the health score.
type Counts struct {
	UnusedIndexes    int `json:"unused_indexes"`
	MissingIndexes   int `json:"missing_indexes"`
	DuplicateIndexes int `json:"duplicate_indexes"`
	SlowQueries      int `json:"slow_queries"`
}

// PriorityReport merges the recommendations of every advisor.
type PriorityReport struct {
	GeneratedAt     time.Time               `json:"generated_at"`
	HealthScore     int                     `json:"health_score"`
	Counts          Counts                  `json:"counts"`
	Recommendations []domain.Recommendation `json:"recommendations"`
	Unavailable     []string                `json:"unavailable,omitempty"`
}

// HealthScore is 100 minus a penalty per finding, never below 0.
func HealthScore(c Counts) int {
	score := 100 -
		penaltyUnused*c.UnusedIndexes -
		penaltyMissing*c.MissingIndexes -
		penaltyDuplicate*c.DuplicateIndexes -
		penaltySlow*c.SlowQueries
	return max(score, 0)
}

func (s *ReportService) traced(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := s.Tracer.Start(ctx, "ReportService."+name,
		trace.WithAttributes(attribute.String("db.system", "postgresql")))
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// cachedReport loads a cached report, building it with fn on a miss.
func cachedReport[T any](ctx context.Context, s *ReportService, name, key string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := s.traced(ctx, name, func(ctx context.Context) error {
		var err error
		out, err = reportcache.Load(ctx, s.Cache, key, fn)
		return err
	})
	return out, err
}

func (s *ReportService) PerformanceSnapshot(ctx context.Context) (*domain.PerformanceSnapshot, error) {
	return cachedReport(ctx, s, "PerformanceSnapshot", keySnapshot, s.Stats.AnalyzePerformance)
}

func (s *ReportService) IndexReport(ctx context.Context) (*domain.IndexReport, error) {
	r, err := cachedReport(ctx, s, "IndexReport", keyIndexes, s.Indexes.AnalyzeIndexOptimizations)
	if err == nil {
		s.Inst.AddRecommendations(ctx, string(domain.KindIndex), len(r.Recommendations))
	}
	return r, err
}

func (s *ReportService) QueryReport(ctx context.Context) (*domain.QueryReport, error) {
	r, err := cachedReport(ctx, s, "QueryReport", keyQueries, s.Queries.AnalyzeQueryPerformance)
	if err == nil {
		s.Inst.AddRecommendations(ctx, string(domain.KindQuery), len(r.Recommendations))
	}
	return r, err
}

func (s *ReportService) PartitionReport(ctx context.Context) (*domain.PartitionReport, error) {
	r, err := cachedReport(ctx, s, "PartitionReport", keyPartitions, s.Partitions.AnalyzePartitioning)
	if err == nil {
		s.Inst.AddRecommendations(ctx, string(domain.KindPartition), len(r.Recommendations))
	}
	return r, err
}

// PriorityRecommendations merges the advisors' recommendations at or above
// minPriority. An advisor that fails is listed as unavailable.
func (s *ReportService) PriorityRecommendations(ctx context.Context, minPriority domain.Priority) (*PriorityReport, error) {
	out := &PriorityReport{GeneratedAt: time.Now().UTC()}
	var recs []domain.Recommendation

	unavailable := func(name string, err error) {
		out.Unavailable = append(out.Unavailable, name)
		s.Logger.WarnContext(ctx, "report unavailable",
			slog.String("report", name),
			slog.String("error.message", err.Error()),
		)
	}

	if ir, err := s.IndexReport(ctx); err != nil {
		unavailable("indexes", err)
	} else {
		out.Counts.UnusedIndexes = len(ir.Unused)
		out.Counts.MissingIndexes = len(ir.Missing)
		out.Counts.DuplicateIndexes = len(ir.Duplicate)
		recs = append(recs, ir.Recommendations...)
	}
	if qr, err := s.QueryReport(ctx); err != nil {
		unavailable("queries", err)
	} else {
		out.Counts.SlowQueries = len(qr.Slow)
		recs = append(recs, qr.Recommendations...)
	}
	if pr, err := s.PartitionReport(ctx); err != nil {
		unavailable("partitions", err)
	} else {
		recs = append(recs, pr.Recommendations...)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	recs = domain.FilterByPriority(recs, minPriority)
	domain.SortRecommendations(recs)
	out.Recommendations = recs
	out.HealthScore = HealthScore(out.Counts)
	return out, nil
}

func (s *ReportService) MaintenanceStatus() domain.MaintenanceStatus {
	if s.Scheduler == nil {
		return domain.MaintenanceStatus{State: domain.StateIdle}
	}
	return s.Scheduler.Status()
}

func (s *ReportService) NPlusOneStats() []nplusone.PatternStats {
	if s.Detector == nil {
		return nil
	}
	return s.Detector.Stats()
}

func (s *ReportService) ReplicaHealth() []routing.ReplicaHealth {
	if s.Router == nil {
		return nil
	}
	return s.Router.Health()
}

// --- actions ---

func (s *ReportService) checkAllowed() error {
	if !s.AllowSchemaChanges {
		return ErrSchemaChangesDisabled
	}
	return nil
}

func (s *ReportService) invalidate() {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(); err != nil {
		s.Logger.Warn("report cache invalidation failed", slog.String("error.message", err.Error()))
	}
}

// RunMaintenance runs every maintenance phase now, outside the window.
func (s *ReportService) RunMaintenance(ctx context.Context) (*domain.MaintenanceReport, error) {
	if err := s.checkAllowed(); err != nil {
		return nil, err
	}
	if s.Scheduler == nil {
		return nil, fmt.Errorf("maintenance scheduler: %w", domain.ErrNotFound)
	}
	return s.Scheduler.RunNow(ctx)
}

// IndexRequest names an index to build. Name defaults to idx_<table>_<columns>.
type IndexRequest struct {
	Schema  string   `json:"schema"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Name    string   `json:"name,omitempty"`
}

// CreateIndex builds an index concurrently. DDL failures are reported in the
// result; the error is only set when the action is not allowed or invalid.
func (s *ReportService) CreateIndex(ctx context.Context, req IndexRequest) (domain.DDLResult, error) {
	if err := s.checkAllowed(); err != nil {
		return domain.DDLResult{}, err
	}
	if req.Table == "" || len(req.Columns) == 0 {
		return domain.DDLResult{}, fmt.Errorf("table and at least one column are required")
	}
	if req.Schema == "" {
		req.Schema = "public"
	}
	if req.Name == "" {
		req.Name = advisor.IndexName(req.Table, req.Columns...)
	}

	rec := domain.NewRecommendation(domain.IndexDetail{
		Schema: req.Schema, Table: req.Table, Index: req.Name, Columns: req.Columns,
		Action: domain.IndexCreate, Issue: advisor.IssueMissing,
	}, req.Schema+"."+req.Table, domain.PriorityHigh, "requested by operator", "", 0)

	res := s.Indexes.CreateIndex(ctx, rec)
	s.Auditor.Record(ctx, port.AuditEntry{
		Action:     "create_index",
		Target:     rec.Target,
		SQL:        firstStatement(res),
		DurationMS: res.DurationMS,
		Err:        resultErr(res),
	})
	s.invalidate()
	return res, nil
}

// PartitionRequest describes a partitioned copy of a table.
type PartitionRequest struct {
	Schema   string                   `json:"schema"`
	Table    string                   `json:"table"`
	Strategy domain.PartitionStrategy `json:"strategy"`
	Column   string                   `json:"column"`
	Plan     advisor.PartitionPlan    `json:"plan"`
}

// CreatePartitions creates the partitioned table and all partitions in one
// transaction.
func (s *ReportService) CreatePartitions(ctx context.Context, req PartitionRequest) (domain.DDLResult, error) {
	if err := s.checkAllowed(); err != nil {
		return domain.DDLResult{}, err
	}
	if req.Schema == "" {
		req.Schema = "public"
	}
	rec := domain.NewRecommendation(domain.PartitionDetail{
		Schema: req.Schema, Table: req.Table, Strategy: req.Strategy, Column: req.Column,
	}, req.Schema+"."+req.Table, domain.PriorityHigh, "requested by operator", "", 0)

	res := s.Partitions.CreatePartitions(ctx, rec, req.Plan)
	s.Auditor.Record(ctx, port.AuditEntry{
		Action:     "create_partitions",
		Target:     rec.Target,
		SQL:        res.FailedSQL,
		DurationMS: res.DurationMS,
		Err:        resultErr(res),
		Details:    res.Statements,
	})
	s.invalidate()
	return res, nil
}

// ResetStatistics clears pg_stat_statements and the table and index counters.
func (s *ReportService) ResetStatistics(ctx context.Context) error {
	if err := s.checkAllowed(); err != nil {
		return err
	}
	start := time.Now()
	err := s.Executor.ResetStatistics(ctx)
	s.Auditor.Record(ctx, port.AuditEntry{
		Action:     "reset_statistics",
		DurationMS: time.Since(start).Milliseconds(),
		Err:        err,
	})
	s.invalidate()
	return err
}
