package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrMaintenanceRunning is returned when a run is requested while another
// one is in progress.
var ErrMaintenanceRunning = errors.New("maintenance run already in progress")

// Run triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// IndexAnalyzer is the part of the index advisor the services use.
type IndexAnalyzer interface {
	AnalyzeIndexOptimizations(ctx context.Context) (*domain.IndexReport, error)
	CreateIndex(ctx context.Context, rec domain.Recommendation) domain.DDLResult
}

// PartitionAnalyzer is the part of the partition advisor the services use.
type PartitionAnalyzer interface {
	AnalyzePartitioning(ctx context.Context) (*domain.PartitionReport, error)
	CreatePartitions(ctx context.Context, rec domain.Recommendation, plan advisor.PartitionPlan) domain.DDLResult
}

// MaintenanceConfig controls when the scheduler runs and how much it does.
type MaintenanceConfig struct {
	Enabled          bool
	Interval         time.Duration
	Window           domain.MaintenanceWindow
	MaxIndexesPerRun int
	MaxTablesPerRun  int
}

// MaintenanceScheduler runs the maintenance phases on a fixed interval
// inside the maintenance window. At most one run is active at a time.
type MaintenanceScheduler struct {
	stats      port.StatsSource
	indexes    IndexAnalyzer
	partitions PartitionAnalyzer
	executor   port.SchemaExecutor
	auditor    port.Auditor
	inst       port.Instrumentation
	tracer     trace.Tracer
	th         domain.Thresholds
	cfg        MaintenanceConfig
	logger     *slog.Logger
	now        func() time.Time

	running atomic.Bool

	mu         sync.RWMutex
	state      domain.MaintenanceState
	next       time.Time
	last       *domain.MaintenanceReport
	onComplete []func()
}

func NewMaintenanceScheduler(
	stats port.StatsSource,
	indexes IndexAnalyzer,
	partitions PartitionAnalyzer,
	executor port.SchemaExecutor,
	auditor port.Auditor,
	th domain.Thresholds,
	cfg MaintenanceConfig,
	logger *slog.Logger,
	tracer trace.Tracer,
	inst port.Instrumentation,
) *MaintenanceScheduler {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	s := &MaintenanceScheduler{
		stats:      stats,
		indexes:    indexes,
		partitions: partitions,
		executor:   executor,
		auditor:    auditor,
		inst:       inst,
		tracer:     tracer,
		th:         th,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		state:      domain.StateIdle,
	}
	s.next = s.firstRun(s.now())
	return s
}

// OnComplete registers fn to be called after every finished run.
func (s *MaintenanceScheduler) OnComplete(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

func (s *MaintenanceScheduler) firstRun(now time.Time) time.Time {
	if s.cfg.Window.Contains(now) {
		return now
	}
	return s.cfg.Window.Next(now)
}

// Start runs the ticker loop in a goroutine until ctx is done.
func (s *MaintenanceScheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.cfg.Interval <= 0 {
		return
	}
	s.logger.InfoContext(ctx, "maintenance scheduler started",
		slog.String("window", s.cfg.Window.String()),
		slog.Duration("interval", s.cfg.Interval),
		slog.Time("next_run", s.NextScheduledMaintenance()),
	)
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, s.now())
			}
		}
	}()
}

// tick runs maintenance once per window opening. Outside the window, or
// before the next scheduled run, it does nothing.
func (s *MaintenanceScheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	next := s.next
	inWindow := s.cfg.Window.Contains(now)
	if !inWindow && !now.Before(next) {
		// The whole window passed between two ticks.
		s.next = s.cfg.Window.Next(now)
	}
	s.mu.Unlock()

	if !inWindow || now.Before(next) {
		return
	}

	if _, err := s.run(ctx, TriggerScheduled); err != nil {
		if errors.Is(err, ErrMaintenanceRunning) {
			s.logger.DebugContext(ctx, "scheduled maintenance skipped, run in progress")
			return
		}
		s.logger.ErrorContext(ctx, "scheduled maintenance failed", slog.String("error.message", err.Error()))
	}
}

// RunNow starts a run immediately, ignoring the window. The next scheduled
// run is not moved.
func (s *MaintenanceScheduler) RunNow(ctx context.Context) (*domain.MaintenanceReport, error) {
	return s.run(ctx, TriggerManual)
}

// NextScheduledMaintenance returns the earliest time the ticker will run.
func (s *MaintenanceScheduler) NextScheduledMaintenance() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}

// Status returns the scheduler state and the last report.
func (s *MaintenanceScheduler) Status() domain.MaintenanceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := domain.MaintenanceStatus{
		State:      s.state,
		Enabled:    s.cfg.Enabled,
		Window:     s.cfg.Window.String(),
		LastReport: s.last,
	}
	if s.cfg.Enabled {
		next := s.next
		st.NextScheduled = &next
	}
	return st
}

type phase struct {
	name string
	fn   func(ctx context.Context, r *runState) ([]string, error)
}

// runState carries data between the phases of one run.
type runState struct {
	snapshot *domain.PerformanceSnapshot
	recs     []domain.Recommendation
}

func (s *MaintenanceScheduler) run(ctx context.Context, trigger string) (*domain.MaintenanceReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrMaintenanceRunning
	}
	defer s.running.Store(false)

	report := &domain.MaintenanceReport{
		RunID:     uuid.NewString(),
		StartedAt: s.now(),
		Trigger:   trigger,
		Success:   true,
	}

	s.mu.Lock()
	s.state = domain.StateRunning
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "MaintenanceScheduler.Run",
		trace.WithAttributes(
			attribute.String("maintenance.run_id", report.RunID),
			attribute.String("maintenance.trigger", trigger),
		),
	)
	defer span.End()

	s.logger.InfoContext(ctx, "maintenance run started",
		slog.String("run_id", report.RunID),
		slog.String("trigger", trigger),
	)

	rs := &runState{}
	for _, p := range []phase{
		{domain.PhaseStatisticsAnalysis, s.statisticsAnalysis},
		{domain.PhaseIndexMaintenance, s.indexMaintenance},
		{domain.PhaseStatisticsRefresh, s.statisticsRefresh},
		{domain.PhasePartitionMaintenance, s.partitionMaintenance},
		{domain.PhaseVacuum, s.vacuum},
	} {
		res := s.runPhase(ctx, p, rs)
		report.Phases = append(report.Phases, res)
		if !res.Success {
			report.Success = false
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", res.Name, res.Error))
		}
	}

	domain.SortRecommendations(rs.recs)
	report.Recommendations = rs.recs
	report.FinishedAt = s.now()

	s.mu.Lock()
	if trigger == TriggerScheduled {
		s.next = s.cfg.Window.Next(report.StartedAt)
	}
	next := s.next
	report.NextScheduled = &next
	outcome := domain.StateSucceeded
	if !report.Success {
		outcome = domain.StateFailed
	}
	// The outcome lives on in the last report; the scheduler is idle again.
	s.last = report
	s.state = domain.StateIdle
	hooks := s.onComplete
	s.mu.Unlock()

	durationMS := float64(report.FinishedAt.Sub(report.StartedAt).Milliseconds())
	s.inst.RecordMaintenanceRun(ctx, report.Success, durationMS)
	s.auditor.Record(ctx, port.AuditEntry{
		Action:     "maintenance_run",
		Target:     trigger,
		DurationMS: int64(durationMS),
		Err:        errors.Join(errorsOf(report)...),
		Details:    report,
	})
	for _, fn := range hooks {
		fn()
	}

	if !report.Success {
		span.SetStatus(codes.Error, "maintenance phases failed")
	}
	s.logger.InfoContext(ctx, "maintenance run finished",
		slog.String("run_id", report.RunID),
		slog.String("state", string(outcome)),
		slog.Int("recommendations", len(report.Recommendations)),
		slog.Float64("duration_ms", durationMS),
	)
	return report, nil
}

func errorsOf(r *domain.MaintenanceReport) []error {
	var errs []error
	for _, e := range r.Errors {
		errs = append(errs, errors.New(e))
	}
	return errs
}

// runPhase executes one phase. A failure is recorded and never stops the run.
func (s *MaintenanceScheduler) runPhase(ctx context.Context, p phase, rs *runState) domain.PhaseResult {
	ctx, span := s.tracer.Start(ctx, "maintenance."+p.name)
	defer span.End()

	start := time.Now()
	actions, err := p.fn(ctx, rs)
	res := domain.PhaseResult{
		Name:       p.name,
		Success:    err == nil,
		DurationMS: time.Since(start).Milliseconds(),
		Actions:    actions,
	}
	s.inst.RecordMaintenancePhase(ctx, p.name, res.Success, float64(res.DurationMS))
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "maintenance phase failed",
			slog.String("phase", p.name),
			slog.String("error.message", err.Error()),
		)
	}
	return res
}

func (s *MaintenanceScheduler) statisticsAnalysis(ctx context.Context, rs *runState) ([]string, error) {
	snap, err := s.stats.AnalyzePerformance(ctx)
	if err != nil {
		return nil, err
	}
	rs.snapshot = snap
	actions := []string{fmt.Sprintf("collected statistics for %d tables and %d indexes", len(snap.Tables), len(snap.Indexes))}
	for _, part := range snap.Degraded {
		actions = append(actions, "unavailable: "+part)
	}
	return actions, nil
}

// indexMaintenance creates up to MaxIndexesPerRun high-priority missing
// indexes. Other index findings are only reported.
func (s *MaintenanceScheduler) indexMaintenance(ctx context.Context, rs *runState) ([]string, error) {
	report, err := s.indexes.AnalyzeIndexOptimizations(ctx)
	if err != nil {
		return nil, err
	}

	var actions []string
	var errs []error
	created := 0
	for _, rec := range report.Recommendations {
		d, ok := rec.Detail.(domain.IndexDetail)
		if !ok || d.Action != domain.IndexCreate || rec.Priority < domain.PriorityHigh || created == s.cfg.MaxIndexesPerRun {
			rs.recs = append(rs.recs, rec)
			continue
		}
		created++

		res := s.indexes.CreateIndex(ctx, rec)
		s.auditor.Record(ctx, port.AuditEntry{
			Action:     "create_index",
			Target:     rec.Target,
			SQL:        firstStatement(res),
			DurationMS: res.DurationMS,
			Err:        resultErr(res),
		})
		if !res.Success {
			errs = append(errs, fmt.Errorf("creating %s: %s", d.Index, res.Error))
			rs.recs = append(rs.recs, rec)
			continue
		}
		actions = append(actions, "created index "+d.Schema+"."+d.Index)
	}
	return actions, errors.Join(errs...)
}

func (s *MaintenanceScheduler) tables(ctx context.Context, rs *runState) ([]domain.TableStat, error) {
	if rs.snapshot != nil && len(rs.snapshot.Tables) > 0 {
		return rs.snapshot.Tables, nil
	}
	return s.stats.TableStats(ctx)
}

// statisticsRefresh runs ANALYZE on the most modified tables with stale
// planner statistics.
func (s *MaintenanceScheduler) statisticsRefresh(ctx context.Context, rs *runState) ([]string, error) {
	tables, err := s.tables(ctx, rs)
	if err != nil {
		return nil, err
	}
	var stale []domain.TableStat
	for _, t := range tables {
		if advisor.NeedsAnalyze(t, s.th.AnalyzeChangeRatio) {
			stale = append(stale, t)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool { return stale[i].ModSinceAnalyze > stale[j].ModSinceAnalyze })

	return s.eachTable(ctx, capTables(stale, s.cfg.MaxTablesPerRun), "analyze", "analyzed", s.executor.Analyze)
}

func (s *MaintenanceScheduler) partitionMaintenance(ctx context.Context, rs *runState) ([]string, error) {
	report, err := s.partitions.AnalyzePartitioning(ctx)
	if err != nil {
		return nil, err
	}
	var actions []string
	for _, rec := range report.Recommendations {
		if d, ok := rec.Detail.(domain.PartitionDetail); ok && d.Operation != "" {
			rs.recs = append(rs.recs, rec)
			actions = append(actions, fmt.Sprintf("%s needed for %s", d.Operation, rec.Target))
		}
	}
	return actions, nil
}

// vacuum runs VACUUM (ANALYZE) on tables whose dead tuple ratio exceeds the
// threshold, most dead tuples first.
func (s *MaintenanceScheduler) vacuum(ctx context.Context, rs *runState) ([]string, error) {
	tables, err := s.tables(ctx, rs)
	if err != nil {
		return nil, err
	}
	var bloated []domain.TableStat
	for _, t := range tables {
		if !t.IsPartitioned && t.DeadTupleRatio() > s.th.DeadTupleRatio {
			bloated = append(bloated, t)
		}
	}
	sort.SliceStable(bloated, func(i, j int) bool { return bloated[i].DeadTuples > bloated[j].DeadTuples })

	return s.eachTable(ctx, capTables(bloated, s.cfg.MaxTablesPerRun), "vacuum", "vacuumed", s.executor.Vacuum)
}

func (s *MaintenanceScheduler) eachTable(ctx context.Context, tables []domain.TableStat, action, verb string,
	fn func(ctx context.Context, schema, table string) error) ([]string, error) {
	var actions []string
	var errs []error
	for _, t := range tables {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		start := time.Now()
		err := fn(ctx, t.Schema, t.Table)
		s.auditor.Record(ctx, port.AuditEntry{
			Action:     action,
			Target:     t.QualifiedName(),
			DurationMS: time.Since(start).Milliseconds(),
			Err:        err,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		actions = append(actions, verb+" "+t.QualifiedName())
	}
	return actions, errors.Join(errs...)
}

func capTables(tables []domain.TableStat, n int) []domain.TableStat {
	if n >= 0 && len(tables) > n {
		return tables[:n]
	}
	return tables
}

func firstStatement(res domain.DDLResult) string {
	if len(res.Statements) == 0 {
		return ""
	}
	return res.Statements[0]
}

func resultErr(res domain.DDLResult) error {
	if res.Success {
		return nil
	}
	return errors.New(res.Error)
}
