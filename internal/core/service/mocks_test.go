package service

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mock StatsSource ---

type mockStats struct {
	snapshot *domain.PerformanceSnapshot
	err      error
	started  chan struct{} // closed when AnalyzePerformance is entered
	release  chan struct{} // AnalyzePerformance blocks until closed
}

func (m *mockStats) AnalyzePerformance(context.Context) (*domain.PerformanceSnapshot, error) {
	if m.started != nil {
		close(m.started)
	}
	if m.release != nil {
		<-m.release
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.snapshot == nil {
		return &domain.PerformanceSnapshot{}, nil
	}
	return m.snapshot, nil
}

func (m *mockStats) QueryStats(context.Context, domain.QueryBucket) ([]domain.QueryStatSnapshot, error) {
	return nil, nil
}

func (m *mockStats) TableStats(context.Context) ([]domain.TableStat, error) {
	if m.snapshot == nil {
		return nil, nil
	}
	return m.snapshot.Tables, nil
}

func (m *mockStats) IndexStats(context.Context) ([]domain.IndexStat, error)   { return nil, nil }
func (m *mockStats) ColumnStats(context.Context) ([]domain.ColumnStat, error) { return nil, nil }
func (m *mockStats) ConnectionStats(context.Context) (domain.ConnectionStats, error) {
	return domain.ConnectionStats{}, nil
}
func (m *mockStats) DatabaseStats(context.Context) (domain.DatabaseStats, error) {
	return domain.DatabaseStats{}, nil
}
func (m *mockStats) Settings(context.Context, ...string) (map[string]domain.Setting, error) {
	return nil, nil
}
func (m *mockStats) Partitions(context.Context) ([]domain.PartitionInfo, error) { return nil, nil }
func (m *mockStats) IdentifyPartitionCandidates(context.Context, int64, int64) ([]domain.PartitionCandidate, error) {
	return nil, nil
}

// --- mock advisors ---

type mockIndexes struct {
	mu        sync.Mutex
	report    *domain.IndexReport
	err       error
	createErr string
	calls     int
	created   []string
}

func (m *mockIndexes) AnalyzeIndexOptimizations(context.Context) (*domain.IndexReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.report == nil {
		return &domain.IndexReport{}, nil
	}
	return m.report, nil
}

func (m *mockIndexes) CreateIndex(_ context.Context, rec domain.Recommendation) domain.DDLResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := rec.Detail.(domain.IndexDetail)
	m.created = append(m.created, d.Index)
	stmt := "CREATE INDEX CONCURRENTLY IF NOT EXISTS " + d.Index
	if m.createErr != "" {
		return domain.DDLResult{Statements: []string{stmt}, Error: m.createErr, FailedSQL: stmt}
	}
	return domain.DDLResult{Success: true, Statements: []string{stmt}}
}

type mockQueries struct {
	report *domain.QueryReport
	err    error
}

func (m *mockQueries) AnalyzeQueryPerformance(context.Context) (*domain.QueryReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.report == nil {
		return &domain.QueryReport{}, nil
	}
	return m.report, nil
}

type mockPartitions struct {
	report   *domain.PartitionReport
	err      error
	lastPlan advisor.PartitionPlan
	lastRec  domain.Recommendation
}

func (m *mockPartitions) AnalyzePartitioning(context.Context) (*domain.PartitionReport, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.report == nil {
		return &domain.PartitionReport{}, nil
	}
	return m.report, nil
}

func (m *mockPartitions) CreatePartitions(_ context.Context, rec domain.Recommendation, plan advisor.PartitionPlan) domain.DDLResult {
	m.lastRec = rec
	m.lastPlan = plan
	return domain.DDLResult{Success: true, Statements: make([]string, plan.Count+1)}
}

// --- mock SchemaExecutor ---

type mockExecutor struct {
	mu        sync.Mutex
	analyzed  []string
	vacuumed  []string
	resets    int
	vacuumErr error
}

func (m *mockExecutor) CreateIndexConcurrently(context.Context, string, string, string) error {
	return nil
}

func (m *mockExecutor) ExecInTx(context.Context, []string) (int, error) { return -1, nil }

func (m *mockExecutor) Analyze(_ context.Context, schema, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzed = append(m.analyzed, schema+"."+table)
	return nil
}

func (m *mockExecutor) Vacuum(_ context.Context, schema, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vacuumed = append(m.vacuumed, schema+"."+table)
	return m.vacuumErr
}

func (m *mockExecutor) ResetStatistics(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	return nil
}

// --- recording auditor ---

type recordingAuditor struct {
	mu      sync.Mutex
	entries []port.AuditEntry
}

func (a *recordingAuditor) Record(_ context.Context, e port.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *recordingAuditor) Close() error { return nil }

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action
	}
	return out
}
