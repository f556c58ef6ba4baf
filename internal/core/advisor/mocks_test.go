package advisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errUnavailable = errors.New("relation \"pg_stat_statements\" does not exist")

// --- mock StatsSource ---

type mockStats struct {
	queries    map[domain.QueryBucket][]domain.QueryStatSnapshot
	queryErr   error
	tables     []domain.TableStat
	tablesErr  error
	indexes    []domain.IndexStat
	indexErr   error
	columns    []domain.ColumnStat
	columnErr  error
	conns      domain.ConnectionStats
	database   domain.DatabaseStats
	settings   map[string]domain.Setting
	partitions []domain.PartitionInfo
	candidates []domain.PartitionCandidate
	candErr    error

	columnCalls int
}

func (m *mockStats) AnalyzePerformance(context.Context) (*domain.PerformanceSnapshot, error) {
	return &domain.PerformanceSnapshot{Tables: m.tables, Indexes: m.indexes}, nil
}

func (m *mockStats) QueryStats(_ context.Context, bucket domain.QueryBucket) ([]domain.QueryStatSnapshot, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.queries[bucket], nil
}

func (m *mockStats) TableStats(context.Context) ([]domain.TableStat, error) {
	return m.tables, m.tablesErr
}

func (m *mockStats) IndexStats(context.Context) ([]domain.IndexStat, error) {
	return m.indexes, m.indexErr
}

func (m *mockStats) ColumnStats(context.Context) ([]domain.ColumnStat, error) {
	m.columnCalls++
	return m.columns, m.columnErr
}

func (m *mockStats) ConnectionStats(context.Context) (domain.ConnectionStats, error) {
	return m.conns, nil
}

func (m *mockStats) DatabaseStats(context.Context) (domain.DatabaseStats, error) {
	return m.database, nil
}

func (m *mockStats) Settings(_ context.Context, names ...string) (map[string]domain.Setting, error) {
	if m.settings == nil {
		return nil, errUnavailable
	}
	out := make(map[string]domain.Setting)
	for _, n := range names {
		if s, ok := m.settings[n]; ok {
			out[n] = s
		}
	}
	return out, nil
}

func (m *mockStats) Partitions(context.Context) ([]domain.PartitionInfo, error) {
	return m.partitions, nil
}

func (m *mockStats) IdentifyPartitionCandidates(context.Context, int64, int64) ([]domain.PartitionCandidate, error) {
	return m.candidates, m.candErr
}

// --- mock SchemaExecutor ---

type mockExecutor struct {
	mu        sync.Mutex
	createErr error
	failAt    int // index of the failing ExecInTx statement, -1 for none
	created   []string
	attempted []string
	committed [][]string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{failAt: -1}
}

func (m *mockExecutor) CreateIndexConcurrently(_ context.Context, stmt, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.created = append(m.created, stmt)
	return nil
}

func (m *mockExecutor) ExecInTx(_ context.Context, stmts []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range stmts {
		m.attempted = append(m.attempted, s)
		if i == m.failAt {
			return i, fmt.Errorf("statement %d: relation already exists", i+1)
		}
	}
	m.committed = append(m.committed, stmts)
	return -1, nil
}

func (m *mockExecutor) Analyze(context.Context, string, string) error { return nil }
func (m *mockExecutor) Vacuum(context.Context, string, string) error  { return nil }
func (m *mockExecutor) ResetStatistics(context.Context) error         { return nil }

// --- helpers ---

func recFor(recs []domain.Recommendation, target string) (domain.Recommendation, bool) {
	for _, r := range recs {
		if r.Target == target {
			return r, true
		}
	}
	return domain.Recommendation{}, false
}
