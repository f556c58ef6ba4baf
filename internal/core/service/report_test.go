package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/reportcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reportFixture struct {
	svc        *ReportService
	stats      *mockStats
	indexes    *mockIndexes
	queries    *mockQueries
	partitions *mockPartitions
	executor   *mockExecutor
	auditor    *recordingAuditor
}

func newReportFixture(t *testing.T, allow bool, cache *reportcache.Cache) *reportFixture {
	t.Helper()
	f := &reportFixture{
		stats:      &mockStats{},
		indexes:    &mockIndexes{},
		queries:    &mockQueries{},
		partitions: &mockPartitions{},
		executor:   &mockExecutor{},
		auditor:    &recordingAuditor{},
	}
	f.svc = NewReportService(ReportDeps{
		Stats:              f.stats,
		Indexes:            f.indexes,
		Queries:            f.queries,
		Partitions:         f.partitions,
		Executor:           f.executor,
		Cache:              cache,
		Auditor:            f.auditor,
		Logger:             testLogger(),
		AllowSchemaChanges: allow,
	})
	return f
}

func newTestCache(t *testing.T) *reportcache.Cache {
	t.Helper()
	c, err := reportcache.New(context.Background(), time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHealthScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		counts Counts
		want   int
	}{
		{"no findings", Counts{}, 100},
		{"mixed", Counts{UnusedIndexes: 2, MissingIndexes: 1, DuplicateIndexes: 1, SlowQueries: 3}, 85},
		{"floored at zero", Counts{MissingIndexes: 30}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HealthScore(tt.counts))
		})
	}
}

func TestPriorityRecommendations(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, false, nil)
	f.indexes.report = &domain.IndexReport{
		Unused:  []domain.IndexFinding{{Index: "a"}},
		Missing: []domain.IndexFinding{{Table: "orders"}, {Table: "events"}},
		Recommendations: []domain.Recommendation{
			createRec("idx_orders_customer_id", domain.PriorityCritical),
			domain.NewRecommendation(domain.IndexDetail{Index: "b", Action: domain.IndexReview},
				"public.b", domain.PriorityLow, "rarely used", "", 0),
		},
	}
	f.queries.err = errors.New("pg_stat_statements is not installed")
	f.partitions.report = &domain.PartitionReport{Recommendations: []domain.Recommendation{
		domain.NewRecommendation(domain.PartitionDetail{Schema: "public", Table: "events"},
			"public.events", domain.PriorityMedium, "large table", "", 0),
	}}

	r, err := f.svc.PriorityRecommendations(context.Background(), domain.PriorityMedium)
	require.NoError(t, err)

	assert.Equal(t, []string{"queries"}, r.Unavailable)
	assert.Equal(t, Counts{UnusedIndexes: 1, MissingIndexes: 2}, r.Counts)
	assert.Equal(t, 88, r.HealthScore)
	require.Len(t, r.Recommendations, 2)
	assert.Equal(t, domain.PriorityCritical, r.Recommendations[0].Priority)
	assert.Equal(t, "public.events", r.Recommendations[1].Target)
}

func TestPriorityRecommendations_ContextDone(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, false, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.PriorityRecommendations(ctx, domain.PriorityLow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReports_Cached(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, true, newTestCache(t))
	f.indexes.report = &domain.IndexReport{Recommendations: []domain.Recommendation{
		createRec("idx_orders_customer_id", domain.PriorityHigh),
	}}

	first, err := f.svc.IndexReport(context.Background())
	require.NoError(t, err)
	second, err := f.svc.IndexReport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, f.indexes.calls)
	require.Len(t, second.Recommendations, 1)
	assert.Equal(t, first.Recommendations[0], second.Recommendations[0])
	assert.IsType(t, domain.IndexDetail{}, second.Recommendations[0].Detail)

	// Actions invalidate the cache.
	_, err = f.svc.CreateIndex(context.Background(), IndexRequest{Table: "orders", Columns: []string{"status"}})
	require.NoError(t, err)
	_, err = f.svc.IndexReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.indexes.calls)
}

func TestReports_InvalidatedByMaintenance(t *testing.T) {
	t.Parallel()

	stats := &mockStats{}
	indexes := &mockIndexes{}
	sched := NewMaintenanceScheduler(stats, indexes, &mockPartitions{}, &mockExecutor{}, &recordingAuditor{},
		domain.DefaultThresholds(), defaultMaintenanceConfig(), testLogger(), nil, nil)

	svc := NewReportService(ReportDeps{
		Stats:              stats,
		Indexes:            indexes,
		Queries:            &mockQueries{},
		Partitions:         &mockPartitions{},
		Executor:           &mockExecutor{},
		Scheduler:          sched,
		Cache:              newTestCache(t),
		Auditor:            &recordingAuditor{},
		Logger:             testLogger(),
		AllowSchemaChanges: true,
	})

	_, err := svc.IndexReport(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, indexes.calls)

	report, err := svc.RunMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, report.Trigger)
	assert.Equal(t, 2, indexes.calls)

	_, err = svc.IndexReport(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, indexes.calls)
	st := svc.MaintenanceStatus()
	assert.Equal(t, domain.StateIdle, st.State)
	require.NotNil(t, st.LastReport)
	assert.Equal(t, report.RunID, st.LastReport.RunID)
}

func TestActions_Disabled(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, false, nil)
	ctx := context.Background()

	_, err := f.svc.RunMaintenance(ctx)
	assert.ErrorIs(t, err, ErrSchemaChangesDisabled)
	_, err = f.svc.CreateIndex(ctx, IndexRequest{Table: "orders", Columns: []string{"status"}})
	assert.ErrorIs(t, err, ErrSchemaChangesDisabled)
	_, err = f.svc.CreatePartitions(ctx, PartitionRequest{Table: "events"})
	assert.ErrorIs(t, err, ErrSchemaChangesDisabled)
	assert.ErrorIs(t, f.svc.ResetStatistics(ctx), ErrSchemaChangesDisabled)

	assert.Empty(t, f.indexes.created)
	assert.Zero(t, f.executor.resets)
	assert.Empty(t, f.auditor.actions())
}

func TestCreateIndex(t *testing.T) {
	t.Parallel()

	t.Run("defaults schema and name", func(t *testing.T) {
		t.Parallel()
		f := newReportFixture(t, true, nil)

		res, err := f.svc.CreateIndex(context.Background(), IndexRequest{Table: "orders", Columns: []string{"customer_id", "status"}})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"idx_orders_customer_id_status"}, f.indexes.created)
		assert.Equal(t, []string{"create_index"}, f.auditor.actions())
		assert.Equal(t, "public.orders", f.auditor.entries[0].Target)
		assert.NoError(t, f.auditor.entries[0].Err)
	})

	t.Run("DDL failure is in the result", func(t *testing.T) {
		t.Parallel()
		f := newReportFixture(t, true, nil)
		f.indexes.createErr = "relation \"orders\" does not exist"

		res, err := f.svc.CreateIndex(context.Background(), IndexRequest{Table: "orders", Columns: []string{"status"}, Name: "orders_status"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"orders_status"}, f.indexes.created)
		assert.Error(t, f.auditor.entries[0].Err)
	})

	t.Run("requires table and columns", func(t *testing.T) {
		t.Parallel()
		f := newReportFixture(t, true, nil)

		_, err := f.svc.CreateIndex(context.Background(), IndexRequest{Table: "orders"})
		assert.Error(t, err)
		assert.Empty(t, f.indexes.created)
	})
}

func TestCreatePartitions(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, true, nil)
	plan := advisor.PartitionPlan{Count: 12, Interval: advisor.IntervalMonthly}

	res, err := f.svc.CreatePartitions(context.Background(), PartitionRequest{
		Table: "events", Strategy: domain.StrategyTime, Column: "created_at", Plan: plan,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.Statements, 13)

	assert.Equal(t, plan, f.partitions.lastPlan)
	d := f.partitions.lastRec.Detail.(domain.PartitionDetail)
	assert.Equal(t, "public", d.Schema)
	assert.Equal(t, "created_at", d.Column)
	assert.Equal(t, []string{"create_partitions"}, f.auditor.actions())
}

func TestResetStatistics(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, true, nil)
	require.NoError(t, f.svc.ResetStatistics(context.Background()))
	assert.Equal(t, 1, f.executor.resets)
	assert.Equal(t, []string{"reset_statistics"}, f.auditor.actions())
}

func TestRunMaintenance_NoScheduler(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, true, nil)
	_, err := f.svc.RunMaintenance(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOptionalComponents(t *testing.T) {
	t.Parallel()

	f := newReportFixture(t, false, nil)
	assert.Equal(t, domain.StateIdle, f.svc.MaintenanceStatus().State)
	assert.Nil(t, f.svc.NPlusOneStats())
	assert.Nil(t, f.svc.ReplicaHealth())
}
