package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sunday 02:00-04:00 UTC. 2026-10-18 is a Sunday.
var sundayWindow = domain.MaintenanceWindow{Days: []time.Weekday{time.Sunday}, StartHour: 2, EndHour: 4}

type schedulerDeps struct {
	stats      *mockStats
	indexes    *mockIndexes
	partitions *mockPartitions
	executor   *mockExecutor
	auditor    *recordingAuditor
}

func newTestScheduler(t *testing.T, cfg MaintenanceConfig, now time.Time) (*MaintenanceScheduler, *schedulerDeps) {
	t.Helper()
	d := &schedulerDeps{
		stats:      &mockStats{},
		indexes:    &mockIndexes{},
		partitions: &mockPartitions{},
		executor:   &mockExecutor{},
		auditor:    &recordingAuditor{},
	}
	s := NewMaintenanceScheduler(d.stats, d.indexes, d.partitions, d.executor, d.auditor,
		domain.DefaultThresholds(), cfg, testLogger(), nil, nil)
	s.now = func() time.Time { return now }
	s.next = s.firstRun(now)
	return s, d
}

func defaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Enabled:          true,
		Interval:         time.Minute,
		Window:           sundayWindow,
		MaxIndexesPerRun: 2,
		MaxTablesPerRun:  10,
	}
}

func createRec(index string, p domain.Priority) domain.Recommendation {
	return domain.NewRecommendation(domain.IndexDetail{
		Schema: "public", Table: "orders", Index: index, Columns: []string{"customer_id"},
		Action: domain.IndexCreate, Issue: "missing",
	}, "public.orders", p, "sequential scans", "CREATE INDEX ...", 10)
}

func TestMaintenance_OutOfWindowTickIsNoop(t *testing.T) {
	t.Parallel()

	wednesday := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	s, d := newTestScheduler(t, defaultMaintenanceConfig(), wednesday)

	before := s.NextScheduledMaintenance()
	assert.Equal(t, time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC), before)

	s.tick(context.Background(), wednesday)
	s.tick(context.Background(), wednesday.Add(time.Hour))

	assert.Equal(t, before, s.NextScheduledMaintenance())
	assert.Zero(t, d.indexes.calls)
	assert.Empty(t, d.auditor.actions())

	st := s.Status()
	assert.Equal(t, domain.StateIdle, st.State)
	assert.Nil(t, st.LastReport)
	require.NotNil(t, st.NextScheduled)
	assert.Equal(t, before, *st.NextScheduled)
}

func TestMaintenance_RunsOncePerWindow(t *testing.T) {
	t.Parallel()

	opening := time.Date(2026, 10, 18, 2, 30, 0, 0, time.UTC)
	s, d := newTestScheduler(t, defaultMaintenanceConfig(), opening)
	assert.Equal(t, opening, s.NextScheduledMaintenance())

	s.tick(context.Background(), opening)
	require.Equal(t, 1, d.indexes.calls)

	st := s.Status()
	assert.Equal(t, domain.StateIdle, st.State)
	require.NotNil(t, st.LastReport)
	assert.True(t, st.LastReport.Success)
	assert.Equal(t, TriggerScheduled, st.LastReport.Trigger)
	assert.Equal(t, time.Date(2026, 10, 25, 2, 0, 0, 0, time.UTC), s.NextScheduledMaintenance())

	// Later in the same window nothing runs again.
	s.tick(context.Background(), opening.Add(time.Hour))
	assert.Equal(t, 1, d.indexes.calls)
	assert.Equal(t, domain.StateIdle, s.Status().State)
}

func TestMaintenance_MissedWindowRollsForward(t *testing.T) {
	t.Parallel()

	saturday := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	s, d := newTestScheduler(t, defaultMaintenanceConfig(), saturday)

	// The process was suspended across the whole window.
	monday := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	s.tick(context.Background(), monday)

	assert.Zero(t, d.indexes.calls)
	assert.Equal(t, time.Date(2026, 10, 25, 2, 0, 0, 0, time.UTC), s.NextScheduledMaintenance())
}

func TestMaintenance_Phases(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	cfg := defaultMaintenanceConfig()
	s, d := newTestScheduler(t, cfg, now)

	analyzed := now.Add(-24 * time.Hour)
	d.stats.snapshot = &domain.PerformanceSnapshot{
		Tables: []domain.TableStat{
			{Schema: "public", Table: "never_analyzed", LiveTuples: 1000, ModSinceAnalyze: 10},
			{Schema: "public", Table: "churned", LiveTuples: 1000, ModSinceAnalyze: 500, LastAnalyze: &analyzed},
			{Schema: "public", Table: "bloated", LiveTuples: 100, DeadTuples: 100, LastAnalyze: &analyzed},
			{Schema: "public", Table: "healthy", LiveTuples: 1000, DeadTuples: 10, LastAnalyze: &analyzed},
			{Schema: "public", Table: "parent", IsPartitioned: true, LiveTuples: 10, DeadTuples: 90},
		},
		Degraded: []string{"lock_waits"},
	}
	d.indexes.report = &domain.IndexReport{Recommendations: []domain.Recommendation{
		createRec("idx_a", domain.PriorityCritical),
		createRec("idx_b", domain.PriorityCritical),
		createRec("idx_c", domain.PriorityHigh),
		createRec("idx_d", domain.PriorityMedium),
		domain.NewRecommendation(domain.IndexDetail{
			Schema: "public", Table: "orders", Index: "orders_old_idx", Action: domain.IndexDrop, Issue: "unused",
		}, "public.orders_old_idx", domain.PriorityHigh, "unused", "DROP INDEX ...", 5),
	}}
	d.partitions.report = &domain.PartitionReport{Recommendations: []domain.Recommendation{
		domain.NewRecommendation(domain.PartitionDetail{
			Schema: "public", Table: "events", Partition: "events_2024_01", Operation: "ARCHIVE",
		}, "public.events_2024_01", domain.PriorityLow, "past retention", "ALTER TABLE ...", 0),
		domain.NewRecommendation(domain.PartitionDetail{
			Schema: "public", Table: "orders", Strategy: domain.StrategyHash, Column: "id",
		}, "public.orders", domain.PriorityHigh, "large table", "CREATE TABLE ...", 0),
	}}

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, TriggerManual, report.Trigger)
	assert.NotEmpty(t, report.RunID)

	names := make([]string, len(report.Phases))
	for i, p := range report.Phases {
		names[i] = p.Name
		assert.True(t, p.Success, p.Name)
	}
	assert.Equal(t, []string{
		domain.PhaseStatisticsAnalysis,
		domain.PhaseIndexMaintenance,
		domain.PhaseStatisticsRefresh,
		domain.PhasePartitionMaintenance,
		domain.PhaseVacuum,
	}, names)
	assert.Contains(t, report.Phases[0].Actions, "unavailable: lock_waits")

	// Only the first two high-priority CREATEs are built.
	assert.Equal(t, []string{"idx_a", "idx_b"}, d.indexes.created)

	// Most modified first; the partitioned parent is skipped.
	assert.Equal(t, []string{"public.churned", "public.never_analyzed"}, d.executor.analyzed)
	assert.Equal(t, []string{"public.bloated"}, d.executor.vacuumed)

	// idx_c, idx_d, the DROP and the ARCHIVE remain as recommendations; the
	// new-partitioning candidate does not belong to maintenance.
	require.Len(t, report.Recommendations, 4)
	assert.Equal(t, domain.PriorityHigh, report.Recommendations[0].Priority)
	assert.Equal(t, domain.PriorityLow, report.Recommendations[3].Priority)
	assert.Equal(t, "public.events_2024_01", report.Recommendations[3].Target)

	// A manual run does not move the schedule.
	assert.Equal(t, time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC), *report.NextScheduled)

	actions := d.auditor.actions()
	assert.Equal(t, "maintenance_run", actions[len(actions)-1])
	assert.Contains(t, actions, "create_index")
	assert.Contains(t, actions, "analyze")
	assert.Contains(t, actions, "vacuum")
}

func TestMaintenance_FailedPhaseDoesNotStopRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	s, d := newTestScheduler(t, defaultMaintenanceConfig(), now)
	d.stats.snapshot = &domain.PerformanceSnapshot{
		Tables: []domain.TableStat{{Schema: "public", Table: "bloated", LiveTuples: 10, DeadTuples: 90}},
	}
	d.indexes.err = errors.New("pg_stat_user_indexes: permission denied")

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Success)
	require.Len(t, report.Phases, 5)
	assert.False(t, report.Phases[1].Success)
	assert.Contains(t, report.Phases[1].Error, "permission denied")
	for _, i := range []int{0, 2, 3, 4} {
		assert.True(t, report.Phases[i].Success, report.Phases[i].Name)
	}
	assert.Equal(t, []string{"public.bloated"}, d.executor.vacuumed)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], domain.PhaseIndexMaintenance+": ")

	st := s.Status()
	assert.Equal(t, domain.StateIdle, st.State)
	require.NotNil(t, st.LastReport)
	assert.False(t, st.LastReport.Success)
}

func TestMaintenance_FailedIndexBuildStaysRecommended(t *testing.T) {
	t.Parallel()

	s, d := newTestScheduler(t, defaultMaintenanceConfig(), time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	d.indexes.report = &domain.IndexReport{Recommendations: []domain.Recommendation{
		createRec("idx_a", domain.PriorityCritical),
	}}
	d.indexes.createErr = "canceling statement due to lock timeout"

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Phases[1].Success)
	assert.Contains(t, report.Phases[1].Error, "creating idx_a")
	require.Len(t, report.Recommendations, 1)
	assert.Equal(t, "public.orders", report.Recommendations[0].Target)
}

func TestMaintenance_StatsFailureFallsBackToTableStats(t *testing.T) {
	t.Parallel()

	s, d := newTestScheduler(t, defaultMaintenanceConfig(), time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	d.stats.err = errors.New("connection refused")

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Phases[0].Success)
	assert.True(t, report.Phases[2].Success)
	assert.True(t, report.Phases[4].Success)
	assert.Empty(t, d.executor.vacuumed)
}

func TestMaintenance_TableCap(t *testing.T) {
	t.Parallel()

	cfg := defaultMaintenanceConfig()
	cfg.MaxTablesPerRun = 1
	s, d := newTestScheduler(t, cfg, time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	d.stats.snapshot = &domain.PerformanceSnapshot{Tables: []domain.TableStat{
		{Schema: "public", Table: "small", LiveTuples: 10, DeadTuples: 20},
		{Schema: "public", Table: "large", LiveTuples: 100, DeadTuples: 900},
	}}

	_, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"public.large"}, d.executor.vacuumed)
	assert.Len(t, d.executor.analyzed, 1)
}

func TestMaintenance_VacuumErrorFailsPhase(t *testing.T) {
	t.Parallel()

	s, d := newTestScheduler(t, defaultMaintenanceConfig(), time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	d.stats.snapshot = &domain.PerformanceSnapshot{Tables: []domain.TableStat{
		{Schema: "public", Table: "bloated", LiveTuples: 10, DeadTuples: 90},
	}}
	d.executor.vacuumErr = errors.New("lock timeout")

	report, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Phases[4].Success)
	assert.Equal(t, "lock timeout", report.Phases[4].Error)
}

func TestMaintenance_OverlappingRunRejected(t *testing.T) {
	t.Parallel()

	s, d := newTestScheduler(t, defaultMaintenanceConfig(), time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	d.stats.started = make(chan struct{})
	d.stats.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		done <- err
	}()
	<-d.stats.started

	assert.Equal(t, domain.StateRunning, s.Status().State)
	_, err := s.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrMaintenanceRunning)

	close(d.stats.release)
	require.NoError(t, <-done)
	assert.Equal(t, domain.StateIdle, s.Status().State)
}

func TestMaintenance_OnCompleteHooks(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, defaultMaintenanceConfig(), time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))
	calls := 0
	s.OnComplete(func() { calls++ })
	s.OnComplete(func() { calls++ })

	_, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestMaintenance_DisabledStatus(t *testing.T) {
	t.Parallel()

	cfg := defaultMaintenanceConfig()
	cfg.Enabled = false
	s, _ := newTestScheduler(t, cfg, time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC))

	st := s.Status()
	assert.False(t, st.Enabled)
	assert.Nil(t, st.NextScheduled)
	assert.Equal(t, "Sun 02:00-04:00 UTC", st.Window)

	// Start is a no-op when disabled.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
}
