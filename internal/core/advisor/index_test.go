package advisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexAdvisor_Unused(t *testing.T) {
	t.Parallel()
	stats := &mockStats{indexes: []domain.IndexStat{
		{Schema: "public", Table: "orders", Index: "idx_orders_legacy", Columns: []string{"legacy_ref"}, Scans: 0, SizeBytes: 150 << 20},
		{Schema: "public", Table: "orders", Index: "idx_orders_note", Columns: []string{"note"}, Scans: 50, SizeBytes: 10 << 20},
		{Schema: "public", Table: "orders", Index: "orders_pkey", Columns: []string{"id"}, Scans: 0, SizeBytes: 200 << 20, IsPrimary: true, IsUnique: true},
		{Schema: "public", Table: "orders", Index: "idx_orders_tiny", Columns: []string{"flag"}, Scans: 0, SizeBytes: 512 << 10},
		{Schema: "public", Table: "orders", Index: "idx_orders_customer_id", Columns: []string{"customer_id"}, Scans: 1000, TupRead: 1000, SizeBytes: 20 << 20},
	}}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Unused, 2)

	drop, ok := recFor(report.Recommendations, "public.idx_orders_legacy")
	require.True(t, ok)
	detail := drop.Detail.(domain.IndexDetail)
	assert.Equal(t, domain.IndexDrop, detail.Action)
	assert.Equal(t, domain.PriorityHigh, drop.Priority)
	assert.Equal(t, `DROP INDEX CONCURRENTLY IF EXISTS "public"."idx_orders_legacy"`, drop.Action)

	review, ok := recFor(report.Recommendations, "public.idx_orders_note")
	require.True(t, ok)
	assert.Equal(t, domain.IndexReview, review.Detail.(domain.IndexDetail).Action)
	assert.Equal(t, domain.PriorityLow, review.Priority)

	_, ok = recFor(report.Recommendations, "public.orders_pkey")
	assert.False(t, ok, "primary keys are never reported as unused")
	_, ok = recFor(report.Recommendations, "public.idx_orders_tiny")
	assert.False(t, ok, "indexes under the size floor are ignored")

	assert.Equal(t, "public.idx_orders_legacy", report.Recommendations[0].Target, "high priority sorts first")
}

func TestIndexAdvisor_UnusedSkippedWhileScansLow(t *testing.T) {
	t.Parallel()
	stats := &mockStats{indexes: []domain.IndexStat{
		{Schema: "public", Table: "orders", Index: "idx_orders_legacy", Columns: []string{"legacy_ref"}, Scans: 0, SizeBytes: 150 << 20},
		{Schema: "public", Table: "orders", Index: "idx_orders_customer_id", Columns: []string{"customer_id"}, Scans: 10, SizeBytes: 20 << 20},
	}}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Unused)
	assert.Empty(t, report.Recommendations)
}

func TestIndexAdvisor_Duplicates(t *testing.T) {
	t.Parallel()
	stats := &mockStats{indexes: []domain.IndexStat{
		{Schema: "public", Table: "customers", Index: "customers_email_key", Columns: []string{"email"}, Scans: 5, IsUnique: true, SizeBytes: 8 << 20},
		{Schema: "public", Table: "customers", Index: "idx_customers_email", Columns: []string{"email"}, Scans: 300, SizeBytes: 8 << 20},
		{Schema: "public", Table: "customers", Index: "idx_customers_email_active", Columns: []string{"email"}, Predicate: "(active = true)", Scans: 40, SizeBytes: 2 << 20},
	}}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Duplicate, 1)
	assert.Equal(t, "idx_customers_email", report.Duplicate[0].Index)
	assert.Equal(t, "customers_email_key", report.Duplicate[0].DuplicateOf)

	rec, ok := recFor(report.Recommendations, "public.idx_customers_email")
	require.True(t, ok)
	assert.Equal(t, domain.IndexDrop, rec.Detail.(domain.IndexDetail).Action)
	assert.Equal(t, domain.PriorityHigh, rec.Priority)
}

func TestIndexAdvisor_DuplicateUniqueIsReviewed(t *testing.T) {
	t.Parallel()
	stats := &mockStats{indexes: []domain.IndexStat{
		{Schema: "public", Table: "customers", Index: "customers_pkey", Columns: []string{"id"}, IsPrimary: true, IsUnique: true},
		{Schema: "public", Table: "customers", Index: "customers_id_key", Columns: []string{"id"}, IsUnique: true},
	}}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)

	rec, ok := recFor(report.Recommendations, "public.customers_id_key")
	require.True(t, ok)
	assert.Equal(t, domain.IndexReview, rec.Detail.(domain.IndexDetail).Action)
}

func TestIndexAdvisor_Inefficient(t *testing.T) {
	t.Parallel()
	stats := &mockStats{indexes: []domain.IndexStat{
		{Schema: "public", Table: "orders", Index: "idx_orders_status", Columns: []string{"status"}, Scans: 10, TupRead: 500_000},
	}}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Inefficient, 1)
	assert.Contains(t, report.Inefficient[0].Reason, "50,000 tuples per scan")
}

func seqHeavyOrders() []domain.TableStat {
	return []domain.TableStat{
		{Schema: "public", Table: "orders", SeqScan: 500, IdxScan: 10, SeqTupRead: 25_000_000, LiveTuples: 50_000},
		{Schema: "public", Table: "customers", SeqScan: 1, IdxScan: 100, LiveTuples: 100},
	}
}

func TestIndexAdvisor_MissingFromPredicates(t *testing.T) {
	t.Parallel()
	lookup := domain.QueryStatSnapshot{QueryID: 7, Query: "SELECT * FROM orders WHERE customer_id = $1", Calls: 300, MeanTimeMS: 900}
	stats := &mockStats{
		tables:  seqHeavyOrders(),
		indexes: []domain.IndexStat{{Schema: "public", Table: "orders", Index: "orders_pkey", Columns: []string{"id"}, IsPrimary: true, IsUnique: true}},
		queries: map[domain.QueryBucket][]domain.QueryStatSnapshot{
			domain.BucketSlow:     {lookup},
			domain.BucketFrequent: {lookup},
		},
	}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Missing, 1)
	assert.Equal(t, []string{"customer_id"}, report.Missing[0].Columns)
	assert.Contains(t, report.Missing[0].Reason, "called 300 times", "calls are counted once per statement")

	rec, ok := recFor(report.Recommendations, "public.orders")
	require.True(t, ok)
	assert.Equal(t, domain.PriorityCritical, rec.Priority)
	assert.Equal(t, `CREATE INDEX CONCURRENTLY IF NOT EXISTS "idx_orders_customer_id" ON "public"."orders" ("customer_id")`, rec.Action)
	assert.Zero(t, stats.columnCalls, "column statistics are only read for the fallback")
}

func TestIndexAdvisor_MissingFallsBackToIDColumns(t *testing.T) {
	t.Parallel()
	stats := &mockStats{
		tables:   seqHeavyOrders(),
		queryErr: errUnavailable,
		columns: []domain.ColumnStat{
			{Schema: "public", Table: "orders", Column: "tracking_id", NDistinct: 49_000, RowCount: 50_000},
			{Schema: "public", Table: "orders", Column: "customer_id", NDistinct: 5_000, RowCount: 50_000},
			{Schema: "public", Table: "orders", Column: "status_id", NDistinct: 3, RowCount: 50_000},
			{Schema: "public", Table: "orders", Column: "total", NDistinct: 40_000, RowCount: 50_000},
		},
	}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Missing, 2)
	assert.Equal(t, "customer_id", report.Missing[0].Columns[0], "foreign-key-like columns come first")
	assert.Equal(t, "tracking_id", report.Missing[1].Columns[0])
	for _, r := range report.Recommendations {
		assert.Equal(t, domain.PriorityMedium, r.Priority)
	}
}

func TestIndexAdvisor_MissingSkipsLeadingColumns(t *testing.T) {
	t.Parallel()
	stats := &mockStats{
		tables:  seqHeavyOrders(),
		indexes: []domain.IndexStat{{Schema: "public", Table: "orders", Index: "idx_orders_customer_id_created", Columns: []string{"customer_id", "created_at"}}},
		queries: map[domain.QueryBucket][]domain.QueryStatSnapshot{
			domain.BucketFrequent: {{QueryID: 1, Query: "SELECT id FROM orders WHERE customer_id = $1", Calls: 5000}},
		},
	}
	a := NewIndexAdvisor(stats, newMockExecutor(), domain.DefaultThresholds(), testLogger())

	report, err := a.AnalyzeIndexOptimizations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
}

func TestIndexAdvisor_StatsFailure(t *testing.T) {
	t.Parallel()
	a := NewIndexAdvisor(&mockStats{tablesErr: errUnavailable}, newMockExecutor(), domain.DefaultThresholds(), testLogger())
	_, err := a.AnalyzeIndexOptimizations(context.Background())
	assert.ErrorIs(t, err, errUnavailable)
}

func TestIndexAdvisor_CreateIndex(t *testing.T) {
	t.Parallel()
	create := domain.NewRecommendation(domain.IndexDetail{
		Schema: "public", Table: "orders", Index: "idx_orders_customer_id",
		Columns: []string{"customer_id"}, Action: domain.IndexCreate,
	}, "public.orders", domain.PriorityHigh, "", "", 1)

	t.Run("success", func(t *testing.T) {
		exec := newMockExecutor()
		a := NewIndexAdvisor(&mockStats{}, exec, domain.DefaultThresholds(), testLogger())

		res := a.CreateIndex(context.Background(), create)
		assert.True(t, res.Success)
		assert.Empty(t, res.Error)
		require.Len(t, exec.created, 1)
		assert.Equal(t, res.Statements[0], exec.created[0])
	})

	t.Run("failure is reported in the result", func(t *testing.T) {
		exec := newMockExecutor()
		exec.createErr = errors.New("could not create unique index")
		a := NewIndexAdvisor(&mockStats{}, exec, domain.DefaultThresholds(), testLogger())

		res := a.CreateIndex(context.Background(), create)
		assert.False(t, res.Success)
		assert.Equal(t, "could not create unique index", res.Error)
		assert.Equal(t, res.Statements[0], res.FailedSQL)
	})

	t.Run("rejects drop recommendations", func(t *testing.T) {
		exec := newMockExecutor()
		a := NewIndexAdvisor(&mockStats{}, exec, domain.DefaultThresholds(), testLogger())

		drop := create
		drop.Detail = domain.IndexDetail{Schema: "public", Index: "idx_x", Action: domain.IndexDrop}
		res := a.CreateIndex(context.Background(), drop)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
		assert.Empty(t, exec.created)
	})
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "idx_orders_customer_id", IndexName("orders", "customer_id"))
	assert.Equal(t, "idx_orders_customer_id_created_at", IndexName("orders", "customer_id", "created_at"))
	long := IndexName("a_really_long_table_name_that_keeps_going", "and_an_even_longer_column_name")
	assert.Len(t, long, 63)

	// "é" is two bytes and would straddle byte 63.
	multi := IndexName(strings.Repeat("a", 57), "é")
	assert.True(t, utf8.ValidString(multi))
	assert.Equal(t, "idx_"+strings.Repeat("a", 57)+"_", multi)
}
