package postgres_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/adapter/postgres"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSchema = `
	CREATE TABLE customers (
		id    SERIAL PRIMARY KEY,
		email TEXT NOT NULL
	);
	CREATE INDEX idx_customers_email ON customers(email);
	CREATE INDEX idx_customers_email_dup ON customers(email);

	CREATE TABLE orders (
		id          SERIAL PRIMARY KEY,
		customer_id INTEGER NOT NULL,
		status      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE events (
		id         BIGSERIAL,
		created_at TIMESTAMPTZ NOT NULL,
		payload    TEXT
	) PARTITION BY RANGE (created_at);
	CREATE TABLE events_2025_01 PARTITION OF events
		FOR VALUES FROM ('2025-01-01') TO ('2025-02-01');

	INSERT INTO customers (email) SELECT 'user' || i || '@example.com' FROM generate_series(1, 200) AS i;
	INSERT INTO orders (customer_id, status)
	SELECT (i % 200) + 1, CASE WHEN i % 2 = 0 THEN 'open' ELSE 'paid' END
	FROM generate_series(1, 1000) AS i;
`

func setupStatsDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, connStr, postgres.PoolOptions{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, "ANALYZE")
	require.NoError(t, err)

	return pool
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatsAnalyzer_Integration(t *testing.T) {
	pool := setupStatsDB(t)
	ctx := context.Background()
	a := postgres.NewStatsAnalyzer(pool, []string{"public"}, domain.DefaultThresholds(), discard())

	t.Run("snapshot degrades without pg_stat_statements", func(t *testing.T) {
		snap, err := a.AnalyzePerformance(ctx)
		require.NoError(t, err)
		assert.Contains(t, snap.Degraded, "slow_queries")
		assert.NotEmpty(t, snap.Tables)
		assert.NotEmpty(t, snap.Indexes)
		assert.Equal(t, "testdb", snap.Database.Name)
		assert.Positive(t, snap.Connections.MaxConnections)
	})

	t.Run("repeated analysis observes the same objects", func(t *testing.T) {
		first, err := a.AnalyzePerformance(ctx)
		require.NoError(t, err)
		second, err := a.AnalyzePerformance(ctx)
		require.NoError(t, err)

		names := func(s *domain.PerformanceSnapshot) (tables, indexes []string) {
			for _, tb := range s.Tables {
				tables = append(tables, tb.Schema+"."+tb.Table)
			}
			for _, ix := range s.Indexes {
				indexes = append(indexes, ix.Index)
			}
			return tables, indexes
		}
		t1, i1 := names(first)
		t2, i2 := names(second)
		assert.ElementsMatch(t, t1, t2)
		assert.ElementsMatch(t, i1, i2)
		assert.Equal(t, first.Degraded, second.Degraded)
	})

	t.Run("index columns and flags", func(t *testing.T) {
		indexes, err := a.IndexStats(ctx)
		require.NoError(t, err)

		byName := map[string]domain.IndexStat{}
		for _, ix := range indexes {
			byName[ix.Index] = ix
		}
		require.Contains(t, byName, "idx_customers_email_dup")
		assert.Equal(t, []string{"email"}, byName["idx_customers_email_dup"].Columns)
		assert.True(t, byName["customers_pkey"].IsPrimary)
		assert.True(t, byName["customers_pkey"].IsValid)
	})

	t.Run("column statistics", func(t *testing.T) {
		cols, err := a.ColumnStats(ctx)
		require.NoError(t, err)
		var found bool
		for _, c := range cols {
			if c.Table == "orders" && c.Column == "status" {
				found = true
				assert.Equal(t, int64(2), c.NDistinct)
				assert.Equal(t, "text", c.DataType)
			}
		}
		assert.True(t, found)
	})

	t.Run("settings", func(t *testing.T) {
		settings, err := a.Settings(ctx, "shared_buffers", "work_mem", "max_connections")
		require.NoError(t, err)
		require.Contains(t, settings, "shared_buffers")
		assert.Positive(t, settings["shared_buffers"].Bytes)
		assert.True(t, settings["shared_buffers"].RequiresRestart)
		assert.False(t, settings["work_mem"].RequiresRestart)
	})

	t.Run("partitions", func(t *testing.T) {
		parts, err := a.Partitions(ctx)
		require.NoError(t, err)
		require.Len(t, parts, 1)
		assert.Equal(t, "events", parts[0].Parent)
		assert.Equal(t, "range", parts[0].Strategy)
		require.NotNil(t, parts[0].UpperBound)
		assert.Equal(t, time.February, parts[0].UpperBound.Month())
	})

	t.Run("partition candidates exclude partitioned tables", func(t *testing.T) {
		// n_live_tup is flushed to the cumulative stats asynchronously.
		assert.Eventually(t, func() bool {
			cands, err := a.IdentifyPartitionCandidates(ctx, 500, 1<<40)
			return err == nil && len(cands) == 1 && cands[0].Table == "orders"
		}, 10*time.Second, 200*time.Millisecond)
	})
}

func TestSchemaExecutor_Integration(t *testing.T) {
	pool := setupStatsDB(t)
	ctx := context.Background()
	exec := postgres.NewSchemaExecutor(pool, domain.NewDDLValidator(), nil, 30*time.Second, discard())

	err := exec.CreateIndexConcurrently(ctx,
		`CREATE INDEX CONCURRENTLY IF NOT EXISTS "idx_orders_customer_id" ON "public"."orders" ("customer_id")`,
		"public", "idx_orders_customer_id")
	require.NoError(t, err)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_orders_customer_id')").Scan(&exists))
	assert.True(t, exists)

	failed, err := exec.ExecInTx(ctx, []string{
		`CREATE TABLE "public"."audit_a" (id int)`,
		`CREATE TABLE "public"."audit_a" (id int)`,
	})
	require.Error(t, err)
	assert.Equal(t, 1, failed)

	require.NoError(t, pool.QueryRow(ctx, "SELECT to_regclass('public.audit_a') IS NOT NULL").Scan(&exists))
	assert.False(t, exists, "failed transaction leaves nothing behind")

	require.NoError(t, exec.Vacuum(ctx, "public", "orders"))
	require.NoError(t, exec.Analyze(ctx, "public", "customers"))
}
