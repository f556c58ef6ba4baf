package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/adapter/host"
	"github.com/guillermoBallester/pgtuner/internal/adapter/postgres"
	"github.com/guillermoBallester/pgtuner/internal/audit"
	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const e2eSchema = `
	CREATE TABLE customers (
		id   SERIAL PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE orders (
		id          BIGSERIAL PRIMARY KEY,
		customer_id INTEGER NOT NULL REFERENCES customers(id),
		status      TEXT NOT NULL,
		total       NUMERIC(10,2) NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX idx_orders_status ON orders(status);
	CREATE INDEX idx_orders_status_dup ON orders(status);

	INSERT INTO customers (name) SELECT 'Customer ' || i FROM generate_series(1, 200) AS i;

	INSERT INTO orders (customer_id, status, total, created_at)
	SELECT (i % 200) + 1,
		CASE (i % 3) WHEN 0 THEN 'new' WHEN 1 THEN 'paid' ELSE 'shipped' END,
		(i % 500)::numeric,
		now() - (i || ' minutes')::interval
	FROM generate_series(1, 20000) AS i;
`

type e2eEnv struct {
	pool   *pgxpool.Pool
	server *server.MCPServer
}

// setupE2E starts a Postgres testcontainer, applies the schema, runs a
// sequential-scan workload and returns an MCP server backed by real adapters.
func setupE2E(t *testing.T) *e2eEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
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

	_, err = pool.Exec(ctx, e2eSchema)
	require.NoError(t, err)
	for range 20 {
		_, err = pool.Exec(ctx, "SELECT count(*) FROM orders WHERE total > 100")
		require.NoError(t, err)
	}
	_, err = pool.Exec(ctx, "ANALYZE")
	require.NoError(t, err)

	logger := testLogger()
	th := domain.DefaultThresholds()
	th.MinTotalIndexScans = 0

	stats := postgres.NewStatsAnalyzer(pool, []string{"public"}, th, logger)
	executor := postgres.NewSchemaExecutor(pool, domain.NewDDLValidator(), nil, 30*time.Second, logger)

	svc := service.NewReportService(service.ReportDeps{
		Stats:              stats,
		Indexes:            advisor.NewIndexAdvisor(stats, executor, th, logger),
		Queries:            advisor.NewQueryAdvisor(stats, host.Memory{}, 0, th, logger),
		Partitions:         advisor.NewPartitionAdvisor(stats, executor, th, logger),
		Executor:           executor,
		Auditor:            audit.NoopAuditor{},
		Logger:             logger,
		AllowSchemaChanges: true,
	})

	return &e2eEnv{
		pool:   pool,
		server: NewServer("test", svc, true, logger, nil, nil),
	}
}

func TestE2E_PerformanceSnapshot(t *testing.T) {
	env := setupE2E(t)

	result := callTool(t, env.server, "performance_snapshot", nil)
	require.False(t, result.IsError, toolText(result))

	var snap domain.PerformanceSnapshot
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &snap))

	var orders *domain.TableStat
	for i := range snap.Tables {
		if snap.Tables[i].Table == "orders" {
			orders = &snap.Tables[i]
		}
	}
	require.NotNil(t, orders, "orders missing from snapshot")
	assert.GreaterOrEqual(t, orders.SeqScan, int64(20))
	assert.Greater(t, snap.Database.CacheHitRatio, 0.0)
}

func TestE2E_IndexReport_FindsDuplicate(t *testing.T) {
	env := setupE2E(t)

	result := callTool(t, env.server, "index_report", nil)
	require.False(t, result.IsError, toolText(result))

	var report domain.IndexReport
	require.NoError(t, json.Unmarshal([]byte(toolText(result)), &report))

	var dupes []string
	for _, f := range report.Duplicate {
		dupes = append(dupes, f.Index, f.DuplicateOf)
	}
	assert.Contains(t, dupes, "idx_orders_status_dup")
}

func TestE2E_CreateIndex(t *testing.T) {
	env := setupE2E(t)

	result := callTool(t, env.server, "create_index", map[string]any{
		"table": "orders", "columns": []any{"customer_id"},
	})
	require.False(t, result.IsError, toolText(result))

	var exists bool
	err := env.pool.QueryRow(context.Background(),
		"SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_orders_customer_id')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestE2E_CreatePartitions(t *testing.T) {
	env := setupE2E(t)

	result := callTool(t, env.server, "create_partitions", map[string]any{
		"table": "orders", "strategy": "hash", "column": "id", "count": 4,
	})
	require.False(t, result.IsError, toolText(result))

	var n int
	err := env.pool.QueryRow(context.Background(),
		"SELECT count(*) FROM pg_inherits WHERE inhparent = 'public.orders_partitioned'::regclass").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
