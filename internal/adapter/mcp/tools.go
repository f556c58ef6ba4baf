package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/service"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/routing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server metadata
const serverName = "pgtuner"

// Tool descriptions
const (
	descPerformanceSnapshot = "Collect a point-in-time performance snapshot: slowest statements from pg_stat_statements, " +
		"table and index usage, connection saturation, lock waits, disk usage per table and database-level " +
		"cache hit ratio. Sections that could not be read are listed under degraded."

	descIndexReport = "Analyze index usage and return missing, unused, duplicate and inefficient indexes " +
		"with ranked recommendations. Each recommendation carries the DDL to apply."

	descQueryReport = "Analyze captured statements: slow, frequent, expensive and I/O-heavy queries with " +
		"anti-pattern hints, tables with stale planner statistics, and configuration suggestions for " +
		"max_connections, work_mem and shared_buffers."

	descPartitionReport = "Find large tables that would benefit from partitioning, with a proposed strategy " +
		"(time, range or hash) and key column, and existing partitions that need splitting or archiving."

	descMaintenanceStatus = "Show the maintenance scheduler state, its window, the next scheduled run " +
		"and the report of the last run."

	descNPlusOneStats = "List the N+1 query patterns detected across tracked requests, " +
		"with detection counts, wasted time and a suggested fix."

	descReplicaHealth = "Show the health, in-flight operations and latency of every read replica."

	descPriorityRecommendations = "Merge the recommendations of every advisor, ordered by priority, " +
		"together with a 0-100 health score. Call this first for an overview of what to fix."

	descMinPriority = "Lowest priority to include: low, medium, high or critical. Defaults to low."

	descRunMaintenance = "Run all maintenance phases now, outside the maintenance window: statistics analysis, " +
		"creation of high-priority missing indexes, ANALYZE of stale tables, partition checks and VACUUM of " +
		"bloated tables. Fails if a run is already in progress."

	descCreateIndex = "Create an index with CREATE INDEX CONCURRENTLY. A failed build is cleaned up and " +
		"reported in the result."

	descCreatePartitions = "Create a partitioned copy of a table named <table>_partitioned and its partitions " +
		"in a single transaction. Data is not migrated."

	descResetStatistics = "Reset pg_stat_statements and the table and index usage counters."
)

// Reporter is the reporting and action surface the tools expose.
type Reporter interface {
	PerformanceSnapshot(ctx context.Context) (*domain.PerformanceSnapshot, error)
	IndexReport(ctx context.Context) (*domain.IndexReport, error)
	QueryReport(ctx context.Context) (*domain.QueryReport, error)
	PartitionReport(ctx context.Context) (*domain.PartitionReport, error)
	PriorityRecommendations(ctx context.Context, minPriority domain.Priority) (*service.PriorityReport, error)
	MaintenanceStatus() domain.MaintenanceStatus
	NPlusOneStats() []nplusone.PatternStats
	ReplicaHealth() []routing.ReplicaHealth

	RunMaintenance(ctx context.Context) (*domain.MaintenanceReport, error)
	CreateIndex(ctx context.Context, req service.IndexRequest) (domain.DDLResult, error)
	CreatePartitions(ctx context.Context, req service.PartitionRequest) (domain.DDLResult, error)
	ResetStatistics(ctx context.Context) error
}

// RegisterTools adds the report tools to s. Action tools are only registered
// when actions is true.
func RegisterTools(s *server.MCPServer, r Reporter, actions bool) {
	s.AddTool(
		mcp.NewTool("performance_snapshot",
			mcp.WithDescription(descPerformanceSnapshot),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		reportHandler("performance snapshot", r.PerformanceSnapshot),
	)

	s.AddTool(
		mcp.NewTool("index_report",
			mcp.WithDescription(descIndexReport),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		reportHandler("index report", r.IndexReport),
	)

	s.AddTool(
		mcp.NewTool("query_report",
			mcp.WithDescription(descQueryReport),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		reportHandler("query report", r.QueryReport),
	)

	s.AddTool(
		mcp.NewTool("partition_report",
			mcp.WithDescription(descPartitionReport),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		reportHandler("partition report", r.PartitionReport),
	)

	s.AddTool(
		mcp.NewTool("priority_recommendations",
			mcp.WithDescription(descPriorityRecommendations),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("min_priority",
				mcp.Description(descMinPriority),
				mcp.Enum("low", "medium", "high", "critical"),
			),
		),
		priorityHandler(r),
	)

	s.AddTool(
		mcp.NewTool("maintenance_status",
			mcp.WithDescription(descMaintenanceStatus),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		staticHandler(func() any { return r.MaintenanceStatus() }),
	)

	s.AddTool(
		mcp.NewTool("nplusone_stats",
			mcp.WithDescription(descNPlusOneStats),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		staticHandler(func() any { return nonNil(r.NPlusOneStats()) }),
	)

	s.AddTool(
		mcp.NewTool("replica_health",
			mcp.WithDescription(descReplicaHealth),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		staticHandler(func() any { return nonNil(r.ReplicaHealth()) }),
	)

	if !actions {
		return
	}

	s.AddTool(
		mcp.NewTool("run_maintenance",
			mcp.WithDescription(descRunMaintenance),
			mcp.WithDestructiveHintAnnotation(false),
		),
		reportHandler("maintenance run", r.RunMaintenance),
	)

	s.AddTool(
		mcp.NewTool("create_index",
			mcp.WithDescription(descCreateIndex),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Table to index"),
			),
			mcp.WithArray("columns",
				mcp.Required(),
				mcp.Description("Indexed columns, in order"),
				mcp.WithStringItems(),
			),
			mcp.WithString("schema",
				mcp.Description("Schema name. Defaults to public."),
			),
			mcp.WithString("name",
				mcp.Description("Index name. Defaults to idx_<table>_<columns>."),
			),
		),
		createIndexHandler(r),
	)

	s.AddTool(
		mcp.NewTool("create_partitions",
			mcp.WithDescription(descCreatePartitions),
			mcp.WithString("table",
				mcp.Required(),
				mcp.Description("Table to partition"),
			),
			mcp.WithString("strategy",
				mcp.Required(),
				mcp.Description("Partitioning strategy"),
				mcp.Enum(string(domain.StrategyTime), string(domain.StrategyRange), string(domain.StrategyHash)),
			),
			mcp.WithString("column",
				mcp.Required(),
				mcp.Description("Partition key column"),
			),
			mcp.WithNumber("count",
				mcp.Required(),
				mcp.Description("Number of partitions to create (1-1000)"),
			),
			mcp.WithString("schema",
				mcp.Description("Schema name. Defaults to public."),
			),
			mcp.WithString("interval",
				mcp.Description("Time partition interval. Defaults to monthly."),
				mcp.Enum(string(advisor.IntervalDaily), string(advisor.IntervalWeekly), string(advisor.IntervalMonthly)),
			),
			mcp.WithString("start",
				mcp.Description("First time partition start date (YYYY-MM-DD). Defaults to the current month."),
			),
			mcp.WithNumber("range_start",
				mcp.Description("Lower bound of the first range partition"),
			),
			mcp.WithNumber("range_step",
				mcp.Description("Width of each range partition"),
			),
		),
		createPartitionsHandler(r),
	)

	s.AddTool(
		mcp.NewTool("reset_statistics",
			mcp.WithDescription(descResetStatistics),
			mcp.WithDestructiveHintAnnotation(true),
		),
		resetStatisticsHandler(r),
	)
}

func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal results: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func reportHandler[T any](what string, fn func(context.Context) (T, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		v, err := fn(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", what, err)), nil
		}
		return jsonResult(v), nil
	}
}

func staticHandler(fn func() any) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(fn()), nil
	}
}

func priorityHandler(r Reporter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		minPriority := domain.ParsePriority(request.GetString("min_priority", "low"))

		report, err := r.PriorityRecommendations(ctx, minPriority)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("priority recommendations failed: %v", err)), nil
		}
		return jsonResult(report), nil
	}
}

func createIndexHandler(r Reporter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table := request.GetString("table", "")
		if table == "" {
			return mcp.NewToolResultError("table is required"), nil
		}
		columns := request.GetStringSlice("columns", nil)
		if len(columns) == 0 {
			return mcp.NewToolResultError("columns is required"), nil
		}

		res, err := r.CreateIndex(ctx, service.IndexRequest{
			Schema:  request.GetString("schema", ""),
			Table:   table,
			Columns: columns,
			Name:    request.GetString("name", ""),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create index failed: %v", err)), nil
		}
		return ddlResult(res), nil
	}
}

func createPartitionsHandler(r Reporter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req, err := partitionRequest(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, err := r.CreatePartitions(ctx, req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create partitions failed: %v", err)), nil
		}
		return ddlResult(res), nil
	}
}

func partitionRequest(request mcp.CallToolRequest) (service.PartitionRequest, error) {
	req := service.PartitionRequest{
		Schema:   request.GetString("schema", ""),
		Table:    request.GetString("table", ""),
		Strategy: domain.PartitionStrategy(request.GetString("strategy", "")),
		Column:   request.GetString("column", ""),
		Plan: advisor.PartitionPlan{
			Count:      request.GetInt("count", 0),
			Interval:   advisor.Interval(request.GetString("interval", "")),
			RangeStart: int64(request.GetFloat("range_start", 0)),
			RangeStep:  int64(request.GetFloat("range_step", 0)),
		},
	}
	switch {
	case req.Table == "":
		return req, errors.New("table is required")
	case req.Strategy == "":
		return req, errors.New("strategy is required")
	case req.Column == "":
		return req, errors.New("column is required")
	}
	if start := request.GetString("start", ""); start != "" {
		t, err := time.Parse(time.DateOnly, start)
		if err != nil {
			return req, fmt.Errorf("start must be YYYY-MM-DD: %w", err)
		}
		req.Plan.Start = t
	}
	return req, nil
}

// ddlResult marks the tool result as an error when the DDL failed, keeping
// the statements in the payload.
func ddlResult(res domain.DDLResult) *mcp.CallToolResult {
	out := jsonResult(res)
	out.IsError = !res.Success
	return out
}

func resetStatisticsHandler(r Reporter) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := r.ResetStatistics(ctx); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reset statistics failed: %v", err)), nil
		}
		return mcp.NewToolResultText(`{"reset":true}`), nil
	}
}
