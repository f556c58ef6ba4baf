package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/guillermoBallester/pgtuner/internal/adapter/host"
	"github.com/guillermoBallester/pgtuner/internal/adapter/postgres"
	"github.com/guillermoBallester/pgtuner/internal/audit"
	"github.com/guillermoBallester/pgtuner/internal/config"
	"github.com/guillermoBallester/pgtuner/internal/core/advisor"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/guillermoBallester/pgtuner/internal/core/service"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/reportcache"
	"github.com/guillermoBallester/pgtuner/internal/routing"
	"github.com/guillermoBallester/pgtuner/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"
)

// app is the wired engine shared by every command.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	write    *pgxpool.Pool
	replicas []*pgxpool.Pool

	router    *routing.Router
	detector  *nplusone.Detector
	scheduler *service.MaintenanceScheduler
	reports   *service.ReportService

	inst    *telemetry.Instruments
	tracer  trace.Tracer
	otel    *telemetry.Provider
	auditor port.Auditor
	cache   *reportcache.Cache
}

func newLogger(cfg *config.Config) *slog.Logger {
	// Logs go to stderr; stdout is reserved for the MCP stdio transport.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
}

// newApp connects the pools and builds every component. The caller must
// call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.otel, err = telemetry.Setup(ctx, telemetry.Options{
		Enabled:   cfg.OTelEnabled,
		Version:   version,
		Transport: cfg.Transport,
		Replicas:  len(cfg.ReplicaURLs),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.tracer = a.otel.Tracer()
	a.inst = a.otel.Instruments()
	if cfg.OTelEnabled {
		logger.Info("opentelemetry enabled")
	}

	a.auditor = audit.NoopAuditor{}
	if cfg.AuditLog != "" {
		fa, err := audit.NewFileAuditor(cfg.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		a.auditor = fa
		logger.Info("audit log enabled", slog.String("path", cfg.AuditLog))
	}

	a.write, err = postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolOptions{
		MaxConns:        cfg.PoolMaxConns,
		MinConns:        cfg.PoolMinConns,
		MaxConnLifetime: cfg.PoolMaxConnLifetime,
		MaxConnIdleTime: cfg.PoolMaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database pool connected",
		slog.String("db.system", "postgresql"),
		slog.String("dsn", redactDSN(cfg.DatabaseURL)),
	)

	replicaPools := make([]routing.Pool, 0, len(cfg.ReplicaURLs))
	for i, u := range cfg.ReplicaURLs {
		p, err := postgres.NewPool(ctx, u, postgres.PoolOptions{
			MaxConns: cfg.ReplicaPoolMaxConns,
			MinConns: cfg.ReplicaPoolMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to replica %d: %w", i, err)
		}
		a.replicas = append(a.replicas, p)
		replicaPools = append(replicaPools, p)
		logger.Info("replica pool connected", slog.Int("replica", i), slog.String("dsn", redactDSN(u)))
	}

	tuning := cfg.Tuning
	selector, err := routing.NewSelector(tuning.Routing.Strategy, tuning.Routing.FixedIndex)
	if err != nil {
		return nil, err
	}
	a.router = routing.NewRouter(a.write, replicaPools, routing.Config{
		Selector:            selector,
		FallbackToWrite:     tuning.Routing.FallbackToWrite,
		OperationTimeout:    tuning.Routing.OperationTimeout,
		HealthCheckInterval: tuning.Routing.HealthCheckInterval,
	}, a.inst, logger)

	if tuning.NPlusOne.Enabled {
		a.detector = nplusone.NewDetector(nplusone.Config{
			MinGroupSize:    tuning.NPlusOne.MinGroupSize,
			MaxGap:          tuning.NPlusOne.MaxGap,
			RepeatThreshold: tuning.NPlusOne.RepeatThreshold,
			StatsTTL:        tuning.NPlusOne.StatsTTL,
			CallSiteFrames:  tuning.NPlusOne.CallSiteFrames,
		}, a.inst, logger)
	}

	if cfg.ReportCacheTTL > 0 {
		a.cache, err = reportcache.New(ctx, cfg.ReportCacheTTL, a.inst)
		if err != nil {
			return nil, err
		}
	}

	window, err := tuning.Maintenance.Window.Window()
	if err != nil {
		return nil, err
	}

	// Every statement the engine issues goes through the routed DB, so it is
	// measured and visible to the N+1 detector of the request that caused it.
	db := postgres.NewRoutedDB(a.router, a.inst)
	th := cfg.Thresholds()

	stats := postgres.NewStatsAnalyzer(db, cfg.Schemas, th, logger)
	executor := postgres.NewSchemaExecutor(db, domain.NewDDLValidator(), a.inst, cfg.QueryTimeout, logger)
	indexes := advisor.NewIndexAdvisor(stats, executor, th, logger)
	partitions := advisor.NewPartitionAdvisor(stats, executor, th, logger)
	queries := advisor.NewQueryAdvisor(stats, host.Memory{}, cfg.SystemMemoryBytes, th, logger)

	a.scheduler = service.NewMaintenanceScheduler(stats, indexes, partitions, executor, a.auditor, th,
		service.MaintenanceConfig{
			Enabled:          tuning.Maintenance.Enabled,
			Interval:         tuning.Maintenance.Interval,
			Window:           window,
			MaxIndexesPerRun: tuning.Maintenance.MaxIndexesPerRun,
			MaxTablesPerRun:  tuning.Maintenance.MaxTablesPerRun,
		}, logger, a.tracer, a.inst)

	a.reports = service.NewReportService(service.ReportDeps{
		Stats:              stats,
		Indexes:            indexes,
		Queries:            queries,
		Partitions:         partitions,
		Executor:           executor,
		Scheduler:          a.scheduler,
		Router:             a.router,
		Detector:           a.detector,
		Cache:              a.cache,
		Auditor:            a.auditor,
		Inst:               a.inst,
		Tracer:             a.tracer,
		Logger:             logger,
		AllowSchemaChanges: cfg.AllowSchemaChanges,
	})

	return a, nil
}

// startBackground launches replica health checks, N+1 eviction and the
// maintenance scheduler. All stop when ctx is done.
func (a *app) startBackground(ctx context.Context) {
	if len(a.replicas) > 0 {
		a.router.CheckHealth(ctx)
		a.router.StartHealthChecks(ctx)
	}
	if a.detector != nil {
		go a.detector.Run(ctx)
	}
	a.scheduler.Start(ctx)
}

// poolStats feeds the Prometheus pool collector.
func (a *app) poolStats() []telemetry.PoolStat {
	stats := make([]telemetry.PoolStat, 0, 1+len(a.replicas))
	s := a.write.Stat()
	stats = append(stats, telemetry.PoolStat{
		Name: "primary", Role: "write",
		Acquired: s.AcquiredConns(), Idle: s.IdleConns(), Total: s.TotalConns(), Max: s.MaxConns(),
		Healthy: true,
	})
	for i, rep := range a.router.Replicas() {
		s := a.replicas[i].Stat()
		stats = append(stats, telemetry.PoolStat{
			Name: rep.Name, Role: "read",
			Acquired: s.AcquiredConns(), Idle: s.IdleConns(), Total: s.TotalConns(), Max: s.MaxConns(),
			Healthy: rep.Healthy(),
		})
	}
	return stats
}

func (a *app) close(ctx context.Context) {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	for _, p := range a.replicas {
		p.Close()
	}
	if a.write != nil {
		a.write.Close()
	}
	if a.auditor != nil {
		if err := a.auditor.Close(); err != nil {
			a.logger.Warn("closing audit log", slog.String("error.message", err.Error()))
		}
	}
	if err := a.otel.Shutdown(ctx); err != nil {
		a.logger.Warn("otel shutdown", slog.String("error.message", err.Error()))
	}
}

// redactDSN masks the password of a connection URL for logging.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
