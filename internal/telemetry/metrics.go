package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/guillermoBallester/pgtuner"

// Instruments holds pre-created OTel metric instruments.
type Instruments struct {
	RoutedOps         metric.Int64Counter
	RoutedDuration    metric.Float64Histogram
	Fallbacks         metric.Int64Counter
	StatementCount    metric.Int64Counter
	StatementErrors   metric.Int64Counter
	StatementDuration metric.Float64Histogram
	CacheLookups      metric.Int64Counter
	NPlusOneIssues    metric.Int64Counter
	Recommendations   metric.Int64Counter
	MaintenanceRuns   metric.Int64Counter
	MaintenanceTime   metric.Float64Histogram
	PhaseDuration     metric.Float64Histogram
	ToolDuration      metric.Float64Histogram
}

// NewInstruments creates metric instruments from the global MeterProvider.
func NewInstruments() *Instruments {
	return newInstrumentsFromMeter(otel.Meter(meterName))
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	return newInstrumentsFromMeter(noop.NewMeterProvider().Meter(meterName))
}

func newInstrumentsFromMeter(meter metric.Meter) *Instruments {
	// OTel SDK returns noop instruments on error; safe to discard.
	routedOps, _ := meter.Int64Counter("pgtuner.routing.operations",
		metric.WithDescription("Routed database operations by datasource kind and outcome"),
	)
	routedDuration, _ := meter.Float64Histogram("pgtuner.routing.duration",
		metric.WithDescription("Routed operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	fallbacks, _ := meter.Int64Counter("pgtuner.routing.fallbacks",
		metric.WithDescription("Read operations retried on the write pool"),
	)
	stmtCount, _ := meter.Int64Counter("pgtuner.statement.count",
		metric.WithDescription("Statements issued through the routed data-access layer"),
	)
	stmtErrors, _ := meter.Int64Counter("pgtuner.statement.errors",
		metric.WithDescription("Failed statements issued through the routed data-access layer"),
	)
	stmtDuration, _ := meter.Float64Histogram("pgtuner.statement.duration",
		metric.WithDescription("Statement duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	cacheLookups, _ := meter.Int64Counter("pgtuner.report_cache.lookups",
		metric.WithDescription("Report cache lookups by result (hit or miss)"),
	)
	nplusone, _ := meter.Int64Counter("pgtuner.nplusone.issues",
		metric.WithDescription("N+1 query issues detected by pattern"),
	)
	recs, _ := meter.Int64Counter("pgtuner.recommendations",
		metric.WithDescription("Recommendations produced by kind"),
	)
	runs, _ := meter.Int64Counter("pgtuner.maintenance.runs",
		metric.WithDescription("Maintenance runs by outcome"),
	)
	runTime, _ := meter.Float64Histogram("pgtuner.maintenance.duration",
		metric.WithDescription("Maintenance run duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	phaseTime, _ := meter.Float64Histogram("pgtuner.maintenance.phase.duration",
		metric.WithDescription("Maintenance phase duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	toolDuration, _ := meter.Float64Histogram("pgtuner.tool.duration",
		metric.WithDescription("MCP tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Instruments{
		RoutedOps:         routedOps,
		RoutedDuration:    routedDuration,
		Fallbacks:         fallbacks,
		StatementCount:    stmtCount,
		StatementErrors:   stmtErrors,
		StatementDuration: stmtDuration,
		CacheLookups:      cacheLookups,
		NPlusOneIssues:    nplusone,
		Recommendations:   recs,
		MaintenanceRuns:   runs,
		MaintenanceTime:   runTime,
		PhaseDuration:     phaseTime,
		ToolDuration:      toolDuration,
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (i *Instruments) RecordRoutedOperation(ctx context.Context, datasource, result string, ms float64) {
	attrs := metric.WithAttributes(
		attribute.String("datasource", datasource),
		attribute.String("outcome", result),
	)
	i.RoutedOps.Add(ctx, 1, attrs)
	i.RoutedDuration.Record(ctx, ms, attrs)
}

func (i *Instruments) IncrementFallbacks(ctx context.Context) {
	i.Fallbacks.Add(ctx, 1)
}

func (i *Instruments) RecordStatement(ctx context.Context, ms float64, failed bool) {
	i.StatementCount.Add(ctx, 1)
	i.StatementDuration.Record(ctx, ms)
	if failed {
		i.StatementErrors.Add(ctx, 1)
	}
}

func (i *Instruments) IncrementCache(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	i.CacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (i *Instruments) IncrementNPlusOne(ctx context.Context, pattern string) {
	i.NPlusOneIssues.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", pattern)))
}

func (i *Instruments) AddRecommendations(ctx context.Context, kind string, n int) {
	if n <= 0 {
		return
	}
	i.Recommendations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}

func (i *Instruments) RecordMaintenanceRun(ctx context.Context, success bool, ms float64) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(success)))
	i.MaintenanceRuns.Add(ctx, 1, attrs)
	i.MaintenanceTime.Record(ctx, ms, attrs)
}

func (i *Instruments) RecordMaintenancePhase(ctx context.Context, phase string, success bool, ms float64) {
	i.PhaseDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome(success)),
	))
}

func (i *Instruments) RecordToolDuration(ctx context.Context, ms float64) {
	i.ToolDuration.Record(ctx, ms)
}
