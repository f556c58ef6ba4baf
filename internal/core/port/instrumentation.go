package port

import "context"

// Instrumentation records application-level metrics.
type Instrumentation interface {
	RecordRoutedOperation(ctx context.Context, datasource, outcome string, ms float64)
	IncrementFallbacks(ctx context.Context)
	RecordStatement(ctx context.Context, ms float64, failed bool)
	IncrementCache(ctx context.Context, hit bool)
	IncrementNPlusOne(ctx context.Context, pattern string)
	AddRecommendations(ctx context.Context, kind string, n int)
	RecordMaintenanceRun(ctx context.Context, success bool, ms float64)
	RecordMaintenancePhase(ctx context.Context, phase string, success bool, ms float64)
	RecordToolDuration(ctx context.Context, ms float64)
}

// NoopInstrumentation discards all metrics.
type NoopInstrumentation struct{}

func (NoopInstrumentation) RecordRoutedOperation(context.Context, string, string, float64) {}
func (NoopInstrumentation) IncrementFallbacks(context.Context)                             {}
func (NoopInstrumentation) RecordStatement(context.Context, float64, bool)                 {}
func (NoopInstrumentation) IncrementCache(context.Context, bool)                           {}
func (NoopInstrumentation) IncrementNPlusOne(context.Context, string)                      {}
func (NoopInstrumentation) AddRecommendations(context.Context, string, int)                {}
func (NoopInstrumentation) RecordMaintenanceRun(context.Context, bool, float64)            {}
func (NoopInstrumentation) RecordMaintenancePhase(context.Context, string, bool, float64)  {}
func (NoopInstrumentation) RecordToolDuration(context.Context, float64)                    {}
