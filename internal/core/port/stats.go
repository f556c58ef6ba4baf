package port

import (
	"context"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
)

// StatsSource reads PostgreSQL's cumulative statistics and catalog views.
// Implementations issue read-only statements only.
type StatsSource interface {
	AnalyzePerformance(ctx context.Context) (*domain.PerformanceSnapshot, error)
	QueryStats(ctx context.Context, bucket domain.QueryBucket) ([]domain.QueryStatSnapshot, error)
	TableStats(ctx context.Context) ([]domain.TableStat, error)
	IndexStats(ctx context.Context) ([]domain.IndexStat, error)
	ColumnStats(ctx context.Context) ([]domain.ColumnStat, error)
	ConnectionStats(ctx context.Context) (domain.ConnectionStats, error)
	DatabaseStats(ctx context.Context) (domain.DatabaseStats, error)
	Settings(ctx context.Context, names ...string) (map[string]domain.Setting, error)
	Partitions(ctx context.Context) ([]domain.PartitionInfo, error)
	IdentifyPartitionCandidates(ctx context.Context, minRows, minBytes int64) ([]domain.PartitionCandidate, error)
}

// HostInfo reports resources of the machine the database runs on.
type HostInfo interface {
	TotalMemory(ctx context.Context) (uint64, error)
}
