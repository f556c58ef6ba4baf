package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

// Sub-analysis names, used in PerformanceSnapshot.Degraded and log lines.
const (
	partSlowQueries = "slow_queries"
	partTables      = "table_stats"
	partIndexes     = "index_usage"
	partConnections = "connections"
	partLockWaits   = "lock_waits"
	partDiskUsage   = "disk_usage"
	partDatabase    = "database"
)

// StatsAnalyzer reads PostgreSQL statistics views. It only issues read-only
// statements and is safe for concurrent use.
type StatsAnalyzer struct {
	db         port.DB
	schemas    []string
	thresholds domain.Thresholds
	logger     *slog.Logger
	warned     *xsync.MapOf[string, struct{}]
}

func NewStatsAnalyzer(db port.DB, schemas []string, thresholds domain.Thresholds, logger *slog.Logger) *StatsAnalyzer {
	return &StatsAnalyzer{
		db:         db,
		schemas:    schemas,
		thresholds: thresholds,
		logger:     logger,
		warned:     xsync.NewMapOf[string, struct{}](),
	}
}

// warnOnce logs a degraded sub-analysis the first time it fails in this process.
func (a *StatsAnalyzer) warnOnce(ctx context.Context, part string, err error) {
	if _, loaded := a.warned.LoadOrStore(part, struct{}{}); loaded {
		return
	}
	a.logger.WarnContext(ctx, "statistics unavailable, continuing without them",
		slog.String("db.system", "postgresql"),
		slog.String("analysis", part),
		slog.String("error.message", err.Error()),
	)
}

// AnalyzePerformance collects every statistics view into one snapshot. A
// failing sub-query leaves its part empty and is listed in Degraded; the
// snapshot itself only fails when the context is done.
func (a *StatsAnalyzer) AnalyzePerformance(ctx context.Context) (*domain.PerformanceSnapshot, error) {
	snap := &domain.PerformanceSnapshot{CollectedAt: time.Now().UTC()}

	degrade := func(part string, err error) {
		snap.Degraded = append(snap.Degraded, part)
		a.warnOnce(ctx, part, err)
	}

	var err error
	if snap.SlowQueries, err = a.QueryStats(ctx, domain.BucketSlow); err != nil {
		degrade(partSlowQueries, err)
	}
	if snap.Tables, err = a.TableStats(ctx); err != nil {
		degrade(partTables, err)
	}
	if snap.Indexes, err = a.IndexStats(ctx); err != nil {
		degrade(partIndexes, err)
	}
	if snap.Connections, err = a.ConnectionStats(ctx); err != nil {
		degrade(partConnections, err)
	}
	if snap.LockWaits, err = a.LockWaits(ctx); err != nil {
		degrade(partLockWaits, err)
	}
	if snap.DiskUsage, err = a.DiskUsage(ctx); err != nil {
		degrade(partDiskUsage, err)
	}
	if snap.Database, err = a.DatabaseStats(ctx); err != nil {
		degrade(partDatabase, err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return snap, nil
}

// QueryStats returns the top statements of a bucket, limited by the
// configured query limit.
func (a *StatsAnalyzer) QueryStats(ctx context.Context, bucket domain.QueryBucket) ([]domain.QueryStatSnapshot, error) {
	args := []any{a.thresholds.QueryLimit}
	var filter, order string
	switch bucket {
	case domain.BucketSlow:
		filter, order = "mean_exec_time > $2", "mean_exec_time DESC"
		args = append(args, a.thresholds.SlowQueryMS)
	case domain.BucketFrequent:
		filter, order = "calls > $2", "calls DESC"
		args = append(args, a.thresholds.FrequentCalls)
	case domain.BucketExpensive:
		filter, order = "true", "total_exec_time DESC"
	case domain.BucketIOHeavy:
		filter, order = "shared_blks_read + shared_blks_written > $2", "shared_blks_read + shared_blks_written DESC"
		args = append(args, a.thresholds.IOHeavyBlocks)
	default:
		return nil, fmt.Errorf("unknown query bucket %q", bucket)
	}

	rows, err := a.db.Query(ctx, fmt.Sprintf(queryStatementStats, filter, order), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pg_stat_statements: %w", domain.ErrStatisticsUnavailable, err)
	}
	defer rows.Close()

	var out []domain.QueryStatSnapshot
	for rows.Next() {
		var q domain.QueryStatSnapshot
		if err := rows.Scan(&q.QueryID, &q.Query, &q.Calls,
			&q.TotalTimeMS, &q.MeanTimeMS, &q.MinTimeMS, &q.MaxTimeMS, &q.StddevTimeMS,
			&q.Rows, &q.SharedBlksHit, &q.SharedBlksRead, &q.SharedBlksWrit, &q.TempBlksWrit,
			&q.HitRatio, &q.PercentOfTotal); err != nil {
			return nil, fmt.Errorf("scanning statement stats: %w", err)
		}
		if bucket != domain.BucketExpensive {
			q.PercentOfTotal = 0
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) TableStats(ctx context.Context) ([]domain.TableStat, error) {
	filter, args := schemaFilter(a.schemas, "s.schemaname", 1)
	rows, err := a.db.Query(ctx, fmt.Sprintf(queryTableStats, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("querying table stats: %w", err)
	}
	defer rows.Close()

	var out []domain.TableStat
	for rows.Next() {
		var t domain.TableStat
		if err := rows.Scan(&t.Schema, &t.Table, &t.SeqScan, &t.SeqTupRead, &t.IdxScan, &t.IdxTupFetch,
			&t.Inserts, &t.Updates, &t.Deletes, &t.HotUpdates,
			&t.LiveTuples, &t.DeadTuples, &t.ModSinceAnalyze,
			&t.LastVacuum, &t.LastAutovacuum, &t.LastAnalyze, &t.LastAutoanalyze,
			&t.TotalBytes, &t.IsPartitioned, &t.IsPartition); err != nil {
			return nil, fmt.Errorf("scanning table stats: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) IndexStats(ctx context.Context) ([]domain.IndexStat, error) {
	filter, args := schemaFilter(a.schemas, "s.schemaname", 1)
	rows, err := a.db.Query(ctx, fmt.Sprintf(queryIndexStats, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("querying index stats: %w", err)
	}
	defer rows.Close()

	var out []domain.IndexStat
	for rows.Next() {
		var ix domain.IndexStat
		if err := rows.Scan(&ix.Schema, &ix.Table, &ix.Index, &ix.Scans, &ix.TupRead, &ix.TupFetch,
			&ix.SizeBytes, &ix.IsUnique, &ix.IsPrimary, &ix.IsValid,
			&ix.Columns, &ix.Predicate, &ix.Definition); err != nil {
			return nil, fmt.Errorf("scanning index stats: %w", err)
		}
		out = append(out, ix)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) ColumnStats(ctx context.Context) ([]domain.ColumnStat, error) {
	filter, args := schemaFilter(a.schemas, "n.nspname", 1)
	rows, err := a.db.Query(ctx, fmt.Sprintf(queryColumnStats, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("querying column stats: %w", err)
	}
	defer rows.Close()

	var out []domain.ColumnStat
	for rows.Next() {
		var c domain.ColumnStat
		var nDistinct float64
		if err := rows.Scan(&c.Schema, &c.Table, &c.Column, &c.DataType, &nDistinct, &c.NullFrac, &c.RowCount); err != nil {
			return nil, fmt.Errorf("scanning column stats: %w", err)
		}
		c.NDistinct = pgDistinctToAbsolute(nDistinct, c.RowCount)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) ConnectionStats(ctx context.Context) (domain.ConnectionStats, error) {
	var c domain.ConnectionStats
	err := a.db.QueryRow(ctx, queryConnectionStats).
		Scan(&c.Total, &c.Active, &c.Idle, &c.IdleInTransaction, &c.Waiting, &c.MaxConnections)
	if err != nil {
		return c, fmt.Errorf("querying connection stats: %w", err)
	}
	return c, nil
}

func (a *StatsAnalyzer) LockWaits(ctx context.Context) ([]domain.LockWait, error) {
	rows, err := a.db.Query(ctx, queryLockWaits)
	if err != nil {
		return nil, fmt.Errorf("querying lock waits: %w", err)
	}
	defer rows.Close()

	var out []domain.LockWait
	for rows.Next() {
		var l domain.LockWait
		var waitSeconds float64
		if err := rows.Scan(&l.BlockedPID, &l.BlockedQuery, &l.BlockingPID, &l.BlockingQuery,
			&l.LockType, &l.Relation, &waitSeconds); err != nil {
			return nil, fmt.Errorf("scanning lock wait: %w", err)
		}
		l.WaitDuration = time.Duration(waitSeconds * float64(time.Second))
		out = append(out, l)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) DiskUsage(ctx context.Context) ([]domain.DiskUsage, error) {
	filter, args := schemaFilter(a.schemas, "n.nspname", 1)
	rows, err := a.db.Query(ctx, fmt.Sprintf(queryDiskUsage, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("querying disk usage: %w", err)
	}
	defer rows.Close()

	var out []domain.DiskUsage
	for rows.Next() {
		var d domain.DiskUsage
		if err := rows.Scan(&d.Schema, &d.Table, &d.TableBytes, &d.IndexBytes, &d.ToastBytes, &d.TotalBytes); err != nil {
			return nil, fmt.Errorf("scanning disk usage: %w", err)
		}
		d.TotalHuman = humanize.IBytes(uint64(d.TotalBytes))
		out = append(out, d)
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) DatabaseStats(ctx context.Context) (domain.DatabaseStats, error) {
	var d domain.DatabaseStats
	err := a.db.QueryRow(ctx, queryDatabaseStats).Scan(&d.Name, &d.SizeBytes,
		&d.Commits, &d.Rollbacks, &d.BlocksRead, &d.BlocksHit,
		&d.TempFiles, &d.TempBytes, &d.Deadlocks, &d.CacheHitRatio)
	if err != nil {
		return d, fmt.Errorf("querying database stats: %w", err)
	}
	return d, nil
}

// Settings returns the named pg_settings rows keyed by name.
func (a *StatsAnalyzer) Settings(ctx context.Context, names ...string) (map[string]domain.Setting, error) {
	rows, err := a.db.Query(ctx, querySettings, names)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Setting, len(names))
	for rows.Next() {
		var s domain.Setting
		if err := rows.Scan(&s.Name, &s.Value, &s.Unit, &s.Context); err != nil {
			return nil, fmt.Errorf("scanning setting: %w", err)
		}
		s.Bytes = settingBytes(s.Value, s.Unit)
		s.RequiresRestart = s.Context == "postmaster"
		out[s.Name] = s
	}
	return out, rows.Err()
}

func (a *StatsAnalyzer) Partitions(ctx context.Context) ([]domain.PartitionInfo, error) {
	filter, args := schemaFilter(a.schemas, "pn.nspname", 1)
	rows, err := a.db.Query(ctx, fmt.Sprintf(queryPartitions, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("querying partitions: %w", err)
	}
	defer rows.Close()

	var out []domain.PartitionInfo
	for rows.Next() {
		var p domain.PartitionInfo
		if err := rows.Scan(&p.ParentSchema, &p.Parent, &p.Schema, &p.Name, &p.Bound,
			&p.Strategy, &p.SizeBytes, &p.LiveTuples); err != nil {
			return nil, fmt.Errorf("scanning partition: %w", err)
		}
		p.UpperBound = parseUpperBound(p.Bound)
		out = append(out, p)
	}
	return out, rows.Err()
}

// IdentifyPartitionCandidates returns plain tables over either threshold.
// Partitioned parents and partitions are excluded.
func (a *StatsAnalyzer) IdentifyPartitionCandidates(ctx context.Context, minRows, minBytes int64) ([]domain.PartitionCandidate, error) {
	tables, err := a.TableStats(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.PartitionCandidate
	for _, t := range tables {
		if t.IsPartitioned || t.IsPartition {
			continue
		}
		var reasons []string
		if t.LiveTuples >= minRows {
			reasons = append(reasons, fmt.Sprintf("%s live rows", humanize.Comma(t.LiveTuples)))
		}
		if t.TotalBytes >= minBytes {
			reasons = append(reasons, fmt.Sprintf("%s on disk", humanize.IBytes(uint64(t.TotalBytes))))
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, domain.PartitionCandidate{
			Schema:    t.Schema,
			Table:     t.Table,
			RowCount:  t.LiveTuples,
			SizeBytes: t.TotalBytes,
			SizeHuman: humanize.IBytes(uint64(t.TotalBytes)),
			Reason:    strings.Join(reasons, ", "),
		})
	}
	return out, nil
}

// pgDistinctToAbsolute converts pg_stats n_distinct to an absolute distinct count.
// pg_stats semantics:
//   - negative = fraction of rows that are distinct (-1 means all unique)
//   - positive = estimated number of distinct values
func pgDistinctToAbsolute(nDistinct float64, rowEstimate int64) int64 {
	if nDistinct < 0 {
		return int64(math.Round(-nDistinct * float64(rowEstimate)))
	}
	return int64(math.Round(nDistinct))
}

// settingBytes converts a memory setting to bytes using its pg_settings unit
// ("8kB", "kB", "MB"). Non-memory settings return 0.
func settingBytes(value, unit string) int64 {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	switch unit {
	case "B":
		return n
	case "kB":
		return n << 10
	case "8kB":
		return n * 8 << 10
	case "MB":
		return n << 20
	case "GB":
		return n << 30
	default:
		return 0
	}
}

var upperBoundPattern = regexp.MustCompile(`TO \('([^']+)'\)`)

// parseUpperBound extracts the upper bound of a range partition whose key is
// a date or timestamp. Other bounds return nil.
func parseUpperBound(bound string) *time.Time {
	m := upperBoundPattern.FindStringSubmatch(bound)
	if m == nil {
		return nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05-07", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, m[1]); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// isNoRows reports whether err means the query matched nothing.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
