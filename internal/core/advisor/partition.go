package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// Operations proposed for existing partitions.
const (
	OperationSplit   = "SPLIT"
	OperationArchive = "ARCHIVE"
)

// Table names that suggest append-only, time-ordered data.
var timeSeriesNames = []string{"log", "event", "audit", "history"}

// Timestamp columns preferred as the partition key, in order.
var timeKeyNames = []string{"created_at", "occurred_at", "event_time", "timestamp", "logged_at", "inserted_at"}

// maxPartitions bounds a single plan.
const maxPartitions = 1000

// Interval is the width of each partition of a time plan.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
)

// PartitionPlan says how many partitions to create and where they start.
// Time plans use Start and Interval, range plans RangeStart and RangeStep;
// hash plans use Count as the modulus.
type PartitionPlan struct {
	Count      int       `json:"count"`
	Interval   Interval  `json:"interval,omitempty"`
	Start      time.Time `json:"start,omitempty"`
	RangeStart int64     `json:"range_start,omitempty"`
	RangeStep  int64     `json:"range_step,omitempty"`
}

var errNotPartitionRecommendation = errors.New("recommendation does not describe a partitioning candidate")

// PartitionAdvisor finds tables worth partitioning and partitions that need
// maintenance.
type PartitionAdvisor struct {
	stats    port.StatsSource
	executor port.SchemaExecutor
	th       domain.Thresholds
	logger   *slog.Logger
	now      func() time.Time
}

func NewPartitionAdvisor(stats port.StatsSource, executor port.SchemaExecutor, th domain.Thresholds, logger *slog.Logger) *PartitionAdvisor {
	return &PartitionAdvisor{stats: stats, executor: executor, th: th, logger: logger, now: time.Now}
}

// AnalyzePartitioning returns partitioning candidates with a strategy, the
// current partition inventory and the partitions that need maintenance.
func (a *PartitionAdvisor) AnalyzePartitioning(ctx context.Context) (*domain.PartitionReport, error) {
	candidates, err := a.stats.IdentifyPartitionCandidates(ctx, a.th.PartitionMinRows, a.th.PartitionMinBytes)
	if err != nil {
		return nil, fmt.Errorf("identifying partition candidates: %w", err)
	}

	report := &domain.PartitionReport{}
	var recs []domain.Recommendation

	if len(candidates) > 0 {
		tables := make(map[string]domain.TableStat)
		if ts, err := a.stats.TableStats(ctx); err == nil {
			for _, t := range ts {
				tables[t.QualifiedName()] = t
			}
		}
		columns := make(map[string][]domain.ColumnStat)
		if cs, err := a.stats.ColumnStats(ctx); err == nil {
			for _, c := range cs {
				key := c.Schema + "." + c.Table
				columns[key] = append(columns[key], c)
			}
		} else {
			a.logger.WarnContext(ctx, "column statistics unavailable, partition keys not inferred",
				slog.String("error.message", err.Error()))
		}

		for _, c := range candidates {
			key := c.Schema + "." + c.Table
			c.Strategy, c.Column = a.strategy(c, tables[key], columns[key])
			report.Candidates = append(report.Candidates, c)
			recs = append(recs, a.candidateRecommendation(c))
		}
	}

	partitions, err := a.stats.Partitions(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "partition inventory unavailable", slog.String("error.message", err.Error()))
	}
	report.Partitions = partitions

	cutoff := a.now().Add(-a.th.PartitionRetention)
	for _, p := range partitions {
		m, ok := a.maintenance(p, cutoff)
		if !ok {
			continue
		}
		report.MaintenanceNeeded = append(report.MaintenanceNeeded, m)
		recs = append(recs, maintenanceRecommendation(m))
	}

	domain.SortRecommendations(recs)
	report.Recommendations = recs
	return report, nil
}

// strategy picks the partitioning method and key. Time-series tables with
// a timestamp column partition by time; very large tables by hash; the rest
// by range on an integer key.
func (a *PartitionAdvisor) strategy(c domain.PartitionCandidate, t domain.TableStat, cols []domain.ColumnStat) (domain.PartitionStrategy, string) {
	tsCol := timestampColumn(cols)
	if tsCol != "" && (isTimeSeriesName(c.Table) || isInsertOnly(t)) {
		return domain.StrategyTime, tsCol
	}
	intCol := integerKey(cols)
	if c.SizeBytes >= a.th.HashPartitionBytes || intCol == "" {
		if intCol == "" && len(cols) > 0 {
			intCol = cols[0].Column
		}
		return domain.StrategyHash, intCol
	}
	return domain.StrategyRange, intCol
}

func isTimeSeriesName(table string) bool {
	name := strings.ToLower(table)
	for _, s := range timeSeriesNames {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// isInsertOnly reports whether updates and deletes are under 1% of inserts.
func isInsertOnly(t domain.TableStat) bool {
	return t.Inserts > 0 && (t.Updates+t.Deletes)*100 <= t.Inserts
}

func timestampColumn(cols []domain.ColumnStat) string {
	var first string
	found := make(map[string]bool)
	for _, c := range cols {
		if !domain.IsTimestampType(c.DataType) {
			continue
		}
		found[c.Column] = true
		if first == "" {
			first = c.Column
		}
	}
	for _, name := range timeKeyNames {
		if found[name] {
			return name
		}
	}
	return first
}

func integerKey(cols []domain.ColumnStat) string {
	var first string
	for _, c := range cols {
		if !domain.IsIntegerType(c.DataType) {
			continue
		}
		if c.Column == "id" {
			return c.Column
		}
		if first == "" {
			first = c.Column
		}
	}
	return first
}

func (a *PartitionAdvisor) candidateRecommendation(c domain.PartitionCandidate) domain.Recommendation {
	detail := domain.PartitionDetail{
		Schema: c.Schema, Table: c.Table, Strategy: c.Strategy, Column: c.Column,
		RowCount: c.RowCount, SizeBytes: c.SizeBytes,
	}
	prio := domain.PriorityMedium
	if c.SizeBytes >= a.th.HashPartitionBytes {
		prio = domain.PriorityHigh
	}
	reason := fmt.Sprintf("%s; partition by %s on %q", c.Reason, c.Strategy, c.Column)
	return domain.NewRecommendation(detail, c.Schema+"."+c.Table, prio, reason,
		parentStatement(detail), float64(c.SizeBytes)/(1<<30))
}

func (a *PartitionAdvisor) maintenance(p domain.PartitionInfo, cutoff time.Time) (domain.PartitionMaintenance, bool) {
	switch {
	case p.SizeBytes > a.th.PartitionMaxBytes:
		return domain.PartitionMaintenance{
			Partition: p,
			Operation: OperationSplit,
			Reason: fmt.Sprintf("%s exceeds the %s partition size limit",
				humanize.IBytes(uint64(p.SizeBytes)), humanize.IBytes(uint64(a.th.PartitionMaxBytes))),
		}, true
	case p.UpperBound != nil && p.UpperBound.Before(cutoff):
		return domain.PartitionMaintenance{
			Partition: p,
			Operation: OperationArchive,
			Reason:    fmt.Sprintf("holds data older than %s", p.UpperBound.Format(time.DateOnly)),
		}, true
	}
	return domain.PartitionMaintenance{}, false
}

func maintenanceRecommendation(m domain.PartitionMaintenance) domain.Recommendation {
	p := m.Partition
	detail := domain.PartitionDetail{
		Schema: p.ParentSchema, Table: p.Parent, Partition: p.Name,
		RowCount: p.LiveTuples, SizeBytes: p.SizeBytes, Operation: m.Operation,
	}
	prio := domain.PriorityLow
	action := fmt.Sprintf("ALTER TABLE %s.%s DETACH PARTITION %s.%s CONCURRENTLY",
		quoteIdent(p.ParentSchema), quoteIdent(p.Parent), quoteIdent(p.Schema), quoteIdent(p.Name))
	if m.Operation == OperationSplit {
		prio = domain.PriorityMedium
		action = "-- detach " + p.Name + " and re-attach its data as narrower partitions"
	}
	return domain.NewRecommendation(detail, p.Schema+"."+p.Name, prio, m.Reason, action,
		float64(p.SizeBytes)/(1<<30))
}

// PlanPartitions returns the DDL for a partitioned copy of the candidate
// table: one parent statement followed by one statement per partition.
func (a *PartitionAdvisor) PlanPartitions(rec domain.Recommendation, plan PartitionPlan) ([]string, error) {
	d, ok := rec.Detail.(domain.PartitionDetail)
	if !ok || d.Strategy == "" || d.Column == "" || d.Operation != "" {
		return nil, errNotPartitionRecommendation
	}
	if plan.Count < 1 || plan.Count > maxPartitions {
		return nil, fmt.Errorf("partition count must be between 1 and %d, got %d", maxPartitions, plan.Count)
	}

	parent := fmt.Sprintf("%s.%s", quoteIdent(d.Schema), quoteIdent(derivedName(d.Table, "partitioned")))
	stmts := []string{parentStatement(d)}

	switch d.Strategy {
	case domain.StrategyTime:
		start := plan.Start
		if start.IsZero() {
			now := a.now().UTC()
			start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		}
		interval := plan.Interval
		if interval == "" {
			interval = IntervalMonthly
		}
		from := start
		for i := 0; i < plan.Count; i++ {
			to, suffix, err := step(from, interval)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, fmt.Sprintf("CREATE TABLE %s.%s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
				quoteIdent(d.Schema), quoteIdent(derivedName(d.Table, suffix)), parent,
				from.Format(time.DateOnly), to.Format(time.DateOnly)))
			from = to
		}
	case domain.StrategyRange:
		if plan.RangeStep <= 0 {
			return nil, fmt.Errorf("range plans need a positive range_step")
		}
		for i := 0; i < plan.Count; i++ {
			lo := plan.RangeStart + int64(i)*plan.RangeStep
			stmts = append(stmts, fmt.Sprintf("CREATE TABLE %s.%s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
				quoteIdent(d.Schema), quoteIdent(derivedName(d.Table, fmt.Sprintf("p%d", i))), parent, lo, lo+plan.RangeStep))
		}
	case domain.StrategyHash:
		for i := 0; i < plan.Count; i++ {
			stmts = append(stmts, fmt.Sprintf("CREATE TABLE %s.%s PARTITION OF %s FOR VALUES WITH (MODULUS %d, REMAINDER %d)",
				quoteIdent(d.Schema), quoteIdent(derivedName(d.Table, fmt.Sprintf("h%d", i))), parent, plan.Count, i))
		}
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", d.Strategy)
	}
	return stmts, nil
}

// step returns the end of the partition starting at from and its name suffix.
func step(from time.Time, interval Interval) (time.Time, string, error) {
	switch interval {
	case IntervalDaily:
		return from.AddDate(0, 0, 1), from.Format("2006_01_02"), nil
	case IntervalWeekly:
		return from.AddDate(0, 0, 7), from.Format("2006_01_02"), nil
	case IntervalMonthly:
		return from.AddDate(0, 1, 0), from.Format("2006_01"), nil
	default:
		return time.Time{}, "", fmt.Errorf("unknown partition interval %q", interval)
	}
}

func parentStatement(d domain.PartitionDetail) string {
	method := "RANGE"
	if d.Strategy == domain.StrategyHash {
		method = "HASH"
	}
	return fmt.Sprintf("CREATE TABLE %s.%s (LIKE %s.%s INCLUDING DEFAULTS INCLUDING CONSTRAINTS) PARTITION BY %s (%s)",
		quoteIdent(d.Schema), quoteIdent(derivedName(d.Table, "partitioned")),
		quoteIdent(d.Schema), quoteIdent(d.Table), method, quoteIdent(d.Column))
}

// CreatePartitions runs the planned DDL in one transaction. Any failure
// rolls back every statement; the result names the one that failed.
func (a *PartitionAdvisor) CreatePartitions(ctx context.Context, rec domain.Recommendation, plan PartitionPlan) domain.DDLResult {
	stmts, err := a.PlanPartitions(rec, plan)
	if err != nil {
		return domain.DDLResult{Error: err.Error()}
	}

	start := time.Now()
	failed, err := a.executor.ExecInTx(ctx, stmts)
	res := domain.DDLResult{
		Success:    err == nil,
		Statements: stmts,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		if failed >= 0 && failed < len(stmts) {
			res.FailedSQL = stmts[failed]
		}
		a.logger.ErrorContext(ctx, "partition creation rolled back",
			slog.String("table", rec.Target),
			slog.String("db.statement", res.FailedSQL),
			slog.String("error.message", err.Error()),
		)
		return res
	}
	a.logger.InfoContext(ctx, "partitioned table created",
		slog.String("table", rec.Target),
		slog.Int("statements", len(stmts)),
	)
	return res
}
