package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/heuristics"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// Index finding categories, used as IndexDetail.Issue.
const (
	IssueMissing     = "missing"
	IssueUnused      = "unused"
	IssueDuplicate   = "duplicate"
	IssueInefficient = "inefficient"
)

// maxMissingPerTable caps how many new indexes are proposed for one table.
const maxMissingPerTable = 3

// IndexAdvisor finds missing, unused, duplicate and inefficient indexes.
type IndexAdvisor struct {
	stats    port.StatsSource
	executor port.SchemaExecutor
	th       domain.Thresholds
	logger   *slog.Logger
}

func NewIndexAdvisor(stats port.StatsSource, executor port.SchemaExecutor, th domain.Thresholds, logger *slog.Logger) *IndexAdvisor {
	return &IndexAdvisor{stats: stats, executor: executor, th: th, logger: logger}
}

// AnalyzeIndexOptimizations builds the index report. It only reads
// statistics.
func (a *IndexAdvisor) AnalyzeIndexOptimizations(ctx context.Context) (*domain.IndexReport, error) {
	tables, err := a.stats.TableStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading table statistics: %w", err)
	}
	indexes, err := a.stats.IndexStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading index statistics: %w", err)
	}

	report := &domain.IndexReport{}
	var recs []domain.Recommendation

	unused, unusedRecs := a.unused(indexes)
	report.Unused = unused
	recs = append(recs, unusedRecs...)

	dups, dupRecs := duplicates(indexes)
	report.Duplicate = dups
	recs = append(recs, dupRecs...)

	ineff, ineffRecs := a.inefficient(indexes)
	report.Inefficient = ineff
	recs = append(recs, ineffRecs...)

	missing, missingRecs := a.missing(ctx, tables, indexes)
	report.Missing = missing
	recs = append(recs, missingRecs...)

	domain.SortRecommendations(recs)
	report.Recommendations = recs
	return report, nil
}

// unused reports rarely scanned indexes. Nothing is reported while the
// system-wide scan count is too low to tell unused from new.
func (a *IndexAdvisor) unused(indexes []domain.IndexStat) ([]domain.IndexFinding, []domain.Recommendation) {
	var total int64
	for _, ix := range indexes {
		total += ix.Scans
	}
	if total < a.th.MinTotalIndexScans {
		return nil, nil
	}

	var findings []domain.IndexFinding
	var recs []domain.Recommendation
	for _, ix := range indexes {
		if ix.IsUnique || ix.IsPrimary || ix.Scans >= a.th.UnusedScanFloor || ix.SizeBytes < a.th.UnusedMinBytes {
			continue
		}

		size := humanize.IBytes(uint64(ix.SizeBytes))
		f := finding(ix, size)
		detail := domain.IndexDetail{
			Schema: ix.Schema, Table: ix.Table, Index: ix.Index, Columns: ix.Columns,
			Issue: IssueUnused, SizeBytes: ix.SizeBytes, Scans: ix.Scans,
		}

		if ix.Scans == 0 {
			f.Reason = fmt.Sprintf("never scanned, occupies %s", size)
			detail.Action = domain.IndexDrop
			prio := domain.PriorityMedium
			if ix.SizeBytes >= 100<<20 {
				prio = domain.PriorityHigh
			}
			recs = append(recs, domain.NewRecommendation(detail, qualified(ix.Schema, ix.Index), prio,
				f.Reason, dropIndexSQL(ix.Schema, ix.Index), megabytes(ix.SizeBytes)))
		} else {
			f.Reason = fmt.Sprintf("only %d scans, occupies %s", ix.Scans, size)
			detail.Action = domain.IndexReview
			recs = append(recs, domain.NewRecommendation(detail, qualified(ix.Schema, ix.Index), domain.PriorityLow,
				f.Reason, "-- confirm the index is not needed by rare jobs, then: "+dropIndexSQL(ix.Schema, ix.Index),
				megabytes(ix.SizeBytes)/2))
		}
		findings = append(findings, f)
	}
	return findings, recs
}

// duplicates groups indexes by table, column list and predicate. The
// primary, unique or most scanned index of a group is kept.
func duplicates(indexes []domain.IndexStat) ([]domain.IndexFinding, []domain.Recommendation) {
	groups := make(map[string][]domain.IndexStat)
	var keys []string
	for _, ix := range indexes {
		if len(ix.Columns) == 0 {
			continue
		}
		key := strings.Join([]string{ix.Schema, ix.Table, strings.Join(ix.Columns, ","), ix.Predicate}, "|")
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], ix)
	}

	var findings []domain.IndexFinding
	var recs []domain.Recommendation
	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return keepBefore(group[i], group[j]) })
		keep := group[0]

		for _, ix := range group[1:] {
			size := humanize.IBytes(uint64(ix.SizeBytes))
			f := finding(ix, size)
			f.DuplicateOf = keep.Index
			f.Reason = fmt.Sprintf("same columns (%s) as %s", strings.Join(ix.Columns, ", "), keep.Index)
			findings = append(findings, f)

			detail := domain.IndexDetail{
				Schema: ix.Schema, Table: ix.Table, Index: ix.Index, Columns: ix.Columns,
				Issue: IssueDuplicate, SizeBytes: ix.SizeBytes, Scans: ix.Scans,
			}
			if ix.IsUnique || ix.IsPrimary {
				detail.Action = domain.IndexReview
				recs = append(recs, domain.NewRecommendation(detail, qualified(ix.Schema, ix.Index), domain.PriorityLow,
					f.Reason+"; both enforce constraints", "-- check which constraint to keep before dropping "+ix.Index,
					megabytes(ix.SizeBytes)/2))
				continue
			}
			detail.Action = domain.IndexDrop
			recs = append(recs, domain.NewRecommendation(detail, qualified(ix.Schema, ix.Index), domain.PriorityHigh,
				f.Reason, dropIndexSQL(ix.Schema, ix.Index), megabytes(ix.SizeBytes)))
		}
	}
	return findings, recs
}

func keepBefore(a, b domain.IndexStat) bool {
	if a.IsPrimary != b.IsPrimary {
		return a.IsPrimary
	}
	if a.IsUnique != b.IsUnique {
		return a.IsUnique
	}
	if a.Scans != b.Scans {
		return a.Scans > b.Scans
	}
	return a.Index < b.Index
}

func (a *IndexAdvisor) inefficient(indexes []domain.IndexStat) ([]domain.IndexFinding, []domain.Recommendation) {
	var findings []domain.IndexFinding
	var recs []domain.Recommendation
	for _, ix := range indexes {
		if ix.Scans == 0 {
			continue
		}
		ratio := float64(ix.TupRead) / float64(ix.Scans)
		if ratio <= a.th.InefficientRatio {
			continue
		}
		f := finding(ix, humanize.IBytes(uint64(ix.SizeBytes)))
		f.Reason = fmt.Sprintf("reads %s tuples per scan", humanize.Commaf(float64(int64(ratio))))
		findings = append(findings, f)

		detail := domain.IndexDetail{
			Schema: ix.Schema, Table: ix.Table, Index: ix.Index, Columns: ix.Columns,
			Action: domain.IndexReview, Issue: IssueInefficient, SizeBytes: ix.SizeBytes, Scans: ix.Scans,
		}
		recs = append(recs, domain.NewRecommendation(detail, qualified(ix.Schema, ix.Index), domain.PriorityMedium,
			f.Reason, "-- low selectivity: consider a composite or partial index in place of "+ix.Index,
			ratio/a.th.InefficientRatio))
	}
	return findings, recs
}

type columnUse struct {
	column string
	calls  int64
	slow   bool
	seen   map[int64]bool
}

// missing proposes indexes for sequential-scan-heavy tables. Columns come
// from the predicates of captured statements; when there are none, selective
// *_id columns are used instead.
func (a *IndexAdvisor) missing(ctx context.Context, tables []domain.TableStat, indexes []domain.IndexStat) ([]domain.IndexFinding, []domain.Recommendation) {
	leading := make(map[string]bool)
	for _, ix := range indexes {
		if len(ix.Columns) > 0 {
			leading[ix.Schema+"."+ix.Table+"."+ix.Columns[0]] = true
		}
	}

	var heavy []domain.TableStat
	for _, t := range tables {
		if t.IsPartitioned || t.SeqScan <= t.IdxScan || t.LiveTuples < a.th.SeqScanMinRows {
			continue
		}
		heavy = append(heavy, t)
	}
	if len(heavy) == 0 {
		return nil, nil
	}

	uses := a.predicateUses(ctx, heavy)
	var colStats []domain.ColumnStat
	var colStatsLoaded bool

	var findings []domain.IndexFinding
	var recs []domain.Recommendation
	for _, t := range heavy {
		candidates := uses[t.QualifiedName()]
		fromQueries := len(candidates) > 0
		if !fromQueries {
			if !colStatsLoaded {
				var err error
				colStats, err = a.stats.ColumnStats(ctx)
				if err != nil {
					a.logger.WarnContext(ctx, "column statistics unavailable for index inference",
						slog.String("error.message", err.Error()))
				}
				colStatsLoaded = true
			}
			candidates = idColumns(t, colStats, tables)
		}

		proposed := 0
		for _, c := range candidates {
			if proposed == maxMissingPerTable {
				break
			}
			if leading[t.QualifiedName()+"."+c.column] {
				continue
			}
			proposed++

			name := IndexName(t.Table, c.column)
			reason := fmt.Sprintf("%s sequential scans read %s rows; %s", humanize.Comma(t.SeqScan),
				humanize.Comma(t.SeqTupRead), c.evidence(fromQueries))
			findings = append(findings, domain.IndexFinding{
				Schema: t.Schema, Table: t.Table, Index: name, Columns: []string{c.column},
				Scans: t.SeqScan, Reason: reason,
			})

			prio := domain.PriorityMedium
			switch {
			case fromQueries && c.slow:
				prio = domain.PriorityCritical
			case fromQueries:
				prio = domain.PriorityHigh
			}
			detail := domain.IndexDetail{
				Schema: t.Schema, Table: t.Table, Index: name, Columns: []string{c.column},
				Action: domain.IndexCreate, Issue: IssueMissing, Scans: t.SeqScan,
			}
			recs = append(recs, domain.NewRecommendation(detail, t.QualifiedName(), prio, reason,
				createIndexSQL(t.Schema, t.Table, name, c.column), float64(t.SeqTupRead)/1e6))
		}
	}
	return findings, recs
}

func (c columnUse) evidence(fromQueries bool) string {
	if fromQueries {
		return fmt.Sprintf("%q is filtered on by statements called %s times", c.column, humanize.Comma(c.calls))
	}
	return fmt.Sprintf("%q is a selective key column", c.column)
}

// predicateUses maps schema.table to the filtered columns of captured
// statements, most called first.
func (a *IndexAdvisor) predicateUses(ctx context.Context, heavy []domain.TableStat) map[string][]columnUse {
	byName := make(map[string][]domain.TableStat)
	for _, t := range heavy {
		byName[t.Table] = append(byName[t.Table], t)
	}

	acc := make(map[string]map[string]*columnUse)
	for _, bucket := range []domain.QueryBucket{domain.BucketSlow, domain.BucketFrequent, domain.BucketExpensive} {
		queries, err := a.stats.QueryStats(ctx, bucket)
		if err != nil {
			a.logger.DebugContext(ctx, "statement statistics unavailable for index inference",
				slog.String("bucket", string(bucket)),
				slog.String("error.message", err.Error()))
			continue
		}
		for _, q := range queries {
			for _, p := range heuristics.PredicateColumns(q.Query) {
				for _, t := range byName[p.Table] {
					if p.Schema != "" && p.Schema != t.Schema {
						continue
					}
					cols := acc[t.QualifiedName()]
					if cols == nil {
						cols = make(map[string]*columnUse)
						acc[t.QualifiedName()] = cols
					}
					u := cols[p.Column]
					if u == nil {
						u = &columnUse{column: p.Column, seen: make(map[int64]bool)}
						cols[p.Column] = u
					}
					if bucket == domain.BucketSlow {
						u.slow = true
					}
					// The same statement can appear in several buckets.
					if !u.seen[q.QueryID] {
						u.seen[q.QueryID] = true
						u.calls += q.Calls
					}
				}
			}
		}
	}

	out := make(map[string][]columnUse, len(acc))
	for table, cols := range acc {
		list := make([]columnUse, 0, len(cols))
		for _, u := range cols {
			list = append(list, *u)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].calls != list[j].calls {
				return list[i].calls > list[j].calls
			}
			return list[i].column < list[j].column
		})
		out[table] = list
	}
	return out
}

// idColumns returns the selective *_id columns of t, foreign-key-like
// columns first.
func idColumns(t domain.TableStat, cols []domain.ColumnStat, tables []domain.TableStat) []columnUse {
	names := make(map[string]bool)
	for _, other := range tables {
		if other.Schema == t.Schema {
			names[other.Table] = true
		}
	}

	var fk, plain []columnUse
	for _, c := range cols {
		if c.Schema != t.Schema || c.Table != t.Table || !strings.HasSuffix(c.Column, "_id") {
			continue
		}
		if !domain.ClassifyByDistinctCount(c.NDistinct, c.RowCount).Selective() {
			continue
		}
		if _, ok := domain.ReferencedTable(c.Column, names); ok {
			fk = append(fk, columnUse{column: c.Column})
		} else {
			plain = append(plain, columnUse{column: c.Column})
		}
	}
	return append(fk, plain...)
}

// CreateIndex builds the index of a CREATE recommendation concurrently. DDL
// failures are reported in the result, not as an error.
func (a *IndexAdvisor) CreateIndex(ctx context.Context, rec domain.Recommendation) domain.DDLResult {
	detail, ok := rec.Detail.(domain.IndexDetail)
	if !ok || detail.Action != domain.IndexCreate {
		return domain.DDLResult{Error: "recommendation does not create an index"}
	}

	stmt := createIndexSQL(detail.Schema, detail.Table, detail.Index, detail.Columns...)
	start := time.Now()
	err := a.executor.CreateIndexConcurrently(ctx, stmt, detail.Schema, detail.Index)
	res := domain.DDLResult{
		Success:    err == nil,
		Statements: []string{stmt},
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		res.FailedSQL = stmt
		a.logger.ErrorContext(ctx, "index creation failed",
			slog.String("db.statement", stmt),
			slog.String("error.message", err.Error()),
		)
		return res
	}
	a.logger.InfoContext(ctx, "index created",
		slog.String("db.statement", stmt),
		slog.Int64("duration_ms", res.DurationMS),
	)
	return res
}

func finding(ix domain.IndexStat, size string) domain.IndexFinding {
	return domain.IndexFinding{
		Schema: ix.Schema, Table: ix.Table, Index: ix.Index, Columns: ix.Columns,
		Scans: ix.Scans, SizeBytes: ix.SizeBytes, SizeHuman: size,
	}
}

func createIndexSQL(schema, table, index string, columns ...string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	return fmt.Sprintf("CREATE INDEX CONCURRENTLY IF NOT EXISTS %s ON %s.%s (%s)",
		quoteIdent(index), quoteIdent(schema), quoteIdent(table), strings.Join(quoted, ", "))
}

func dropIndexSQL(schema, index string) string {
	return fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s.%s", quoteIdent(schema), quoteIdent(index))
}

// IndexName builds idx_<table>_<columns>, cut to PostgreSQL's 63-byte limit
// on a rune boundary.
func IndexName(table string, columns ...string) string {
	return truncateIdent("idx_"+table+"_"+strings.Join(columns, "_"), maxIdentBytes)
}
