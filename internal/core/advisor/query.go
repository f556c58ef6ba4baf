package advisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"github.com/guillermoBallester/pgtuner/internal/core/heuristics"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// HintStaleStatistics marks statistics-refresh recommendations.
const HintStaleStatistics = "STALE_STATISTICS"

// Memory bounds for shared_buffers as a fraction of system memory.
const (
	sharedBuffersTarget = 0.25
	sharedBuffersLow    = 0.15
	sharedBuffersHigh   = 0.40
)

// maxWorkMem caps the work_mem recommendation.
const maxWorkMem = 1 << 30

// QueryAdvisor classifies captured statements and recommends statistics
// and configuration changes.
type QueryAdvisor struct {
	stats  port.StatsSource
	host   port.HostInfo
	memory uint64
	th     domain.Thresholds
	logger *slog.Logger
}

// NewQueryAdvisor creates the advisor. memory overrides the host's total
// memory when non-zero; host may be nil.
func NewQueryAdvisor(stats port.StatsSource, host port.HostInfo, memory uint64, th domain.Thresholds, logger *slog.Logger) *QueryAdvisor {
	return &QueryAdvisor{stats: stats, host: host, memory: memory, th: th, logger: logger}
}

// AnalyzeQueryPerformance buckets captured statements, attaches hints and
// collects statistics and configuration recommendations. Buckets whose
// statistics are unavailable are left empty.
func (a *QueryAdvisor) AnalyzeQueryPerformance(ctx context.Context) (*domain.QueryReport, error) {
	report := &domain.QueryReport{}
	byQuery := make(map[int64]domain.Recommendation)
	var order []int64

	for _, bucket := range []domain.QueryBucket{domain.BucketSlow, domain.BucketFrequent, domain.BucketExpensive, domain.BucketIOHeavy} {
		queries, err := a.stats.QueryStats(ctx, bucket)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.WarnContext(ctx, "statement statistics unavailable",
				slog.String("bucket", string(bucket)),
				slog.String("error.message", err.Error()),
			)
			continue
		}

		findings := make([]domain.QueryFinding, 0, len(queries))
		for _, q := range queries {
			f := domain.QueryFinding{QueryStatSnapshot: q, Bucket: bucket, Hints: heuristics.Codes(heuristics.Analyze(q.Query))}
			findings = append(findings, f)

			rec, ok := a.queryRecommendation(f)
			if !ok {
				continue
			}
			prev, seen := byQuery[q.QueryID]
			if !seen {
				order = append(order, q.QueryID)
			}
			if !seen || rec.Priority > prev.Priority {
				byQuery[q.QueryID] = rec
			}
		}

		switch bucket {
		case domain.BucketSlow:
			report.Slow = findings
		case domain.BucketFrequent:
			report.Frequent = findings
		case domain.BucketExpensive:
			report.Expensive = findings
		case domain.BucketIOHeavy:
			report.IOHeavy = findings
		}
	}

	var recs []domain.Recommendation
	for _, id := range order {
		recs = append(recs, byQuery[id])
	}

	stale, staleRecs := a.staleStatistics(ctx)
	report.StaleStatistics = stale
	recs = append(recs, staleRecs...)
	recs = append(recs, a.configRecommendations(ctx)...)

	domain.SortRecommendations(recs)
	report.Recommendations = recs
	return report, nil
}

func (a *QueryAdvisor) queryRecommendation(f domain.QueryFinding) (domain.Recommendation, bool) {
	detail := domain.QueryDetail{
		QueryID: f.QueryID, Query: f.Query, Bucket: f.Bucket, Hints: f.Hints,
		MeanTimeMS: f.MeanTimeMS, Calls: f.Calls,
	}
	target := fmt.Sprintf("query %d", f.QueryID)
	impact := f.TotalTimeMS / 1000
	hints := strings.Join(f.Hints, ", ")

	var prio domain.Priority
	var reason, action string
	switch f.Bucket {
	case domain.BucketSlow:
		prio = domain.PriorityMedium
		if len(f.Hints) > 0 {
			prio = domain.PriorityHigh
		}
		if f.MeanTimeMS >= 10*a.th.SlowQueryMS {
			prio = domain.PriorityCritical
		}
		reason = fmt.Sprintf("mean %.1f ms over %s calls", f.MeanTimeMS, humanize.Comma(f.Calls))
		action = "inspect EXPLAIN (ANALYZE, BUFFERS) and add the missing index or rewrite the statement"
	case domain.BucketFrequent:
		if len(f.Hints) == 0 {
			return domain.Recommendation{}, false
		}
		prio = domain.PriorityMedium
		reason = fmt.Sprintf("%s calls", humanize.Comma(f.Calls))
		action = "fix the flagged patterns or cache the result in the application"
	case domain.BucketExpensive:
		if f.PercentOfTotal < 20 {
			return domain.Recommendation{}, false
		}
		prio = domain.PriorityHigh
		reason = fmt.Sprintf("%.1f%% of all execution time", f.PercentOfTotal)
		action = "optimise this statement first; it dominates database time"
	case domain.BucketIOHeavy:
		prio = domain.PriorityMedium
		reason = fmt.Sprintf("%s blocks read from disk, cache hit ratio %.2f",
			humanize.Comma(f.SharedBlksRead), f.HitRatio)
		action = "narrow the scan with an index or a tighter predicate"
	default:
		return domain.Recommendation{}, false
	}
	if hints != "" {
		reason += "; " + hints
	}
	return domain.NewRecommendation(detail, target, prio, reason, action, impact), true
}

// staleStatistics finds tables that were never analyzed or changed more than
// the change ratio since the last ANALYZE.
func (a *QueryAdvisor) staleStatistics(ctx context.Context) ([]domain.TableStat, []domain.Recommendation) {
	tables, err := a.stats.TableStats(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "table statistics unavailable", slog.String("error.message", err.Error()))
		return nil, nil
	}

	var stale []domain.TableStat
	var recs []domain.Recommendation
	for _, t := range tables {
		if !NeedsAnalyze(t, a.th.AnalyzeChangeRatio) {
			continue
		}
		stale = append(stale, t)

		prio := domain.PriorityMedium
		reason := fmt.Sprintf("%s rows modified since the last ANALYZE of %s live rows",
			humanize.Comma(t.ModSinceAnalyze), humanize.Comma(t.LiveTuples))
		if t.LastAnalyzed() == nil {
			prio = domain.PriorityHigh
			reason = fmt.Sprintf("never analyzed with %s live rows", humanize.Comma(t.LiveTuples))
		}
		detail := domain.QueryDetail{Hints: []string{HintStaleStatistics}}
		recs = append(recs, domain.NewRecommendation(detail, t.QualifiedName(), prio, reason,
			fmt.Sprintf("ANALYZE %s.%s", quoteIdent(t.Schema), quoteIdent(t.Table)),
			float64(t.ModSinceAnalyze)/float64(t.LiveTuples)))
	}
	return stale, recs
}

// NeedsAnalyze reports whether a table's planner statistics are stale.
func NeedsAnalyze(t domain.TableStat, changeRatio float64) bool {
	if t.LiveTuples == 0 || t.IsPartitioned {
		return false
	}
	if t.LastAnalyzed() == nil {
		return true
	}
	return float64(t.ModSinceAnalyze)/float64(t.LiveTuples) > changeRatio
}

func (a *QueryAdvisor) configRecommendations(ctx context.Context) []domain.Recommendation {
	settings, err := a.stats.Settings(ctx, "max_connections", "work_mem", "shared_buffers")
	if err != nil {
		a.logger.WarnContext(ctx, "settings unavailable", slog.String("error.message", err.Error()))
		return nil
	}

	var recs []domain.Recommendation
	if rec, ok := a.maxConnections(ctx, settings["max_connections"]); ok {
		recs = append(recs, rec)
	}
	if rec, ok := a.workMem(ctx, settings["work_mem"]); ok {
		recs = append(recs, rec)
	}
	if rec, ok := a.sharedBuffers(ctx, settings["shared_buffers"]); ok {
		recs = append(recs, rec)
	}
	return recs
}

func (a *QueryAdvisor) maxConnections(ctx context.Context, s domain.Setting) (domain.Recommendation, bool) {
	conns, err := a.stats.ConnectionStats(ctx)
	if err != nil || conns.MaxConnections == 0 {
		return domain.Recommendation{}, false
	}
	sat := conns.Saturation()
	if sat <= a.th.ConnectionSaturation {
		return domain.Recommendation{}, false
	}

	recommended := int(math.Ceil(float64(conns.MaxConnections)*1.5/10) * 10)
	prio := domain.PriorityHigh
	if sat >= 0.95 {
		prio = domain.PriorityCritical
	}
	detail := domain.ConfigDetail{
		Setting:         "max_connections",
		Current:         strconv.Itoa(conns.MaxConnections),
		Recommended:     strconv.Itoa(recommended),
		RequiresRestart: s.RequiresRestart || s.Name == "",
	}
	reason := fmt.Sprintf("%d of %d connections in use (%.0f%%)", conns.Total, conns.MaxConnections, sat*100)
	return domain.NewRecommendation(detail, "max_connections", prio, reason,
		fmt.Sprintf("max_connections = %d  -- or put a connection pooler in front", recommended), sat), true
}

// workMem recommends a larger work_mem when sorts and hashes spill to
// temporary files.
func (a *QueryAdvisor) workMem(ctx context.Context, s domain.Setting) (domain.Recommendation, bool) {
	if s.Bytes == 0 {
		return domain.Recommendation{}, false
	}
	db, err := a.stats.DatabaseStats(ctx)
	if err != nil || db.TempFiles == 0 {
		return domain.Recommendation{}, false
	}

	avgSpill := db.TempBytes / db.TempFiles
	if avgSpill <= s.Bytes {
		return domain.Recommendation{}, false
	}
	target := s.Bytes * 2
	for target < avgSpill && target < maxWorkMem {
		target *= 2
	}
	if target > maxWorkMem {
		target = maxWorkMem
	}
	if target <= s.Bytes {
		return domain.Recommendation{}, false
	}

	detail := domain.ConfigDetail{
		Setting:         "work_mem",
		Current:         formatMemory(s.Bytes),
		Recommended:     formatMemory(target),
		RequiresRestart: s.RequiresRestart,
	}
	reason := fmt.Sprintf("%s temporary files averaging %s spilled to disk",
		humanize.Comma(db.TempFiles), humanize.IBytes(uint64(avgSpill)))
	return domain.NewRecommendation(detail, "work_mem", domain.PriorityMedium, reason,
		"work_mem = '"+formatMemory(target)+"'", megabytes(db.TempBytes)/1024), true
}

// sharedBuffers compares shared_buffers with a quarter of system memory.
func (a *QueryAdvisor) sharedBuffers(ctx context.Context, s domain.Setting) (domain.Recommendation, bool) {
	total := a.memory
	if total == 0 && a.host != nil {
		mem, err := a.host.TotalMemory(ctx)
		if err != nil {
			a.logger.DebugContext(ctx, "system memory unknown", slog.String("error.message", err.Error()))
			return domain.Recommendation{}, false
		}
		total = mem
	}
	if total == 0 || s.Bytes == 0 {
		return domain.Recommendation{}, false
	}

	ratio := float64(s.Bytes) / float64(total)
	if ratio >= sharedBuffersLow && ratio <= sharedBuffersHigh {
		return domain.Recommendation{}, false
	}

	target := int64(float64(total) * sharedBuffersTarget)
	target -= target % (1 << 20)
	prio := domain.PriorityMedium
	if ratio < sharedBuffersLow {
		prio = domain.PriorityHigh
	}
	detail := domain.ConfigDetail{
		Setting:         "shared_buffers",
		Current:         formatMemory(s.Bytes),
		Recommended:     formatMemory(target),
		RequiresRestart: true,
	}
	reason := fmt.Sprintf("shared_buffers is %.0f%% of %s system memory", ratio*100, humanize.IBytes(total))
	return domain.NewRecommendation(detail, "shared_buffers", prio, reason,
		"shared_buffers = '"+formatMemory(target)+"'", math.Abs(sharedBuffersTarget-ratio)*10), true
}

// formatMemory renders bytes in the units postgresql.conf accepts.
func formatMemory(b int64) string {
	switch {
	case b >= 1<<30 && b%(1<<30) == 0:
		return fmt.Sprintf("%dGB", b>>30)
	case b >= 1<<20:
		return fmt.Sprintf("%dMB", b>>20)
	default:
		return fmt.Sprintf("%dkB", b>>10)
	}
}
