package nplusone

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/heuristics"
	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/puzpuzpuz/xsync/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Pattern classifies an N+1 issue.
type Pattern string

const (
	PatternSelectByID    Pattern = "SELECT_BY_ID"
	PatternRepeatedQuery Pattern = "REPEATED_QUERY"
)

// Config holds the detection thresholds.
type Config struct {
	MinGroupSize    int
	MaxGap          time.Duration
	RepeatThreshold int
	StatsTTL        time.Duration
	CallSiteFrames  int
}

func DefaultConfig() Config {
	return Config{
		MinGroupSize:    4,
		MaxGap:          100 * time.Millisecond,
		RepeatThreshold: 5,
		StatsTTL:        time.Hour,
		CallSiteFrames:  5,
	}
}

// Issue is one N+1 pattern found in a request.
type Issue struct {
	Pattern       Pattern  `json:"pattern"`
	NormalizedSQL string   `json:"normalized_sql"`
	Example       string   `json:"example"`
	Occurrences   int      `json:"occurrences"`
	TotalTimeMS   float64  `json:"total_time_ms"`
	AvgTimeMS     float64  `json:"avg_time_ms"`
	WastedTimeMS  float64  `json:"wasted_time_ms"`
	MeanGapMS     float64  `json:"mean_gap_ms"`
	Suggestion    string   `json:"suggestion"`
	CallSite      []string `json:"call_site,omitempty"`
	RequestID     string   `json:"request_id"`
}

// PatternStats aggregates the issues seen for one normalized statement
// across requests.
type PatternStats struct {
	NormalizedSQL string    `json:"normalized_sql"`
	Pattern       Pattern   `json:"pattern"`
	Detections    int64     `json:"detections"`
	Queries       int64     `json:"queries"`
	TotalWastedMS float64   `json:"total_wasted_ms"`
	Suggestion    string    `json:"suggestion"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Detector finds N+1 patterns in finished tracking contexts and keeps
// rolling statistics of what it found.
type Detector struct {
	cfg    Config
	stats  *xsync.MapOf[string, PatternStats]
	inst   port.Instrumentation
	logger *slog.Logger
	now    func() time.Time
}

func NewDetector(cfg Config, inst port.Instrumentation, logger *slog.Logger) *Detector {
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &Detector{
		cfg:    cfg,
		stats:  xsync.NewMapOf[string, PatternStats](),
		inst:   inst,
		logger: logger,
		now:    time.Now,
	}
}

// StartTracking opens a tracking context for one request and returns a
// child context carrying it.
func (d *Detector) StartTracking(ctx context.Context, requestID string) (context.Context, *TrackingContext) {
	tc := newTrackingContext(requestID, d.cfg.CallSiteFrames)
	return context.WithValue(ctx, trackingKey{}, tc), tc
}

// FinishTracking closes tc and returns the issues found in it. Statements
// recorded afterwards are dropped. A second call returns nothing.
func (d *Detector) FinishTracking(ctx context.Context, tc *TrackingContext) []Issue {
	traces := tc.finish()
	if len(traces) < d.cfg.MinGroupSize {
		return nil
	}

	groups := make(map[string][]QueryTrace)
	var order []string
	for _, t := range traces {
		if _, ok := groups[t.NormalizedSQL]; !ok {
			order = append(order, t.NormalizedSQL)
		}
		groups[t.NormalizedSQL] = append(groups[t.NormalizedSQL], t)
	}

	var issues []Issue
	for _, key := range order {
		issue, ok := d.evaluate(groups[key])
		if !ok {
			continue
		}
		issue.RequestID = tc.RequestID
		issues = append(issues, issue)
		d.remember(issue)
		d.inst.IncrementNPlusOne(ctx, string(issue.Pattern))
		d.logger.WarnContext(ctx, "N+1 query pattern detected",
			slog.String("pattern", string(issue.Pattern)),
			slog.String("db.statement", issue.NormalizedSQL),
			slog.Int("occurrences", issue.Occurrences),
			slog.Float64("wasted_ms", issue.WastedTimeMS),
			slog.String("request_id", tc.RequestID),
		)
	}
	return issues
}

func (d *Detector) evaluate(group []QueryTrace) (Issue, bool) {
	if len(group) < d.cfg.MinGroupSize || len(group) < 2 {
		return Issue{}, false
	}
	sort.SliceStable(group, func(i, j int) bool { return group[i].Start.Before(group[j].Start) })

	gaps := gapsMS(group)
	clustered := floats.Max(gaps) <= float64(d.cfg.MaxGap.Microseconds())/1000
	if !clustered {
		return Issue{}, false
	}

	var pattern Pattern
	switch {
	case heuristics.IsLookupByKey(group[0].SQL) && sameParamShape(group):
		pattern = PatternSelectByID
	case len(group) > d.cfg.RepeatThreshold:
		pattern = PatternRepeatedQuery
	default:
		return Issue{}, false
	}

	var total time.Duration
	for _, t := range group {
		total += t.Duration
	}
	n := len(group)
	totalMS := durationMS(total)
	avgMS := totalMS / float64(n)

	return Issue{
		Pattern:       pattern,
		NormalizedSQL: group[0].NormalizedSQL,
		Example:       group[0].SQL,
		Occurrences:   n,
		TotalTimeMS:   totalMS,
		AvgTimeMS:     avgMS,
		WastedTimeMS:  totalMS - avgMS,
		MeanGapMS:     stat.Mean(gaps, nil),
		Suggestion:    suggestion(pattern, group[0].SQL, n),
		CallSite:      group[0].CallSite,
	}, true
}

// gapsMS returns the idle time between consecutive statements: the start of
// one minus the end of the previous, never negative.
func gapsMS(group []QueryTrace) []float64 {
	gaps := make([]float64, 0, len(group)-1)
	for i := 1; i < len(group); i++ {
		prevEnd := group[i-1].Start.Add(group[i-1].Duration)
		gap := group[i].Start.Sub(prevEnd)
		if gap < 0 {
			gap = 0
		}
		gaps = append(gaps, durationMS(gap))
	}
	return gaps
}

// sameParamShape reports whether every trace bound the same number of
// parameters with the same Go types.
func sameParamShape(group []QueryTrace) bool {
	shape := paramShape(group[0].Params)
	for _, t := range group[1:] {
		if paramShape(t.Params) != shape {
			return false
		}
	}
	return true
}

func paramShape(params []any) string {
	types := make([]string, len(params))
	for i, p := range params {
		types[i] = fmt.Sprintf("%T", p)
	}
	return strings.Join(types, ",")
}

func suggestion(p Pattern, sql string, n int) string {
	if p == PatternRepeatedQuery {
		return fmt.Sprintf("the same statement ran %d times in one request; load it once and reuse the result", n)
	}
	col := "id"
	for _, pred := range heuristics.PredicateColumns(sql) {
		if pred.Operator == "=" {
			col = pred.Column
			break
		}
	}
	return fmt.Sprintf("batch the %d lookups into one query: WHERE %s IN (...) or WHERE %s = ANY($1)", n, col, col)
}

func (d *Detector) remember(issue Issue) {
	now := d.now()
	d.stats.Compute(issue.NormalizedSQL, func(old PatternStats, loaded bool) (PatternStats, bool) {
		if !loaded {
			old = PatternStats{NormalizedSQL: issue.NormalizedSQL, FirstSeen: now}
		}
		old.Pattern = issue.Pattern
		old.Suggestion = issue.Suggestion
		old.Detections++
		old.Queries += int64(issue.Occurrences)
		old.TotalWastedMS += issue.WastedTimeMS
		old.LastSeen = now
		return old, false
	})
}

// Stats returns the rolling statistics, most wasted time first.
func (d *Detector) Stats() []PatternStats {
	var out []PatternStats
	d.stats.Range(func(_ string, v PatternStats) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalWastedMS != out[j].TotalWastedMS {
			return out[i].TotalWastedMS > out[j].TotalWastedMS
		}
		return out[i].NormalizedSQL < out[j].NormalizedSQL
	})
	return out
}

// EvictExpired drops patterns not seen within the TTL and returns how many
// were removed.
func (d *Detector) EvictExpired() int {
	cutoff := d.now().Add(-d.cfg.StatsTTL)
	var keys []string
	d.stats.Range(func(k string, v PatternStats) bool {
		if v.LastSeen.Before(cutoff) {
			keys = append(keys, k)
		}
		return true
	})

	removed := 0
	for _, k := range keys {
		d.stats.Compute(k, func(v PatternStats, loaded bool) (PatternStats, bool) {
			expired := loaded && v.LastSeen.Before(cutoff)
			if expired {
				removed++
			}
			return v, expired
		})
	}
	return removed
}

// Run evicts expired statistics periodically until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	interval := d.cfg.StatsTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.EvictExpired(); n > 0 {
				d.logger.DebugContext(ctx, "evicted expired N+1 statistics", slog.Int("count", n))
			}
		}
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
