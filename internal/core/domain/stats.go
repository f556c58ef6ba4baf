package domain

import "time"

// QueryBucket names the pg_stat_statements view a QueryStatSnapshot was taken from.
type QueryBucket string

const (
	BucketSlow      QueryBucket = "slow"
	BucketFrequent  QueryBucket = "frequent"
	BucketExpensive QueryBucket = "expensive"
	BucketIOHeavy   QueryBucket = "io_heavy"
)

// QueryStatSnapshot is one pg_stat_statements row at the time of a poll.
type QueryStatSnapshot struct {
	QueryID        int64   `json:"query_id"`
	Query          string  `json:"query"`
	Calls          int64   `json:"calls"`
	TotalTimeMS    float64 `json:"total_time_ms"`
	MeanTimeMS     float64 `json:"mean_time_ms"`
	MinTimeMS      float64 `json:"min_time_ms"`
	MaxTimeMS      float64 `json:"max_time_ms"`
	StddevTimeMS   float64 `json:"stddev_time_ms"`
	Rows           int64   `json:"rows"`
	SharedBlksHit  int64   `json:"shared_blks_hit"`
	SharedBlksRead int64   `json:"shared_blks_read"`
	SharedBlksWrit int64   `json:"shared_blks_written"`
	TempBlksWrit   int64   `json:"temp_blks_written"`
	HitRatio       float64 `json:"hit_ratio"`
	PercentOfTotal float64 `json:"percent_of_total,omitempty"`
}

// TableStat mirrors pg_stat_user_tables for one relation.
type TableStat struct {
	Schema          string     `json:"schema"`
	Table           string     `json:"table"`
	SeqScan         int64      `json:"seq_scan"`
	SeqTupRead      int64      `json:"seq_tup_read"`
	IdxScan         int64      `json:"idx_scan"`
	IdxTupFetch     int64      `json:"idx_tup_fetch"`
	Inserts         int64      `json:"n_tup_ins"`
	Updates         int64      `json:"n_tup_upd"`
	Deletes         int64      `json:"n_tup_del"`
	HotUpdates      int64      `json:"n_tup_hot_upd"`
	LiveTuples      int64      `json:"n_live_tup"`
	DeadTuples      int64      `json:"n_dead_tup"`
	ModSinceAnalyze int64      `json:"n_mod_since_analyze"`
	LastVacuum      *time.Time `json:"last_vacuum,omitempty"`
	LastAutovacuum  *time.Time `json:"last_autovacuum,omitempty"`
	LastAnalyze     *time.Time `json:"last_analyze,omitempty"`
	LastAutoanalyze *time.Time `json:"last_autoanalyze,omitempty"`
	TotalBytes      int64      `json:"total_bytes"`
	IsPartitioned   bool       `json:"is_partitioned"`
	IsPartition     bool       `json:"is_partition"`
}

// QualifiedName returns schema.table.
func (t TableStat) QualifiedName() string { return t.Schema + "." + t.Table }

// DeadTupleRatio is dead / (live + dead), 0 for empty tables.
func (t TableStat) DeadTupleRatio() float64 {
	total := t.LiveTuples + t.DeadTuples
	if total == 0 {
		return 0
	}
	return float64(t.DeadTuples) / float64(total)
}

// LastAnalyzed returns the most recent manual or automatic ANALYZE time.
func (t TableStat) LastAnalyzed() *time.Time {
	switch {
	case t.LastAnalyze == nil:
		return t.LastAutoanalyze
	case t.LastAutoanalyze == nil:
		return t.LastAnalyze
	case t.LastAnalyze.After(*t.LastAutoanalyze):
		return t.LastAnalyze
	default:
		return t.LastAutoanalyze
	}
}

// IndexStat mirrors pg_stat_user_indexes joined with pg_index.
type IndexStat struct {
	Schema     string   `json:"schema"`
	Table      string   `json:"table"`
	Index      string   `json:"index"`
	Scans      int64    `json:"idx_scan"`
	TupRead    int64    `json:"idx_tup_read"`
	TupFetch   int64    `json:"idx_tup_fetch"`
	SizeBytes  int64    `json:"size_bytes"`
	IsUnique   bool     `json:"is_unique"`
	IsPrimary  bool     `json:"is_primary"`
	IsValid    bool     `json:"is_valid"`
	Columns    []string `json:"columns"`
	Predicate  string   `json:"predicate,omitempty"`
	Definition string   `json:"definition"`
}

// ColumnStat describes a column together with its planner statistics.
type ColumnStat struct {
	Schema    string  `json:"schema"`
	Table     string  `json:"table"`
	Column    string  `json:"column"`
	DataType  string  `json:"data_type"`
	NDistinct int64   `json:"n_distinct"` // absolute, converted from pg_stats
	NullFrac  float64 `json:"null_frac"`
	RowCount  int64   `json:"row_count"`
}

// ConnectionStats summarizes pg_stat_activity against max_connections.
type ConnectionStats struct {
	Total             int `json:"total"`
	Active            int `json:"active"`
	Idle              int `json:"idle"`
	IdleInTransaction int `json:"idle_in_transaction"`
	Waiting           int `json:"waiting"`
	MaxConnections    int `json:"max_connections"`
}

// Saturation is the fraction of max_connections in use.
func (c ConnectionStats) Saturation() float64 {
	if c.MaxConnections == 0 {
		return 0
	}
	return float64(c.Total) / float64(c.MaxConnections)
}

// LockWait is a blocked backend together with the backend blocking it.
type LockWait struct {
	BlockedPID    int32         `json:"blocked_pid"`
	BlockedQuery  string        `json:"blocked_query"`
	BlockingPID   int32         `json:"blocking_pid"`
	BlockingQuery string        `json:"blocking_query"`
	LockType      string        `json:"lock_type"`
	Relation      string        `json:"relation,omitempty"`
	WaitDuration  time.Duration `json:"wait_duration"`
}

// DiskUsage is the on-disk footprint of a relation.
type DiskUsage struct {
	Schema     string `json:"schema"`
	Table      string `json:"table"`
	TableBytes int64  `json:"table_bytes"`
	IndexBytes int64  `json:"index_bytes"`
	ToastBytes int64  `json:"toast_bytes"`
	TotalBytes int64  `json:"total_bytes"`
	TotalHuman string `json:"total_human"`
}

// DatabaseStats is the pg_stat_database row of the current database.
type DatabaseStats struct {
	Name          string  `json:"name"`
	SizeBytes     int64   `json:"size_bytes"`
	Commits       int64   `json:"xact_commit"`
	Rollbacks     int64   `json:"xact_rollback"`
	BlocksRead    int64   `json:"blks_read"`
	BlocksHit     int64   `json:"blks_hit"`
	TempFiles     int64   `json:"temp_files"`
	TempBytes     int64   `json:"temp_bytes"`
	Deadlocks     int64   `json:"deadlocks"`
	CacheHitRatio float64 `json:"cache_hit_ratio"`
}

// Setting is one pg_settings row.
type Setting struct {
	Name            string `json:"name"`
	Value           string `json:"value"`
	Unit            string `json:"unit,omitempty"`
	Context         string `json:"context"`
	Bytes           int64  `json:"bytes,omitempty"` // value normalized to bytes for memory settings
	RequiresRestart bool   `json:"requires_restart"`
}

// PartitionInfo is one child of a partitioned table.
type PartitionInfo struct {
	ParentSchema string     `json:"parent_schema"`
	Parent       string     `json:"parent"`
	Schema       string     `json:"schema"`
	Name         string     `json:"name"`
	Bound        string     `json:"bound"`
	Strategy     string     `json:"strategy"`
	SizeBytes    int64      `json:"size_bytes"`
	LiveTuples   int64      `json:"live_tuples"`
	UpperBound   *time.Time `json:"upper_bound,omitempty"`
}

// PerformanceSnapshot bundles every statistics view read in one poll.
// Degraded lists the sub-analyses that failed and were left empty.
type PerformanceSnapshot struct {
	CollectedAt time.Time           `json:"collected_at"`
	SlowQueries []QueryStatSnapshot `json:"slow_queries"`
	Tables      []TableStat         `json:"tables"`
	Indexes     []IndexStat         `json:"indexes"`
	Connections ConnectionStats     `json:"connections"`
	LockWaits   []LockWait          `json:"lock_waits"`
	DiskUsage   []DiskUsage         `json:"disk_usage"`
	Database    DatabaseStats       `json:"database"`
	Degraded    []string            `json:"degraded,omitempty"`
}
