package domain

import "time"

// IndexFinding is one index-level observation before it is ranked.
type IndexFinding struct {
	Schema      string   `json:"schema"`
	Table       string   `json:"table"`
	Index       string   `json:"index,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	Scans       int64    `json:"scans"`
	SizeBytes   int64    `json:"size_bytes,omitempty"`
	SizeHuman   string   `json:"size_human,omitempty"`
	Reason      string   `json:"reason"`
	DuplicateOf string   `json:"duplicate_of,omitempty"`
}

// IndexReport is the output of the index advisor.
type IndexReport struct {
	Missing         []IndexFinding   `json:"missing"`
	Unused          []IndexFinding   `json:"unused"`
	Duplicate       []IndexFinding   `json:"duplicate"`
	Inefficient     []IndexFinding   `json:"inefficient"`
	Recommendations []Recommendation `json:"recommendations"`
}

// QueryFinding is a captured statement with the hints that apply to it.
type QueryFinding struct {
	QueryStatSnapshot
	Bucket QueryBucket `json:"bucket"`
	Hints  []string    `json:"hints,omitempty"`
}

// QueryReport is the output of the query advisor.
type QueryReport struct {
	Slow            []QueryFinding   `json:"slow"`
	Frequent        []QueryFinding   `json:"frequent"`
	Expensive       []QueryFinding   `json:"expensive"`
	IOHeavy         []QueryFinding   `json:"io_heavy"`
	StaleStatistics []TableStat      `json:"stale_statistics"`
	Recommendations []Recommendation `json:"recommendations"`
}

// PartitionCandidate is a table large enough to benefit from partitioning.
type PartitionCandidate struct {
	Schema    string            `json:"schema"`
	Table     string            `json:"table"`
	RowCount  int64             `json:"row_count"`
	SizeBytes int64             `json:"size_bytes"`
	SizeHuman string            `json:"size_human"`
	Strategy  PartitionStrategy `json:"strategy"`
	Column    string            `json:"column,omitempty"`
	Reason    string            `json:"reason"`
}

// PartitionMaintenance is an existing partition that needs operator attention.
type PartitionMaintenance struct {
	Partition PartitionInfo `json:"partition"`
	Operation string        `json:"operation"` // SPLIT or ARCHIVE
	Reason    string        `json:"reason"`
}

// PartitionReport is the output of the partition advisor.
type PartitionReport struct {
	Candidates        []PartitionCandidate   `json:"candidates"`
	Partitions        []PartitionInfo        `json:"partitions"`
	MaintenanceNeeded []PartitionMaintenance `json:"maintenance_needed"`
	Recommendations   []Recommendation       `json:"recommendations"`
}

// MaintenanceState is the lifecycle state of the maintenance scheduler.
type MaintenanceState string

const (
	StateIdle      MaintenanceState = "idle"
	StateRunning   MaintenanceState = "running"
	StateSucceeded MaintenanceState = "succeeded"
	StateFailed    MaintenanceState = "failed"
)

// Maintenance phase names, in execution order.
const (
	PhaseStatisticsAnalysis   = "statistics_analysis"
	PhaseIndexMaintenance     = "index_maintenance"
	PhaseStatisticsRefresh    = "statistics_refresh"
	PhasePartitionMaintenance = "partition_maintenance"
	PhaseVacuum               = "vacuum"
)

// PhaseResult is the outcome of one maintenance phase.
type PhaseResult struct {
	Name       string   `json:"name"`
	Success    bool     `json:"success"`
	DurationMS int64    `json:"duration_ms"`
	Actions    []string `json:"actions,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	RunID           string           `json:"run_id"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Trigger         string           `json:"trigger"` // scheduled or manual
	Phases          []PhaseResult    `json:"phases"`
	Success         bool             `json:"success"`
	Errors          []string         `json:"errors,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
	NextScheduled   *time.Time       `json:"next_scheduled,omitempty"`
}

// MaintenanceStatus is the externally visible state of the scheduler.
type MaintenanceStatus struct {
	State         MaintenanceState   `json:"state"`
	Enabled       bool               `json:"enabled"`
	Window        string             `json:"window"`
	NextScheduled *time.Time         `json:"next_scheduled,omitempty"`
	LastReport    *MaintenanceReport `json:"last_report,omitempty"`
}
