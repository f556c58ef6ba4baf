package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RecommendationKind discriminates the Recommendation sum type.
type RecommendationKind string

const (
	KindIndex         RecommendationKind = "index"
	KindQuery         RecommendationKind = "query"
	KindPartition     RecommendationKind = "partition"
	KindConfiguration RecommendationKind = "configuration"
)

// Priority orders recommendations. Higher values sort first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// ParsePriority is the inverse of Priority.String. Unknown values map to PriorityLow.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Detail carries the kind-specific payload of a Recommendation.
// The interface is sealed: only the types in this file implement it.
type Detail interface {
	Kind() RecommendationKind
	sealed()
}

// IndexAction is what an index recommendation asks the operator to do.
type IndexAction string

const (
	IndexCreate IndexAction = "CREATE"
	IndexDrop   IndexAction = "DROP"
	IndexReview IndexAction = "REVIEW"
)

// IndexDetail is the payload of KindIndex recommendations.
type IndexDetail struct {
	Schema    string      `json:"schema"`
	Table     string      `json:"table"`
	Index     string      `json:"index"`
	Columns   []string    `json:"columns,omitempty"`
	Action    IndexAction `json:"action"`
	Issue     string      `json:"issue"` // missing, unused, duplicate, inefficient
	SizeBytes int64       `json:"size_bytes,omitempty"`
	Scans     int64       `json:"scans"`
}

func (IndexDetail) Kind() RecommendationKind { return KindIndex }
func (IndexDetail) sealed()                  {}

// QueryDetail is the payload of KindQuery recommendations.
type QueryDetail struct {
	QueryID    int64       `json:"query_id,omitempty"`
	Query      string      `json:"query,omitempty"`
	Bucket     QueryBucket `json:"bucket,omitempty"`
	Hints      []string    `json:"hints,omitempty"`
	MeanTimeMS float64     `json:"mean_time_ms,omitempty"`
	Calls      int64       `json:"calls,omitempty"`
}

func (QueryDetail) Kind() RecommendationKind { return KindQuery }
func (QueryDetail) sealed()                  {}

// PartitionStrategy is the PostgreSQL partitioning method proposed for a table.
type PartitionStrategy string

const (
	StrategyTime  PartitionStrategy = "time"
	StrategyRange PartitionStrategy = "range"
	StrategyHash  PartitionStrategy = "hash"
)

// PartitionDetail is the payload of KindPartition recommendations.
type PartitionDetail struct {
	Schema    string            `json:"schema"`
	Table     string            `json:"table"`
	Strategy  PartitionStrategy `json:"strategy,omitempty"`
	Column    string            `json:"column,omitempty"`
	RowCount  int64             `json:"row_count"`
	SizeBytes int64             `json:"size_bytes"`
	Partition string            `json:"partition,omitempty"`
	Operation string            `json:"operation,omitempty"` // SPLIT, ARCHIVE for existing partitions
}

func (PartitionDetail) Kind() RecommendationKind { return KindPartition }
func (PartitionDetail) sealed()                  {}

// ConfigDetail is the payload of KindConfiguration recommendations.
type ConfigDetail struct {
	Setting         string `json:"setting"`
	Current         string `json:"current"`
	Recommended     string `json:"recommended"`
	RequiresRestart bool   `json:"requires_restart"`
}

func (ConfigDetail) Kind() RecommendationKind { return KindConfiguration }
func (ConfigDetail) sealed()                  {}

// Recommendation is a single actionable finding.
type Recommendation struct {
	Kind            RecommendationKind `json:"kind"`
	Target          string             `json:"target"`
	Priority        Priority           `json:"priority"`
	Reason          string             `json:"reason"`
	Action          string             `json:"action"`
	EstimatedImpact float64            `json:"estimated_impact"`
	Detail          Detail             `json:"detail"`
}

// NewRecommendation builds a Recommendation whose Kind always matches its Detail.
func NewRecommendation(d Detail, target string, p Priority, reason, action string, impact float64) Recommendation {
	return Recommendation{
		Kind:            d.Kind(),
		Target:          target,
		Priority:        p,
		Reason:          reason,
		Action:          action,
		EstimatedImpact: impact,
		Detail:          d,
	}
}

// UnmarshalJSON decodes Detail into the concrete type named by Kind.
func (r *Recommendation) UnmarshalJSON(b []byte) error {
	type plain Recommendation
	var aux struct {
		plain
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}

	var d Detail
	switch aux.Kind {
	case KindIndex:
		var v IndexDetail
		if err := unmarshalDetail(aux.Detail, &v); err != nil {
			return err
		}
		d = v
	case KindQuery:
		var v QueryDetail
		if err := unmarshalDetail(aux.Detail, &v); err != nil {
			return err
		}
		d = v
	case KindPartition:
		var v PartitionDetail
		if err := unmarshalDetail(aux.Detail, &v); err != nil {
			return err
		}
		d = v
	case KindConfiguration:
		var v ConfigDetail
		if err := unmarshalDetail(aux.Detail, &v); err != nil {
			return err
		}
		d = v
	default:
		return fmt.Errorf("unknown recommendation kind %q", aux.Kind)
	}

	*r = Recommendation(aux.plain)
	r.Detail = d
	return nil
}

func unmarshalDetail(b json.RawMessage, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}

// SortRecommendations orders by priority (highest first), then by estimated
// impact, then by target for a stable output.
func SortRecommendations(recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Priority != recs[j].Priority {
			return recs[i].Priority > recs[j].Priority
		}
		if recs[i].EstimatedImpact != recs[j].EstimatedImpact {
			return recs[i].EstimatedImpact > recs[j].EstimatedImpact
		}
		return recs[i].Target < recs[j].Target
	})
}

// FilterByPriority returns the recommendations at or above min.
func FilterByPriority(recs []Recommendation, min Priority) []Recommendation {
	var out []Recommendation
	for _, r := range recs {
		if r.Priority >= min {
			out = append(out, r)
		}
	}
	return out
}

// DDLResult reports the outcome of a schema-changing operation. Mutating
// operations return it instead of an error so callers can render partial
// progress.
type DDLResult struct {
	Success    bool     `json:"success"`
	Statements []string `json:"statements"`
	DurationMS int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
	FailedSQL  string   `json:"failed_sql,omitempty"`
}
