package config

import (
	"fmt"
	"os"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Routing strategy names accepted in the tuning file.
const (
	StrategyRoundRobin    = "round_robin"
	StrategyRandom        = "random"
	StrategyFixed         = "fixed"
	StrategyLowestLatency = "lowest_latency"
	StrategyLowestLoad    = "lowest_load"
)

// Tuning is the root of the tuning YAML file.
type Tuning struct {
	Thresholds  domain.Thresholds `yaml:"thresholds"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Routing     RoutingConfig     `yaml:"routing"`
	NPlusOne    NPlusOneConfig    `yaml:"nplusone"`
}

// MaintenanceConfig drives the maintenance scheduler.
type MaintenanceConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Window           WindowConfig  `yaml:"window"`
	MaxIndexesPerRun int           `yaml:"max_indexes_per_run"`
	MaxTablesPerRun  int           `yaml:"max_tables_per_run"`
}

// WindowConfig is the YAML form of domain.MaintenanceWindow.
type WindowConfig struct {
	Days      []string `yaml:"days"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Timezone  string   `yaml:"timezone"`
}

// RoutingConfig controls replica selection.
type RoutingConfig struct {
	Strategy            string        `yaml:"strategy"`
	FixedIndex          int           `yaml:"fixed_index"`
	FallbackToWrite     bool          `yaml:"fallback_to_write"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	OperationTimeout    time.Duration `yaml:"operation_timeout"`
}

// NPlusOneConfig controls the N+1 detector.
type NPlusOneConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MinGroupSize    int           `yaml:"min_group_size"`
	MaxGap          time.Duration `yaml:"max_gap"`
	RepeatThreshold int           `yaml:"repeat_threshold"`
	StatsTTL        time.Duration `yaml:"stats_ttl"`
	CallSiteFrames  int           `yaml:"call_site_frames"`
}

// DefaultTuning returns the settings used without a tuning file.
func DefaultTuning() *Tuning {
	return &Tuning{
		Thresholds: domain.DefaultThresholds(),
		Maintenance: MaintenanceConfig{
			Enabled:  true,
			Interval: time.Hour,
			Window: WindowConfig{
				Days:      []string{"sunday"},
				StartHour: 2,
				EndHour:   4,
				Timezone:  "UTC",
			},
			MaxIndexesPerRun: 3,
			MaxTablesPerRun:  10,
		},
		Routing: RoutingConfig{
			Strategy:            StrategyRoundRobin,
			FallbackToWrite:     true,
			HealthCheckInterval: 10 * time.Second,
		},
		NPlusOne: NPlusOneConfig{
			Enabled:         true,
			MinGroupSize:    4,
			MaxGap:          100 * time.Millisecond,
			RepeatThreshold: 5,
			StatsTTL:        time.Hour,
			CallSiteFrames:  5,
		},
	}
}

// LoadTuningFile reads a YAML tuning file on top of the defaults and
// validates the result. Keys absent from the file keep their default.
func LoadTuningFile(path string) (*Tuning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning file: %w", err)
	}

	t := DefaultTuning()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parsing tuning YAML: %w", err)
	}

	if err := validateTuning(t); err != nil {
		return nil, fmt.Errorf("validating tuning: %w", err)
	}

	return t, nil
}

// Window converts the YAML window into its domain form.
func (w WindowConfig) Window() (domain.MaintenanceWindow, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return domain.MaintenanceWindow{}, fmt.Errorf("maintenance.window.timezone: %w", err)
	}
	days := make([]time.Weekday, 0, len(w.Days))
	for _, d := range w.Days {
		wd, err := domain.ParseWeekday(d)
		if err != nil {
			return domain.MaintenanceWindow{}, fmt.Errorf("maintenance.window.days: %w", err)
		}
		days = append(days, wd)
	}
	return domain.MaintenanceWindow{
		Days:      days,
		StartHour: w.StartHour,
		EndHour:   w.EndHour,
		Location:  loc,
	}, nil
}

func validateTuning(t *Tuning) error {
	th := t.Thresholds
	if th.SlowQueryMS <= 0 {
		return fmt.Errorf("thresholds.slow_query_ms must be positive")
	}
	if th.QueryLimit <= 0 {
		return fmt.Errorf("thresholds.query_limit must be positive")
	}
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"dead_tuple_ratio", th.DeadTupleRatio},
		{"analyze_change_ratio", th.AnalyzeChangeRatio},
		{"connection_saturation", th.ConnectionSaturation},
	} {
		if r.value <= 0 || r.value > 1 {
			return fmt.Errorf("thresholds.%s must be in (0, 1], got %v", r.name, r.value)
		}
	}
	// InefficientRatio divides tuples-per-scan, so zero would yield +Inf impacts.
	if th.InefficientRatio <= 0 {
		return fmt.Errorf("thresholds.inefficient_ratio must be positive, got %v", th.InefficientRatio)
	}
	if th.PartitionRetention <= 0 {
		return fmt.Errorf("thresholds.partition_retention must be positive")
	}
	for _, c := range []struct {
		name     string
		value    int64
		positive bool
	}{
		{"frequent_calls", th.FrequentCalls, true},
		{"io_heavy_blocks", th.IOHeavyBlocks, true},
		{"partition_min_rows", th.PartitionMinRows, true},
		{"partition_min_bytes", th.PartitionMinBytes, true},
		{"hash_partition_bytes", th.HashPartitionBytes, true},
		{"partition_max_bytes", th.PartitionMaxBytes, true},
		{"seq_scan_min_rows", th.SeqScanMinRows, false},
		{"unused_scan_floor", th.UnusedScanFloor, false},
		{"unused_min_bytes", th.UnusedMinBytes, false},
		{"min_total_index_scans", th.MinTotalIndexScans, false},
	} {
		if c.positive && c.value <= 0 {
			return fmt.Errorf("thresholds.%s must be positive, got %d", c.name, c.value)
		}
		if c.value < 0 {
			return fmt.Errorf("thresholds.%s must not be negative, got %d", c.name, c.value)
		}
	}

	m := t.Maintenance
	if m.Interval <= 0 {
		return fmt.Errorf("maintenance.interval must be positive")
	}
	if m.Window.StartHour < 0 || m.Window.StartHour > 23 || m.Window.EndHour < 0 || m.Window.EndHour > 23 {
		return fmt.Errorf("maintenance.window hours must be within 0-23")
	}
	if _, err := m.Window.Window(); err != nil {
		return err
	}
	if m.MaxIndexesPerRun < 0 || m.MaxTablesPerRun < 0 {
		return fmt.Errorf("maintenance caps must not be negative")
	}

	switch t.Routing.Strategy {
	case StrategyRoundRobin, StrategyRandom, StrategyFixed, StrategyLowestLatency, StrategyLowestLoad:
	default:
		return fmt.Errorf("routing.strategy: invalid value %q (allowed: round_robin, random, fixed, lowest_latency, lowest_load)", t.Routing.Strategy)
	}
	if t.Routing.HealthCheckInterval <= 0 {
		return fmt.Errorf("routing.health_check_interval must be positive")
	}

	n := t.NPlusOne
	if n.MinGroupSize < 2 {
		return fmt.Errorf("nplusone.min_group_size must be at least 2")
	}
	if n.MaxGap <= 0 || n.StatsTTL <= 0 {
		return fmt.Errorf("nplusone.max_gap and nplusone.stats_ttl must be positive")
	}
	return nil
}

func validateRouting(r RoutingConfig, replicas int) error {
	if r.Strategy == StrategyFixed && (r.FixedIndex < 0 || r.FixedIndex >= replicas) {
		return fmt.Errorf("routing.fixed_index %d out of range for %d replicas", r.FixedIndex, replicas)
	}
	return nil
}
