package domain

import "time"

// Thresholds controls when statistics turn into findings.
type Thresholds struct {
	SlowQueryMS          float64       `yaml:"slow_query_ms"`
	FrequentCalls        int64         `yaml:"frequent_calls"`
	IOHeavyBlocks        int64         `yaml:"io_heavy_blocks"`
	QueryLimit           int           `yaml:"query_limit"`
	SeqScanMinRows       int64         `yaml:"seq_scan_min_rows"`
	UnusedScanFloor      int64         `yaml:"unused_scan_floor"`
	UnusedMinBytes       int64         `yaml:"unused_min_bytes"`
	MinTotalIndexScans   int64         `yaml:"min_total_index_scans"`
	InefficientRatio     float64       `yaml:"inefficient_ratio"`
	PartitionMinRows     int64         `yaml:"partition_min_rows"`
	PartitionMinBytes    int64         `yaml:"partition_min_bytes"`
	HashPartitionBytes   int64         `yaml:"hash_partition_bytes"`
	PartitionMaxBytes    int64         `yaml:"partition_max_bytes"`
	PartitionRetention   time.Duration `yaml:"partition_retention"`
	DeadTupleRatio       float64       `yaml:"dead_tuple_ratio"`
	AnalyzeChangeRatio   float64       `yaml:"analyze_change_ratio"`
	ConnectionSaturation float64       `yaml:"connection_saturation"`
}

// DefaultThresholds returns the values used when no tuning file overrides them.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowQueryMS:          500,
		FrequentCalls:        1000,
		IOHeavyBlocks:        10000,
		QueryLimit:           20,
		SeqScanMinRows:       10000,
		UnusedScanFloor:      100,
		UnusedMinBytes:       1 << 20,
		MinTotalIndexScans:   100,
		InefficientRatio:     1000,
		PartitionMinRows:     10_000_000,
		PartitionMinBytes:    10 << 30,
		HashPartitionBytes:   100 << 30,
		PartitionMaxBytes:    50 << 30,
		PartitionRetention:   365 * 24 * time.Hour,
		DeadTupleRatio:       0.2,
		AnalyzeChangeRatio:   0.1,
		ConnectionSaturation: 0.8,
	}
}
