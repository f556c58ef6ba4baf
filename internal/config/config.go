package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/domain"
)

type Config struct {
	// Database connections.
	DatabaseURL  string
	ReplicaURLs  []string
	QueryTimeout time.Duration

	// Schema filtering.
	Schemas    []string // empty means all non-system schemas
	TuningFile string   // optional path to tuning YAML

	// Logging.
	LogLevel slog.Level

	// Transport.
	Transport       string // "stdio" (default) or "http"
	HTTPAddr        string // listen address for HTTP transport (default ":8080")
	HTTPBearerToken string // required when transport=http

	// Write pool.
	PoolMaxConns        int32         // default: 10
	PoolMinConns        int32         // default: 1
	PoolMaxConnLifetime time.Duration // default: 30m
	PoolMaxConnIdleTime time.Duration // default: 5m

	// Replica pools, one per replica URL.
	ReplicaPoolMaxConns int32 // default: 10
	ReplicaPoolMinConns int32 // default: 1

	// Actions.
	AllowSchemaChanges bool // gates create_index, create_partitions, reset_statistics, run_maintenance

	// Host memory override for configuration advice; 0 means detect.
	SystemMemoryBytes uint64

	ReportCacheTTL time.Duration // default: 1m

	// Observability.
	OTelEnabled bool   // enable OpenTelemetry tracing and metrics
	AuditLog    string // path to NDJSON audit log file

	// Tuning holds thresholds, the maintenance window, routing and N+1
	// settings. Defaults apply unless TuningFile overrides them.
	Tuning *Tuning
}

// Overrides holds CLI flag values that override environment variables.
// Pointer fields distinguish "not set" from zero values.
type Overrides struct {
	DatabaseURL        *string
	ReplicaURLs        []string
	LogLevel           *string
	QueryTimeout       *time.Duration
	TuningFile         *string
	Transport          *string
	HTTPAddr           *string
	HTTPBearerToken    *string
	AllowSchemaChanges *bool
	OTelEnabled        bool
	AuditLog           string

	// Connection pool overrides.
	PoolMaxConns        *int32
	PoolMinConns        *int32
	PoolMaxConnLifetime *time.Duration
	ReplicaPoolMaxConns *int32
}

// Load builds a Config from environment variables, then applies CLI overrides,
// then validates the result. The tuning file is read last so its path can come
// from either source.
func Load(overrides Overrides) (*Config, error) {
	cfg := defaults()

	if err := loadEnvVars(cfg); err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, overrides); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if cfg.TuningFile != "" {
		t, err := LoadTuningFile(cfg.TuningFile)
		if err != nil {
			return nil, err
		}
		cfg.Tuning = t
	}
	if err := validateRouting(cfg.Tuning.Routing, len(cfg.ReplicaURLs)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaults returns a Config populated with default values.
func defaults() *Config {
	return &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		QueryTimeout:        30 * time.Second,
		Transport:           "stdio",
		HTTPAddr:            ":8080",
		PoolMaxConns:        10,
		PoolMinConns:        1,
		PoolMaxConnLifetime: 30 * time.Minute,
		PoolMaxConnIdleTime: 5 * time.Minute,
		ReplicaPoolMaxConns: 10,
		ReplicaPoolMinConns: 1,
		ReportCacheTTL:      time.Minute,
		Tuning:              DefaultTuning(),
	}
}

// loadEnvVars reads all supported environment variables into cfg.
func loadEnvVars(cfg *Config) error {
	cfg.ReplicaURLs = splitList(os.Getenv("REPLICA_URLS"))

	if v := os.Getenv("QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUERY_TIMEOUT value %q: %w", v, err)
		}
		cfg.QueryTimeout = d
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}

	cfg.Schemas = splitList(os.Getenv("SCHEMAS"))
	cfg.TuningFile = os.Getenv("TUNING_FILE")

	if v := os.Getenv("TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.HTTPBearerToken = os.Getenv("HTTP_BEARER_TOKEN")

	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OTEL_ENABLED value %q: %w", v, err)
		}
		cfg.OTelEnabled = b
	}

	if v := os.Getenv("ALLOW_SCHEMA_CHANGES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ALLOW_SCHEMA_CHANGES value %q: %w", v, err)
		}
		cfg.AllowSchemaChanges = b
	}

	cfg.AuditLog = os.Getenv("AUDIT_LOG")

	if v := os.Getenv("SYSTEM_MEMORY_BYTES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid SYSTEM_MEMORY_BYTES value %q: %w", v, err)
		}
		cfg.SystemMemoryBytes = n
	}

	if v := os.Getenv("REPORT_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid REPORT_CACHE_TTL value %q: %w", v, err)
		}
		cfg.ReportCacheTTL = d
	}

	return loadPoolEnvVars(cfg)
}

// loadPoolEnvVars reads connection pool environment variables.
func loadPoolEnvVars(cfg *Config) error {
	var err error
	if cfg.PoolMaxConns, err = envInt32("POOL_MAX_CONNS", cfg.PoolMaxConns, 1); err != nil {
		return err
	}
	if cfg.PoolMinConns, err = envInt32("POOL_MIN_CONNS", cfg.PoolMinConns, 0); err != nil {
		return err
	}
	if cfg.ReplicaPoolMaxConns, err = envInt32("REPLICA_POOL_MAX_CONNS", cfg.ReplicaPoolMaxConns, 1); err != nil {
		return err
	}
	if cfg.ReplicaPoolMinConns, err = envInt32("REPLICA_POOL_MIN_CONNS", cfg.ReplicaPoolMinConns, 0); err != nil {
		return err
	}
	if v := os.Getenv("POOL_MAX_CONN_LIFETIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POOL_MAX_CONN_LIFETIME value %q: %w", v, err)
		}
		cfg.PoolMaxConnLifetime = d
	}
	if v := os.Getenv("POOL_MAX_CONN_IDLE_TIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid POOL_MAX_CONN_IDLE_TIME value %q: %w", v, err)
		}
		cfg.PoolMaxConnIdleTime = d
	}
	return nil
}

func envInt32(name string, current int32, min int64) (int32, error) {
	v := os.Getenv(name)
	if v == "" {
		return current, nil
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s value %q: must be an integer >= %d", name, v, min)
	}
	return int32(n), nil
}

// applyOverrides applies CLI flag values on top of the env-loaded config.
func applyOverrides(cfg *Config, o Overrides) error {
	if o.DatabaseURL != nil {
		cfg.DatabaseURL = *o.DatabaseURL
	}
	if len(o.ReplicaURLs) > 0 {
		cfg.ReplicaURLs = o.ReplicaURLs
	}
	if o.LogLevel != nil {
		level, err := parseLogLevel(*o.LogLevel)
		if err != nil {
			return err
		}
		cfg.LogLevel = level
	}
	if o.QueryTimeout != nil {
		cfg.QueryTimeout = *o.QueryTimeout
	}
	if o.TuningFile != nil {
		cfg.TuningFile = *o.TuningFile
	}
	if o.Transport != nil {
		cfg.Transport = *o.Transport
	}
	if o.HTTPAddr != nil {
		cfg.HTTPAddr = *o.HTTPAddr
	}
	if o.HTTPBearerToken != nil {
		cfg.HTTPBearerToken = *o.HTTPBearerToken
	}
	if o.AllowSchemaChanges != nil {
		cfg.AllowSchemaChanges = *o.AllowSchemaChanges
	}

	if err := applyPoolOverrides(cfg, o); err != nil {
		return err
	}

	if o.AuditLog != "" {
		cfg.AuditLog = o.AuditLog
	}
	cfg.OTelEnabled = cfg.OTelEnabled || o.OTelEnabled

	return nil
}

// applyPoolOverrides applies connection pool CLI flag overrides.
func applyPoolOverrides(cfg *Config, o Overrides) error {
	if o.PoolMaxConns != nil {
		if *o.PoolMaxConns <= 0 {
			return fmt.Errorf("invalid --pool-max-conns value: must be a positive integer")
		}
		cfg.PoolMaxConns = *o.PoolMaxConns
	}
	if o.PoolMinConns != nil {
		if *o.PoolMinConns < 0 {
			return fmt.Errorf("invalid --pool-min-conns value: must be a non-negative integer")
		}
		cfg.PoolMinConns = *o.PoolMinConns
	}
	if o.PoolMaxConnLifetime != nil {
		cfg.PoolMaxConnLifetime = *o.PoolMaxConnLifetime
	}
	if o.ReplicaPoolMaxConns != nil {
		if *o.ReplicaPoolMaxConns <= 0 {
			return fmt.Errorf("invalid --replica-pool-max-conns value: must be a positive integer")
		}
		cfg.ReplicaPoolMaxConns = *o.ReplicaPoolMaxConns
	}
	return nil
}

// validate checks cross-field constraints on the final config.
func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (set via env var or --database-url flag)")
	}

	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive, got %s", cfg.QueryTimeout)
	}

	switch cfg.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid TRANSPORT value %q: must be \"stdio\" or \"http\"", cfg.Transport)
	}

	if cfg.Transport == "http" && cfg.HTTPBearerToken == "" {
		return fmt.Errorf("HTTP_BEARER_TOKEN is required when transport is \"http\" (set via env var or --http-bearer-token flag)")
	}

	if cfg.PoolMinConns > cfg.PoolMaxConns {
		return fmt.Errorf("POOL_MIN_CONNS (%d) must not exceed POOL_MAX_CONNS (%d)", cfg.PoolMinConns, cfg.PoolMaxConns)
	}
	if cfg.ReplicaPoolMinConns > cfg.ReplicaPoolMaxConns {
		return fmt.Errorf("REPLICA_POOL_MIN_CONNS (%d) must not exceed REPLICA_POOL_MAX_CONNS (%d)", cfg.ReplicaPoolMinConns, cfg.ReplicaPoolMaxConns)
	}

	for i, u := range cfg.ReplicaURLs {
		if u == cfg.DatabaseURL {
			return fmt.Errorf("REPLICA_URLS[%d] must not repeat DATABASE_URL", i)
		}
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL value %q: must be debug, info, warn, or error", s)
	}
}

// Thresholds is a shorthand for the tuning thresholds.
func (c *Config) Thresholds() domain.Thresholds {
	return c.Tuning.Thresholds
}
