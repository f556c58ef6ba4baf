package main

import (
	"time"

	"github.com/guillermoBallester/pgtuner/internal/config"
	"github.com/spf13/pflag"
)

// flagValues holds the raw flag targets. overrides converts the ones the
// user set into config.Overrides.
type flagValues struct {
	databaseURL        string
	replicaURLs        []string
	logLevel           string
	queryTimeout       time.Duration
	tuningFile         string
	transport          string
	httpAddr           string
	httpBearerToken    string
	allowSchemaChanges bool
	otel               bool
	auditLog           string

	poolMaxConns        int32
	poolMinConns        int32
	poolMaxConnLifetime time.Duration
	replicaPoolMaxConns int32
}

func bindFlags(fs *pflag.FlagSet) *flagValues {
	v := &flagValues{}
	fs.StringVar(&v.databaseURL, "database-url", "", "primary PostgreSQL connection string (env: DATABASE_URL)")
	fs.StringSliceVar(&v.replicaURLs, "replica-url", nil, "read replica connection string, repeatable (env: REPLICA_URLS)")
	fs.StringVar(&v.logLevel, "log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	fs.DurationVar(&v.queryTimeout, "query-timeout", 0, "timeout for statistics queries and DDL (env: QUERY_TIMEOUT)")
	fs.StringVar(&v.tuningFile, "tuning-file", "", "YAML file with thresholds, maintenance, routing and N+1 settings (env: TUNING_FILE)")
	fs.StringVar(&v.transport, "transport", "", "stdio or http (env: TRANSPORT)")
	fs.StringVar(&v.httpAddr, "http-addr", "", "listen address for the http transport (env: HTTP_ADDR)")
	fs.StringVar(&v.httpBearerToken, "http-bearer-token", "", "token required on /mcp and /api (env: HTTP_BEARER_TOKEN)")
	fs.BoolVar(&v.allowSchemaChanges, "allow-schema-changes", false, "enable index, partition, maintenance and reset actions (env: ALLOW_SCHEMA_CHANGES)")
	fs.BoolVar(&v.otel, "otel", false, "export traces and metrics over OTLP (env: OTEL_ENABLED)")
	fs.StringVar(&v.auditLog, "audit-log", "", "NDJSON audit log path (env: AUDIT_LOG)")
	fs.Int32Var(&v.poolMaxConns, "pool-max-conns", 0, "primary pool size (env: POOL_MAX_CONNS)")
	fs.Int32Var(&v.poolMinConns, "pool-min-conns", 0, "primary pool idle minimum (env: POOL_MIN_CONNS)")
	fs.DurationVar(&v.poolMaxConnLifetime, "pool-max-conn-lifetime", 0, "primary connection lifetime (env: POOL_MAX_CONN_LIFETIME)")
	fs.Int32Var(&v.replicaPoolMaxConns, "replica-pool-max-conns", 0, "size of each replica pool (env: REPLICA_POOL_MAX_CONNS)")
	return v
}

func (v *flagValues) overrides(fs *pflag.FlagSet) config.Overrides {
	o := config.Overrides{
		ReplicaURLs: v.replicaURLs,
		OTelEnabled: v.otel,
		AuditLog:    v.auditLog,
	}
	set := func(name string) bool { return fs.Changed(name) }

	if set("database-url") {
		o.DatabaseURL = &v.databaseURL
	}
	if set("log-level") {
		o.LogLevel = &v.logLevel
	}
	if set("query-timeout") {
		o.QueryTimeout = &v.queryTimeout
	}
	if set("tuning-file") {
		o.TuningFile = &v.tuningFile
	}
	if set("transport") {
		o.Transport = &v.transport
	}
	if set("http-addr") {
		o.HTTPAddr = &v.httpAddr
	}
	if set("http-bearer-token") {
		o.HTTPBearerToken = &v.httpBearerToken
	}
	if set("allow-schema-changes") {
		o.AllowSchemaChanges = &v.allowSchemaChanges
	}
	if set("pool-max-conns") {
		o.PoolMaxConns = &v.poolMaxConns
	}
	if set("pool-min-conns") {
		o.PoolMinConns = &v.poolMinConns
	}
	if set("pool-max-conn-lifetime") {
		o.PoolMaxConnLifetime = &v.poolMaxConnLifetime
	}
	if set("replica-pool-max-conns") {
		o.ReplicaPoolMaxConns = &v.replicaPoolMaxConns
	}
	return o
}

// parseFlags parses args on a fresh flag set.
func parseFlags(args []string) (config.Overrides, error) {
	fs := pflag.NewFlagSet("pgtuner", pflag.ContinueOnError)
	v := bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Overrides{}, err
	}
	return v.overrides(fs), nil
}
