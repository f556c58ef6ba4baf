package postgres

// SQL queries for statistics analysis. Queries containing %s accept a schema
// filter clause built by schemaFilter().

// queryStatementStats reads pg_stat_statements for the current database. The
// percentage is computed over all statements before the bucket filter is
// applied. First %s: bucket filter, second %s: ORDER BY expression.
const queryStatementStats = `
	SELECT COALESCE(queryid, 0), COALESCE(query, ''), calls,
		total_exec_time, mean_exec_time, min_exec_time, max_exec_time, stddev_exec_time,
		rows, shared_blks_hit, shared_blks_read, shared_blks_written, temp_blks_written,
		CASE WHEN shared_blks_hit + shared_blks_read = 0 THEN 1.0
			ELSE shared_blks_hit::float8 / (shared_blks_hit + shared_blks_read) END,
		COALESCE(pct, 0)
	FROM (
		SELECT s.*,
			100.0 * s.total_exec_time / NULLIF(sum(s.total_exec_time) OVER (), 0) AS pct
		FROM pg_stat_statements s
		WHERE s.dbid = (SELECT oid FROM pg_database WHERE datname = current_database())
			AND s.query NOT ILIKE '%%pg_stat_statements%%'
	) q
	WHERE %s
	ORDER BY %s
	LIMIT $1`

const queryTableStats = `
	SELECT s.schemaname, s.relname,
		COALESCE(s.seq_scan, 0), COALESCE(s.seq_tup_read, 0),
		COALESCE(s.idx_scan, 0), COALESCE(s.idx_tup_fetch, 0),
		s.n_tup_ins, s.n_tup_upd, s.n_tup_del, s.n_tup_hot_upd,
		s.n_live_tup, s.n_dead_tup, s.n_mod_since_analyze,
		s.last_vacuum, s.last_autovacuum, s.last_analyze, s.last_autoanalyze,
		pg_total_relation_size(s.relid),
		c.relkind = 'p', c.relispartition
	FROM pg_stat_user_tables s
	JOIN pg_class c ON c.oid = s.relid
	WHERE %s
	ORDER BY s.schemaname, s.relname`

const queryIndexStats = `
	SELECT s.schemaname, s.relname, s.indexrelname,
		s.idx_scan, s.idx_tup_read, s.idx_tup_fetch,
		pg_relation_size(s.indexrelid),
		i.indisunique, i.indisprimary, i.indisvalid,
		ARRAY(
			SELECT a.attname::text
			FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
			JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
			ORDER BY k.ord
		),
		COALESCE(pg_get_expr(i.indpred, i.indrelid), ''),
		pg_get_indexdef(s.indexrelid)
	FROM pg_stat_user_indexes s
	JOIN pg_index i ON i.indexrelid = s.indexrelid
	WHERE %s
	ORDER BY s.schemaname, s.relname, s.indexrelname`

const queryColumnStats = `
	SELECT n.nspname, c.relname, a.attname,
		format_type(a.atttypid, a.atttypmod),
		COALESCE(st.n_distinct, 0)::float8, COALESCE(st.null_frac, 0)::float8,
		GREATEST(c.reltuples, 0)::bigint
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	LEFT JOIN pg_stats st
		ON st.schemaname = n.nspname AND st.tablename = c.relname AND st.attname = a.attname
	WHERE c.relkind IN ('r', 'p') AND a.attnum > 0 AND NOT a.attisdropped AND %s
	ORDER BY n.nspname, c.relname, a.attnum`

const queryConnectionStats = `
	SELECT count(*),
		count(*) FILTER (WHERE state = 'active'),
		count(*) FILTER (WHERE state = 'idle'),
		count(*) FILTER (WHERE state LIKE 'idle in transaction%'),
		count(*) FILTER (WHERE wait_event_type = 'Lock'),
		current_setting('max_connections')::int
	FROM pg_stat_activity
	WHERE backend_type = 'client backend'`

const queryLockWaits = `
	SELECT blocked.pid, COALESCE(blocked.query, ''),
		blocking.pid, COALESCE(blocking.query, ''),
		bl.locktype, COALESCE(bl.relation::regclass::text, ''),
		COALESCE(EXTRACT(EPOCH FROM now() - blocked.query_start), 0)::float8
	FROM pg_locks bl
	JOIN pg_stat_activity blocked ON blocked.pid = bl.pid
	JOIN LATERAL unnest(pg_blocking_pids(bl.pid)) AS bp(pid) ON true
	JOIN pg_stat_activity blocking ON blocking.pid = bp.pid
	WHERE NOT bl.granted
	ORDER BY 7 DESC
	LIMIT 50`

const queryDiskUsage = `
	SELECT n.nspname, c.relname,
		pg_relation_size(c.oid),
		pg_indexes_size(c.oid),
		COALESCE(pg_total_relation_size(c.reltoastrelid), 0),
		pg_total_relation_size(c.oid)
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind IN ('r', 'm') AND %s
	ORDER BY pg_total_relation_size(c.oid) DESC
	LIMIT 100`

const queryDatabaseStats = `
	SELECT datname, pg_database_size(datid),
		xact_commit, xact_rollback, blks_read, blks_hit,
		temp_files, temp_bytes, deadlocks,
		CASE WHEN blks_hit + blks_read = 0 THEN 1.0
			ELSE blks_hit::float8 / (blks_hit + blks_read) END
	FROM pg_stat_database
	WHERE datname = current_database()`

const querySettings = `
	SELECT name, setting, COALESCE(unit, ''), context
	FROM pg_settings
	WHERE name = ANY($1)`

const queryPartitions = `
	SELECT pn.nspname, p.relname, cn.nspname, c.relname,
		COALESCE(pg_get_expr(c.relpartbound, c.oid), ''),
		CASE pt.partstrat WHEN 'r' THEN 'range' WHEN 'l' THEN 'list' WHEN 'h' THEN 'hash' ELSE '' END,
		pg_total_relation_size(c.oid),
		COALESCE(s.n_live_tup, 0)
	FROM pg_inherits inh
	JOIN pg_class c ON c.oid = inh.inhrelid
	JOIN pg_namespace cn ON cn.oid = c.relnamespace
	JOIN pg_class p ON p.oid = inh.inhparent
	JOIN pg_namespace pn ON pn.oid = p.relnamespace
	JOIN pg_partitioned_table pt ON pt.partrelid = p.oid
	LEFT JOIN pg_stat_user_tables s ON s.relid = c.oid
	WHERE %s
	ORDER BY pn.nspname, p.relname, c.relname`

// queryInvalidIndex checks whether a failed concurrent build left an INVALID index.
const queryInvalidIndex = `
	SELECT NOT i.indisvalid
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indexrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE n.nspname = $1 AND c.relname = $2`
