package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/port"
)

// SchemaExecutor runs schema-changing and maintenance statements against the
// primary. Every statement passes the validator before it reaches the server.
type SchemaExecutor struct {
	db           port.DB
	validator    port.StatementValidator
	instruments  port.Instrumentation
	queryTimeout time.Duration
	logger       *slog.Logger
}

func NewSchemaExecutor(db port.DB, validator port.StatementValidator, instruments port.Instrumentation, queryTimeout time.Duration, logger *slog.Logger) *SchemaExecutor {
	if instruments == nil {
		instruments = port.NoopInstrumentation{}
	}
	return &SchemaExecutor{
		db:           db,
		validator:    validator,
		instruments:  instruments,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// exec runs a single statement with the simple protocol. CREATE INDEX
// CONCURRENTLY and VACUUM cannot run inside the implicit transaction of the
// extended protocol, so no arguments are ever passed.
func (e *SchemaExecutor) exec(ctx context.Context, stmt string) error {
	if err := e.validator.Validate(stmt); err != nil {
		return err
	}

	start := time.Now()
	_, err := e.db.Exec(ctx, stmt)
	e.instruments.RecordStatement(ctx, float64(time.Since(start).Milliseconds()), err != nil)
	if err != nil {
		return fmt.Errorf("executing %q: %w", stmt, err)
	}
	return nil
}

// CreateIndexConcurrently builds an index without blocking writes. When the
// build fails PostgreSQL leaves an INVALID index behind; it is dropped before
// the error is returned.
func (e *SchemaExecutor) CreateIndexConcurrently(ctx context.Context, stmt, schema, index string) error {
	buildErr := e.exec(ctx, stmt)
	if buildErr == nil {
		return nil
	}

	// The caller's context may be the reason the build failed.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.queryTimeout)
	defer cancel()

	var invalid bool
	err := e.db.QueryRow(cleanupCtx, queryInvalidIndex, schema, index).Scan(&invalid)
	switch {
	case isNoRows(err):
		return buildErr
	case err != nil:
		e.logger.WarnContext(ctx, "could not check for invalid index after failed build",
			slog.String("index", schema+"."+index),
			slog.String("error.message", err.Error()),
		)
		return buildErr
	case !invalid:
		return buildErr
	}

	drop := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s.%s", quoteIdent(schema), quoteIdent(index))
	if err := e.exec(cleanupCtx, drop); err != nil {
		e.logger.ErrorContext(ctx, "failed to drop invalid index",
			slog.String("index", schema+"."+index),
			slog.String("error.message", err.Error()),
		)
	}
	return buildErr
}

// ExecInTx runs stmts in a single transaction. On failure the transaction is
// rolled back and the index of the failing statement is returned.
func (e *SchemaExecutor) ExecInTx(ctx context.Context, stmts []string) (int, error) {
	for i, stmt := range stmts {
		if err := e.validator.Validate(stmt); err != nil {
			return i, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return -1, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	timeoutMS := e.queryTimeout.Milliseconds()
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = '%d'", timeoutMS)); err != nil {
		return -1, fmt.Errorf("setting statement timeout: %w", err)
	}

	for i, stmt := range stmts {
		start := time.Now()
		_, err := tx.Exec(ctx, stmt)
		e.instruments.RecordStatement(ctx, float64(time.Since(start).Milliseconds()), err != nil)
		if err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return len(stmts) - 1, fmt.Errorf("committing transaction: %w", err)
	}
	return -1, nil
}

// Analyze refreshes planner statistics for one table.
func (e *SchemaExecutor) Analyze(ctx context.Context, schema, table string) error {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	return e.exec(ctx, fmt.Sprintf("ANALYZE %s.%s", quoteIdent(schema), quoteIdent(table)))
}

// Vacuum reclaims dead tuples and refreshes statistics for one table.
func (e *SchemaExecutor) Vacuum(ctx context.Context, schema, table string) error {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	return e.exec(ctx, fmt.Sprintf("VACUUM (ANALYZE) %s.%s", quoteIdent(schema), quoteIdent(table)))
}

// ResetStatistics clears pg_stat_statements and the cumulative table and
// index counters of the current database.
func (e *SchemaExecutor) ResetStatistics(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	for _, q := range []string{"SELECT pg_stat_statements_reset()", "SELECT pg_stat_reset()"} {
		if _, err := e.db.Exec(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", q, err)
		}
	}
	return nil
}

var _ port.SchemaExecutor = (*SchemaExecutor)(nil)
