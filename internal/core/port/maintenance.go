package port

import "context"

// SchemaExecutor runs the statements that change the database.
type SchemaExecutor interface {
	// CreateIndexConcurrently builds an index outside a transaction and drops
	// the INVALID leftover if the build fails.
	CreateIndexConcurrently(ctx context.Context, stmt, schema, index string) error
	// ExecInTx runs stmts in one transaction. On failure it returns the index
	// of the failing statement and nothing is committed.
	ExecInTx(ctx context.Context, stmts []string) (int, error)
	Analyze(ctx context.Context, schema, table string) error
	Vacuum(ctx context.Context, schema, table string) error
	ResetStatistics(ctx context.Context) error
}
