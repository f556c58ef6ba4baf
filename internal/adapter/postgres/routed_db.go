package postgres

import (
	"context"
	"time"

	"github.com/guillermoBallester/pgtuner/internal/core/port"
	"github.com/guillermoBallester/pgtuner/internal/nplusone"
	"github.com/guillermoBallester/pgtuner/internal/routing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RoutedDB is the data-access layer business code issues SQL through. Each
// call goes to the pool chosen by the routing decision in ctx (the primary
// when there is none) and is recorded in the request's N+1 tracking context.
type RoutedDB struct {
	router *routing.Router
	inst   port.Instrumentation
}

func NewRoutedDB(router *routing.Router, inst port.Instrumentation) *RoutedDB {
	if inst == nil {
		inst = port.NoopInstrumentation{}
	}
	return &RoutedDB{router: router, inst: inst}
}

func (r *RoutedDB) observe(ctx context.Context, sql string, args []any, start time.Time, err error) {
	dur := time.Since(start)
	nplusone.RecordQuery(ctx, sql, args, dur)
	r.inst.RecordStatement(ctx, float64(dur.Microseconds())/1000, err != nil)
}

func (r *RoutedDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db, _ := r.router.DB(ctx)
	start := time.Now()
	tag, err := db.Exec(ctx, sql, args...)
	r.observe(ctx, sql, args, start, err)
	return tag, err
}

func (r *RoutedDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db, _ := r.router.DB(ctx)
	start := time.Now()
	rows, err := db.Query(ctx, sql, args...)
	r.observe(ctx, sql, args, start, err)
	return rows, err
}

func (r *RoutedDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	db, _ := r.router.DB(ctx)
	start := time.Now()
	row := db.QueryRow(ctx, sql, args...)
	r.observe(ctx, sql, args, start, nil)
	return row
}

// Begin starts a transaction on the routed pool. Statements inside the
// transaction are not tracked individually.
func (r *RoutedDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db, _ := r.router.DB(ctx)
	return db.Begin(ctx)
}

var _ port.DB = (*RoutedDB)(nil)
