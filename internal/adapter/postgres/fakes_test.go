package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDB records statements. Exec fails for statements containing a key of
// failOn.
type fakeDB struct {
	name   string
	mu     sync.Mutex
	execs  []string
	failOn map[string]error
	row    fakeRow
	tx     *fakeTx
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	for substr, err := range f.failOn {
		if strings.Contains(sql, substr) {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("OK"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, "query")
	return nil, errors.New("relation does not exist")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return f.row
}

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if f.tx == nil {
		return nil, errors.New("no transaction configured")
	}
	return f.tx, nil
}

func (f *fakeDB) Ping(context.Context) error { return nil }

func (f *fakeDB) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execs...)
}

// fakeRow scans a single bool.
type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if b, ok := dest[0].(*bool); ok {
		*b = r.value
	}
	return nil
}

// fakeTx fails the statement at failAt (0-based, SET LOCAL excluded).
type fakeTx struct {
	pgx.Tx
	failAt     int
	stmts      []string
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if strings.HasPrefix(sql, "SET LOCAL") {
		return pgconn.NewCommandTag("SET"), nil
	}
	if len(t.stmts) == t.failAt {
		t.stmts = append(t.stmts, sql)
		return pgconn.CommandTag{}, errors.New(`relation "events_2026_07" already exists`)
	}
	t.stmts = append(t.stmts, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}
