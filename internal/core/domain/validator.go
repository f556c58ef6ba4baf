package domain

import (
	"errors"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	ErrEmptyStatement        = errors.New("empty statement")
	ErrNotAllowed            = errors.New("statement type is not allowed for maintenance")
	ErrMultiStatement        = errors.New("multiple statements are not allowed")
	ErrParseFailed           = errors.New("failed to parse SQL")
	ErrNotFound              = errors.New("not found")
	ErrStatisticsUnavailable = errors.New("statistics unavailable")
)

// DDLValidator checks maintenance statements with PostgreSQL's parser before
// they are sent to the server. Only index, partition, statistics and vacuum
// statements pass (whitelist approach).
type DDLValidator struct{}

func NewDDLValidator() *DDLValidator {
	return &DDLValidator{}
}

// Validate parses sql and rejects anything that isn't a single allowed statement.
func (v *DDLValidator) Validate(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return ErrEmptyStatement
	}

	tree, err := pg_query.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrParseFailed, err)
	}

	if len(tree.Stmts) == 0 {
		return ErrEmptyStatement
	}

	if len(tree.Stmts) > 1 {
		return ErrMultiStatement
	}

	stmt := tree.Stmts[0].Stmt
	if stmt == nil {
		return ErrEmptyStatement
	}

	switch n := stmt.Node.(type) {
	case *pg_query.Node_IndexStmt:
		return nil
	case *pg_query.Node_CreateStmt:
		return nil
	case *pg_query.Node_VacuumStmt:
		return nil
	case *pg_query.Node_ReindexStmt:
		return nil
	case *pg_query.Node_DropStmt:
		// Only index drops: leftover INVALID indexes and unused ones.
		if n.DropStmt.GetRemoveType() == pg_query.ObjectType_OBJECT_INDEX {
			return nil
		}
		return ErrNotAllowed
	default:
		return ErrNotAllowed
	}
}
