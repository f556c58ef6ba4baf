package heuristics

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Predicate is a column a statement compares against a constant or parameter.
type Predicate struct {
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table"`
	Column   string `json:"column"`
	Operator string `json:"operator"`
}

var indexableOps = map[string]bool{"=": true, "<": true, ">": true, "<=": true, ">=": true}

// PredicateColumns extracts indexable predicates (equality and range
// comparisons, IN lists, BETWEEN) from the WHERE clause of a SELECT, UPDATE or
// DELETE. Qualified column references are resolved through FROM aliases; bare
// columns are attributed only when the statement reads a single table.
func PredicateColumns(sql string) []Predicate {
	tree, err := pg_query.Parse(strings.TrimSpace(sql))
	if err != nil || len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return nil
	}

	stmt := tree.Stmts[0].Stmt
	rels := map[string]*pg_query.RangeVar{}
	var where *pg_query.Node

	switch {
	case stmt.GetSelectStmt() != nil:
		sel := stmt.GetSelectStmt()
		for _, f := range sel.GetFromClause() {
			collectRelations(f, rels)
		}
		where = sel.GetWhereClause()
	case stmt.GetUpdateStmt() != nil:
		up := stmt.GetUpdateStmt()
		addRelation(up.GetRelation(), rels)
		for _, f := range up.GetFromClause() {
			collectRelations(f, rels)
		}
		where = up.GetWhereClause()
	case stmt.GetDeleteStmt() != nil:
		del := stmt.GetDeleteStmt()
		addRelation(del.GetRelation(), rels)
		where = del.GetWhereClause()
	default:
		return nil
	}

	var single *pg_query.RangeVar
	distinct := map[*pg_query.RangeVar]bool{}
	for _, rv := range rels {
		distinct[rv] = true
		single = rv
	}
	if len(distinct) != 1 {
		single = nil
	}

	var out []Predicate
	seen := map[string]bool{}
	walkPredicates(where, func(col *pg_query.ColumnRef, op string) {
		fields := columnFields(col)
		var rv *pg_query.RangeVar
		var name string
		switch len(fields) {
		case 1:
			rv, name = single, fields[0]
		case 2:
			rv, name = rels[fields[0]], fields[1]
		case 3:
			rv, name = rels[fields[1]], fields[2]
		}
		if rv == nil || name == "" {
			return
		}
		key := rv.GetSchemaname() + "." + rv.GetRelname() + "." + name + op
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Predicate{
			Schema:   rv.GetSchemaname(),
			Table:    rv.GetRelname(),
			Column:   name,
			Operator: op,
		})
	})
	return out
}

func addRelation(rv *pg_query.RangeVar, rels map[string]*pg_query.RangeVar) {
	if rv == nil {
		return
	}
	rels[rv.GetRelname()] = rv
	if a := rv.GetAlias().GetAliasname(); a != "" {
		rels[a] = rv
	}
}

func collectRelations(n *pg_query.Node, rels map[string]*pg_query.RangeVar) {
	if rv := n.GetRangeVar(); rv != nil {
		addRelation(rv, rels)
		return
	}
	if je := n.GetJoinExpr(); je != nil {
		collectRelations(je.GetLarg(), rels)
		collectRelations(je.GetRarg(), rels)
	}
}

func walkPredicates(n *pg_query.Node, visit func(*pg_query.ColumnRef, string)) {
	if n == nil {
		return
	}
	if be := n.GetBoolExpr(); be != nil {
		// Columns under OR or NOT are not reliably index-driven.
		if be.GetBoolop() != pg_query.BoolExprType_AND_EXPR {
			return
		}
		for _, arg := range be.GetArgs() {
			walkPredicates(arg, visit)
		}
		return
	}
	ae := n.GetAExpr()
	if ae == nil {
		return
	}
	col := ae.GetLexpr().GetColumnRef()
	if col == nil {
		return
	}
	switch ae.GetKind() {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		op := operatorName(ae)
		if indexableOps[op] && isValue(ae.GetRexpr()) {
			visit(col, op)
		}
	case pg_query.A_Expr_Kind_AEXPR_IN:
		visit(col, "IN")
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN:
		visit(col, "BETWEEN")
	}
}

func operatorName(ae *pg_query.A_Expr) string {
	names := ae.GetName()
	if len(names) == 0 {
		return ""
	}
	return names[len(names)-1].GetString_().GetSval()
}

func isValue(n *pg_query.Node) bool {
	if tc := n.GetTypeCast(); tc != nil {
		n = tc.GetArg()
	}
	return n.GetAConst() != nil || n.GetParamRef() != nil
}

func columnFields(cr *pg_query.ColumnRef) []string {
	var out []string
	for _, f := range cr.GetFields() {
		s := f.GetString_()
		if s == nil {
			return nil
		}
		out = append(out, s.GetSval())
	}
	return out
}

var (
	lookupFallback = regexp.MustCompile(`(?i)\bwhere\b.*?\b[\w."]+\s*=\s*(\?|\$\d+)`)
	inListFallback = regexp.MustCompile(`(?i)\bin\s*\(`)
)

// IsLookupByKey reports whether sql is a single-row style lookup: a SELECT
// whose WHERE clause compares some column for equality with one value and
// contains no IN list. Statements the parser rejects, such as already
// normalized text, are matched lexically.
func IsLookupByKey(sql string) bool {
	sel := parseSelect(sql)
	if sel == nil {
		s := strings.TrimSpace(sql)
		return strings.HasPrefix(strings.ToUpper(s), "SELECT") &&
			lookupFallback.MatchString(s) && !inListFallback.MatchString(s)
	}

	where := sel.GetWhereClause()
	if where == nil {
		return false
	}
	hasEq, hasIn := false, false
	var walk func(*pg_query.Node)
	walk = func(n *pg_query.Node) {
		if be := n.GetBoolExpr(); be != nil {
			for _, arg := range be.GetArgs() {
				walk(arg)
			}
			return
		}
		ae := n.GetAExpr()
		if ae == nil {
			return
		}
		switch ae.GetKind() {
		case pg_query.A_Expr_Kind_AEXPR_IN:
			hasIn = true
		case pg_query.A_Expr_Kind_AEXPR_OP:
			if operatorName(ae) == "=" && ae.GetLexpr().GetColumnRef() != nil && isValue(ae.GetRexpr()) {
				hasEq = true
			}
			// = ANY($1) is the array form of IN.
		case pg_query.A_Expr_Kind_AEXPR_OP_ANY:
			hasIn = true
		}
	}
	walk(where)
	return hasEq && !hasIn
}
