// Package heuristics inspects SQL text with PostgreSQL's parser and reports
// common anti-patterns and the columns a statement filters on. Every function
// fails open: statements that do not parse yield no findings.
package heuristics

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Hint codes.
const (
	SelectStarNoLimit = "SELECT_STAR_NO_LIMIT"
	LeadingWildcard   = "LEADING_WILDCARD"
	OrChain           = "OR_CHAIN"
	FunctionOnColumn  = "FUNCTION_ON_COLUMN"
	UnboundedOrderBy  = "UNBOUNDED_ORDER_BY"
)

// orChainMin is the number of OR terms that turns into a hint.
const orChainMin = 3

// Hint is one anti-pattern found in a statement.
type Hint struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var hintMessages = map[string]string{
	SelectStarNoLimit: "SELECT * without LIMIT reads every column of every matching row; list the columns and bound the result",
	LeadingWildcard:   "LIKE/ILIKE pattern starts with a wildcard and cannot use a btree index; consider a trigram index or full-text search",
	OrChain:           "long OR chain in WHERE defeats index usage; rewrite as IN (...) or UNION ALL",
	FunctionOnColumn:  "function applied to a column in WHERE prevents index usage; index the expression or move the function to the constant side",
	UnboundedOrderBy:  "ORDER BY without LIMIT sorts the full result set; add LIMIT or keyset pagination",
}

// Analyze returns the hints that apply to sql, each code at most once.
func Analyze(sql string) []Hint {
	sel := parseSelect(sql)
	if sel == nil {
		return nil
	}

	found := map[string]bool{}
	inspectSelect(sel, found)

	var hints []Hint
	for _, code := range []string{SelectStarNoLimit, LeadingWildcard, OrChain, FunctionOnColumn, UnboundedOrderBy} {
		if found[code] {
			hints = append(hints, Hint{Code: code, Message: hintMessages[code]})
		}
	}
	return hints
}

// Codes is a convenience wrapper returning only the hint codes.
func Codes(hints []Hint) []string {
	out := make([]string, len(hints))
	for i, h := range hints {
		out[i] = h.Code
	}
	return out
}

func parseSelect(sql string) *pg_query.SelectStmt {
	tree, err := pg_query.Parse(strings.TrimSpace(sql))
	if err != nil || len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return nil
	}
	return tree.Stmts[0].Stmt.GetSelectStmt()
}

func inspectSelect(sel *pg_query.SelectStmt, found map[string]bool) {
	// UNION/INTERSECT: inspect both arms.
	if sel.GetLarg() != nil || sel.GetRarg() != nil {
		if sel.GetLarg() != nil {
			inspectSelect(sel.GetLarg(), found)
		}
		if sel.GetRarg() != nil {
			inspectSelect(sel.GetRarg(), found)
		}
		return
	}

	limited := sel.GetLimitCount() != nil
	if !limited && hasStarTarget(sel.GetTargetList()) {
		found[SelectStarNoLimit] = true
	}
	if !limited && len(sel.GetSortClause()) > 0 {
		found[UnboundedOrderBy] = true
	}
	if where := sel.GetWhereClause(); where != nil {
		inspectWhere(where, found)
	}
}

func hasStarTarget(targets []*pg_query.Node) bool {
	for _, t := range targets {
		cr := t.GetResTarget().GetVal().GetColumnRef()
		if cr == nil {
			continue
		}
		for _, f := range cr.GetFields() {
			if f.GetAStar() != nil {
				return true
			}
		}
	}
	return false
}

func inspectWhere(n *pg_query.Node, found map[string]bool) {
	if n == nil {
		return
	}
	if be := n.GetBoolExpr(); be != nil {
		if be.GetBoolop() == pg_query.BoolExprType_OR_EXPR && countOrTerms(n) >= orChainMin {
			found[OrChain] = true
		}
		for _, arg := range be.GetArgs() {
			inspectWhere(arg, found)
		}
		return
	}
	if ae := n.GetAExpr(); ae != nil {
		switch ae.GetKind() {
		case pg_query.A_Expr_Kind_AEXPR_LIKE, pg_query.A_Expr_Kind_AEXPR_ILIKE:
			if p, ok := stringConst(ae.GetRexpr()); ok && (strings.HasPrefix(p, "%") || strings.HasPrefix(p, "_")) {
				found[LeadingWildcard] = true
			}
		}
		if isFuncOnColumn(ae.GetLexpr()) || isFuncOnColumn(ae.GetRexpr()) {
			found[FunctionOnColumn] = true
		}
		return
	}
	if nt := n.GetNullTest(); nt != nil && isFuncOnColumn(nt.GetArg()) {
		found[FunctionOnColumn] = true
	}
}

// countOrTerms flattens nested ORs: (a OR b) OR c has three terms.
func countOrTerms(n *pg_query.Node) int {
	be := n.GetBoolExpr()
	if be == nil || be.GetBoolop() != pg_query.BoolExprType_OR_EXPR {
		return 1
	}
	total := 0
	for _, arg := range be.GetArgs() {
		total += countOrTerms(arg)
	}
	return total
}

func isFuncOnColumn(n *pg_query.Node) bool {
	if tc := n.GetTypeCast(); tc != nil {
		return isFuncOnColumn(tc.GetArg())
	}
	fc := n.GetFuncCall()
	if fc == nil {
		return false
	}
	for _, arg := range fc.GetArgs() {
		if arg.GetColumnRef() != nil || isFuncOnColumn(arg) {
			return true
		}
	}
	return false
}

func stringConst(n *pg_query.Node) (string, bool) {
	if tc := n.GetTypeCast(); tc != nil {
		n = tc.GetArg()
	}
	c := n.GetAConst()
	if c == nil || c.GetSval() == nil {
		return "", false
	}
	return c.GetSval().GetSval(), true
}
