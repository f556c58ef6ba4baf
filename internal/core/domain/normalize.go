package domain

import (
	"regexp"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

var (
	// literalPattern matches, left to right, quoted identifiers (kept as is),
	// string literals, bind parameters and numbers.
	literalPattern    = regexp.MustCompile(`"(?:[^"]|"")*"|'(?:[^']|'')*'|\$\d+|\b\d+(?:\.\d+)?\b`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeSQL replaces every literal and bind parameter with "?" and
// collapses whitespace, so statements that differ only in their values map
// to the same text. It uses PostgreSQL's own normalizer when the statement
// parses and a lexical fallback otherwise. NormalizeSQL(NormalizeSQL(s)) ==
// NormalizeSQL(s).
func NormalizeSQL(sql string) string {
	out := strings.TrimSpace(sql)
	if out == "" {
		return ""
	}
	if n, err := pg_query.Normalize(out); err == nil {
		out = n
	}

	out = literalPattern.ReplaceAllStringFunc(out, func(tok string) string {
		if tok[0] == '"' {
			return tok
		}
		return "?"
	})
	out = whitespacePattern.ReplaceAllString(out, " ")
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(out), ";"))
}
