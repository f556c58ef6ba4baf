package domain

import "strings"

// ReferencedTable guesses which table a *_id column points at by naming
// convention. tables is the set of table names in the same schema. It tries
// the plural form first, then the singular, then the "es" plural.
func ReferencedTable(column string, tables map[string]bool) (string, bool) {
	prefix, ok := strings.CutSuffix(strings.ToLower(column), "_id")
	if !ok || prefix == "" {
		return "", false
	}
	for _, name := range []string{prefix + "s", prefix, prefix + "es"} {
		if tables[name] {
			return name, true
		}
	}
	return "", false
}

// IsTimestampType reports whether a PostgreSQL type name holds a point in time.
func IsTimestampType(dataType string) bool {
	t := strings.ToLower(dataType)
	return strings.HasPrefix(t, "timestamp") || t == "date"
}

// IsIntegerType reports whether a PostgreSQL type name is an integer type.
func IsIntegerType(dataType string) bool {
	switch strings.ToLower(dataType) {
	case "integer", "bigint", "smallint", "int", "int2", "int4", "int8":
		return true
	}
	return false
}
