package advisor

import (
	"strings"
	"unicode/utf8"
)

// maxIdentBytes is PostgreSQL's NAMEDATALEN-1; longer names are silently cut.
const maxIdentBytes = 63

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func qualified(schema, name string) string {
	return schema + "." + name
}

func megabytes(b int64) float64 {
	return float64(b) / (1 << 20)
}

// truncateIdent cuts name to at most n bytes without splitting a rune.
func truncateIdent(name string, n int) string {
	if len(name) <= n {
		return name
	}
	name = name[:n]
	for len(name) > 0 && !utf8.ValidString(name) {
		name = name[:len(name)-1]
	}
	return name
}

// derivedName builds <base>_<suffix>, shortening base so the suffix always
// survives the identifier limit.
func derivedName(base, suffix string) string {
	return truncateIdent(base, maxIdentBytes-len(suffix)-1) + "_" + suffix
}
