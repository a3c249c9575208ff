package executor

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// shQuote renders s as a single POSIX shell word safe to splice into a
// generated script body. Falls back to a manual single-quote escape for the
// handful of strings syntax.Quote refuses (e.g. embedded NUL bytes), which
// none of our inputs (validated filenames, numeric limits) can contain in
// practice.
func shQuote(s string) string {
	if q, err := syntax.Quote(s, syntax.LangBash); err == nil {
		return q
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
