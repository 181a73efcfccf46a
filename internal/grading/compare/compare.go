// Package compare implements the output comparison semantics used to decide
// whether a test case's actual output matches its expected output.
package compare

import (
	"strings"

	appErr "gradewell/pkg/errors"
)

// Mode selects the normalization applied before comparison.
type Mode string

const (
	// ModeExact compares after line-ending normalization only.
	ModeExact Mode = "exact"
	// ModeTrim strips trailing whitespace from the whole string. Default.
	ModeTrim Mode = "trim"
	// ModeIgnoreWhitespace collapses all whitespace runs to single spaces.
	ModeIgnoreWhitespace Mode = "ignore_whitespace"
	// ModeIgnoreCase trims trailing whitespace, then case-folds.
	ModeIgnoreCase Mode = "ignore_case"
)

// ParseMode validates a configured mode string. Unknown modes are rejected
// here, at configuration time, never during comparison.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeExact, ModeTrim, ModeIgnoreWhitespace, ModeIgnoreCase:
		return Mode(raw), nil
	case "":
		return ModeTrim, nil
	default:
		return "", appErr.Newf(appErr.InvalidParams, "unknown comparison mode %q", raw)
	}
}

// Compare reports whether actual matches expected under the given mode.
// Pure function, no I/O.
func Compare(actual, expected string, mode Mode) bool {
	return normalize(actual, mode) == normalize(expected, mode)
}

func normalize(s string, mode Mode) string {
	// Line endings first, always: CRLF and bare CR both become LF.
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	switch mode {
	case ModeExact:
		return s
	case ModeIgnoreWhitespace:
		return strings.Join(strings.Fields(s), " ")
	case ModeIgnoreCase:
		return strings.ToLower(strings.TrimRight(s, " \t\n"))
	default: // ModeTrim
		return strings.TrimRight(s, " \t\n")
	}
}
