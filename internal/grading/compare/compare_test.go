package compare_test

import (
	"testing"

	"gradewell/internal/grading/compare"
)

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    compare.Mode
		wantErr bool
	}{
		{name: "exact", raw: "exact", want: compare.ModeExact},
		{name: "trim", raw: "trim", want: compare.ModeTrim},
		{name: "ignore-whitespace", raw: "ignore_whitespace", want: compare.ModeIgnoreWhitespace},
		{name: "ignore-case", raw: "ignore_case", want: compare.ModeIgnoreCase},
		{name: "empty-defaults-to-trim", raw: "", want: compare.ModeTrim},
		{name: "unknown", raw: "fuzzy", wantErr: true},
		{name: "wrong-case", raw: "Exact", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := compare.ParseMode(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got mode %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		actual   string
		expected string
		mode     compare.Mode
		want     bool
	}{
		{name: "exact-match", actual: "hello\n", expected: "hello\n", mode: compare.ModeExact, want: true},
		{name: "exact-trailing-newline-differs", actual: "hello", expected: "hello\n", mode: compare.ModeExact, want: false},
		{name: "exact-crlf-normalized", actual: "a\r\nb\r\n", expected: "a\nb\n", mode: compare.ModeExact, want: true},
		{name: "exact-bare-cr-normalized", actual: "a\rb", expected: "a\nb", mode: compare.ModeExact, want: true},
		{name: "exact-interior-space-differs", actual: "a  b", expected: "a b", mode: compare.ModeExact, want: false},

		{name: "trim-trailing-newlines", actual: "42\n\n", expected: "42", mode: compare.ModeTrim, want: true},
		{name: "trim-trailing-spaces-and-tabs", actual: "42 \t \n", expected: "42", mode: compare.ModeTrim, want: true},
		{name: "trim-keeps-leading-space", actual: " 42", expected: "42", mode: compare.ModeTrim, want: false},
		{name: "trim-keeps-interior-whitespace", actual: "a b", expected: "a  b", mode: compare.ModeTrim, want: false},
		{name: "trim-crlf", actual: "line1\r\nline2\r\n", expected: "line1\nline2", mode: compare.ModeTrim, want: true},

		{name: "ws-collapses-runs", actual: "a \t b\n\nc", expected: "a b c", mode: compare.ModeIgnoreWhitespace, want: true},
		{name: "ws-leading-and-trailing", actual: "  a b  ", expected: "a b", mode: compare.ModeIgnoreWhitespace, want: true},
		{name: "ws-case-still-matters", actual: "A b", expected: "a b", mode: compare.ModeIgnoreWhitespace, want: false},
		{name: "ws-token-split-differs", actual: "ab", expected: "a b", mode: compare.ModeIgnoreWhitespace, want: false},

		{name: "case-folded", actual: "Hello World\n", expected: "hello world", mode: compare.ModeIgnoreCase, want: true},
		{name: "case-interior-space-matters", actual: "hello  world", expected: "hello world", mode: compare.ModeIgnoreCase, want: false},

		{name: "empty-vs-empty", actual: "", expected: "", mode: compare.ModeExact, want: true},
		{name: "empty-vs-newline-trim", actual: "\n", expected: "", mode: compare.ModeTrim, want: true},
		{name: "empty-vs-newline-exact", actual: "\n", expected: "", mode: compare.ModeExact, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := compare.Compare(tt.actual, tt.expected, tt.mode); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			// Matching is symmetric.
			if got := compare.Compare(tt.expected, tt.actual, tt.mode); got != tt.want {
				t.Fatalf("expected symmetric %v, got %v", tt.want, got)
			}
		})
	}
}
