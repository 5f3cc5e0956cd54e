package domain

import (
	"strings"
	"testing"
)

func TestSummarizeTitle(t *testing.T) {
	cases := []struct {
		name   string
		prompt string
		want   string
	}{
		{"empty", "", ""},
		{"short", "Fix parser", "Fix parser"},
		{"exactly thirty", strings.Repeat("a", 30), strings.Repeat("a", 30)},
		{
			"long with spaces truncates at word boundary",
			"Refactor the session manager to support concurrent replies safely",
			"Refactor the session manager...",
		},
		{
			"long with no spaces takes first thirty chars",
			strings.Repeat("x", 45),
			strings.Repeat("x", 30) + "...",
		},
		{
			"multiline uses first line only",
			"Fix parser\nand also the lexer while you're at it",
			"Fix parser",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SummarizeTitle(tc.prompt)
			if got != tc.want {
				t.Errorf("SummarizeTitle(%q) = %q, want %q", tc.prompt, got, tc.want)
			}
		})
	}
}
