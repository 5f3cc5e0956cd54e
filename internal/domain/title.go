package domain

import "strings"

// titleMaxChars is the maximum visible length of a session title before
// ellipsis (spec.md §3.1, §8.3).
const titleMaxChars = 30

// SummarizeTitle derives a session title from its first user prompt,
// matching the boundary behavior enumerated in spec.md §8.3:
//   - empty input -> empty
//   - <= 30 chars -> identity
//   - long with a space -> truncated at the last word boundary <= 30, "..."
//   - long with no space -> first 30 chars, "..."
//   - multiline -> first line only, then the rules above
func SummarizeTitle(prompt string) string {
	firstLine := prompt
	if idx := strings.IndexByte(prompt, '\n'); idx >= 0 {
		firstLine = prompt[:idx]
	}

	if firstLine == "" {
		return ""
	}

	runes := []rune(firstLine)
	if len(runes) <= titleMaxChars {
		return firstLine
	}

	truncated := string(runes[:titleMaxChars])
	if lastSpace := strings.LastIndexByte(truncated, ' '); lastSpace > 0 {
		return truncated[:lastSpace] + "..."
	}

	return truncated + "..."
}
