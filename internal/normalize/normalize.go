// Package normalize holds the small input-cleaning helpers shared by the stores
// and the realtime handlers.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization currently trims surrounding
// whitespace and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// ID trims an identifier received from a client.
func ID(id string) string {
	return strings.TrimSpace(id)
}

// Text trims user supplied text and drops control characters other than
// newlines and tabs.
func Text(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Preview shortens s to max runes and marks the cut with "...".
func Preview(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return Truncate(s, max) + "..."
}
