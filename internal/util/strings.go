// Package util provides small string helpers shared by the pipeline and the CLI.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

// Ellipsis is appended to text cut by Preview and TruncateString.
const Ellipsis = "..."

// TruncateString truncates s to at most maxLen runes, replacing the tail with
// "..." when it had to cut.
func TruncateString(s string, maxLen int) string {
	if maxLen <= len(Ellipsis) {
		return Ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(Ellipsis)]) + Ellipsis
}

// Preview returns the first n runes of s, followed by "..." if s was longer.
// Unlike TruncateString the kept prefix is always exactly n runes.
func Preview(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + Ellipsis
}

// SingleLine collapses all whitespace runs (including newlines) into single spaces.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateANSI truncates a string to maxWidth visual columns, adding "..." if
// truncated. Escape sequences from lipgloss styling are preserved.
func TruncateANSI(s string, maxWidth int) string {
	if maxWidth <= len(Ellipsis) {
		return Ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, Ellipsis)
}
