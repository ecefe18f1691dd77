package util

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"long string truncated", "hello world", 8, "hello..."},
		{"tiny maxLen", "hello", 3, "..."},
		{"unicode counted by rune", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateString(tt.input, tt.maxLen); got != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.expected)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("a", 600)

	got := Preview(long, 500)
	if got != strings.Repeat("a", 500)+"..." {
		t.Errorf("Preview kept %d runes, want 500 plus ellipsis", len(got))
	}
	if Preview("short", 500) != "short" {
		t.Error("Preview should not alter short text")
	}
	if Preview("abc", 0) != "" {
		t.Error("Preview with n=0 should be empty")
	}
}

func TestSingleLine(t *testing.T) {
	if got := SingleLine("  a\n\tb   c \n"); got != "a b c" {
		t.Errorf("SingleLine() = %q, want %q", got, "a b c")
	}
}

func TestTruncateANSI(t *testing.T) {
	styled := lipgloss.NewStyle().Bold(true).Render("completed successfully")

	got := TruncateANSI(styled, 10)
	if w := lipgloss.Width(got); w > 10 {
		t.Errorf("width = %d, want <= 10", w)
	}
	if TruncateANSI("ok", 10) != "ok" {
		t.Error("short text should be unchanged")
	}
	if TruncateANSI("anything", 2) != "..." {
		t.Error("tiny width should return ellipsis")
	}
}
