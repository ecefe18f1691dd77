// Package handoff builds the document one stage hands to the next.
//
// A Document is assembled fluently:
//
//	text := handoff.New("plan", "implement").
//		WithTransitionConfig(handoff.TransitionConfig{Command: "/implement"}).
//		Summary(output).
//		PopulateAutoContext(ctx).
//		Render()
//
// The summary is the tail of the stage's output, where agents put their
// conclusions. No attempt is made to interpret the text itself.
package handoff

import (
	"context"
	"fmt"
	"strings"
)

// DefaultMaxSummaryChars bounds the summary section.
const DefaultMaxSummaryChars = 4000

// TransitionConfig describes the stage being handed to.
type TransitionConfig struct {
	// Command is the next stage's configured command, e.g. "/implement".
	Command string
	// Description is the next stage's description.
	Description string
}

// Document is a handoff under construction.
type Document struct {
	from, to   string
	transition TransitionConfig
	summary    string
	maxSummary int
	workDir    string
	git        *GitContext
}

// New starts a handoff from one stage to the next.
func New(from, to string) *Document {
	return &Document{from: from, to: to, maxSummary: DefaultMaxSummaryChars}
}

// WithTransitionConfig records the next stage's configuration.
func (d *Document) WithTransitionConfig(cfg TransitionConfig) *Document {
	d.transition = cfg
	return d
}

// WithMaxSummary overrides the summary bound. Non-positive values keep the default.
func (d *Document) WithMaxSummary(n int) *Document {
	if n > 0 {
		d.maxSummary = n
	}
	return d
}

// WithWorkDir sets the directory auto context is collected from.
func (d *Document) WithWorkDir(dir string) *Document {
	d.workDir = dir
	return d
}

// Summary sets the summary from a stage's raw output.
func (d *Document) Summary(text string) *Document {
	d.summary = Tail(strings.TrimSpace(text), d.maxSummary)
	return d
}

// PopulateAutoContext attaches repository context. A directory that is not
// a git repository contributes nothing.
func (d *Document) PopulateAutoContext(ctx context.Context) *Document {
	if gc, err := CollectGitContext(ctx, d.workDir); err == nil {
		d.git = gc
	}
	return d
}

// Render returns the document as markdown.
func (d *Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff: %s → %s\n", d.from, d.to)

	fmt.Fprintf(&b, "\n## Summary of %s\n\n", d.from)
	if d.summary != "" {
		b.WriteString(d.summary)
		b.WriteString("\n")
	} else {
		b.WriteString("_No output recorded._\n")
	}

	fmt.Fprintf(&b, "\n## Next: %s\n", d.to)
	if d.transition.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", d.transition.Description)
	}
	if d.transition.Command != "" {
		fmt.Fprintf(&b, "\nCommand: `%s`\n", d.transition.Command)
	}

	if d.git != nil {
		b.WriteString("\n## Repository context\n\n")
		b.WriteString(d.git.Render())
	}
	return b.String()
}

// Tail returns at most n runes from the end of s, prefixed with an
// ellipsis when anything was cut.
func Tail(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[len(runes)-n:])
	}
	return "..." + string(runes[len(runes)-(n-3):])
}

// Input is what the pipeline knows when a stage completes.
type Input struct {
	From       string
	To         string
	Output     string
	Transition TransitionConfig
}

// Builder produces the handoff text for a completed stage.
type Builder interface {
	Build(ctx context.Context, in Input) (string, error)
}

// DocumentBuilder is the default Builder, rendering a Document.
type DocumentBuilder struct {
	// AutoContext enables repository context collection.
	AutoContext     bool
	MaxSummaryChars int
	WorkDir         string
}

// Build implements Builder.
func (b DocumentBuilder) Build(ctx context.Context, in Input) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d := New(in.From, in.To).
		WithMaxSummary(b.MaxSummaryChars).
		WithWorkDir(b.WorkDir).
		WithTransitionConfig(in.Transition).
		Summary(in.Output)
	if b.AutoContext {
		d = d.PopulateAutoContext(ctx)
	}
	return d.Render(), nil
}
