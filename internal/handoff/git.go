package handoff

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// maxRecentCommits bounds the commit list in a handoff.
const maxRecentCommits = 5

// maxChangedFiles bounds the changed-file list in a handoff.
const maxChangedFiles = 30

// GitContext is the repository state attached to a handoff.
type GitContext struct {
	Branch        string
	ChangedFiles  []string
	RecentCommits []string
}

// CollectGitContext reads branch, working-tree changes, and recent commits
// from the repository at dir ("" means the current directory).
func CollectGitContext(ctx context.Context, dir string) (*GitContext, error) {
	branch, err := runGit(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	gc := &GitContext{Branch: strings.TrimSpace(branch)}

	if status, err := runGit(ctx, dir, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(status, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			gc.ChangedFiles = append(gc.ChangedFiles, strings.TrimRight(line, " "))
		}
	}

	if log, err := runGit(ctx, dir, "log", "--oneline", fmt.Sprintf("-%d", maxRecentCommits)); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(log), "\n") {
			if line != "" {
				gc.RecentCommits = append(gc.RecentCommits, line)
			}
		}
	}
	return gc, nil
}

// Render returns the context as markdown.
func (g *GitContext) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Branch: `%s`\n", g.Branch)
	if len(g.ChangedFiles) > 0 {
		b.WriteString("\nChanged files:\n")
		files := g.ChangedFiles
		if len(files) > maxChangedFiles {
			files = files[:maxChangedFiles]
		}
		for _, f := range files {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		if extra := len(g.ChangedFiles) - len(files); extra > 0 {
			fmt.Fprintf(&b, "- ... and %d more\n", extra)
		}
	}
	if len(g.RecentCommits) > 0 {
		b.WriteString("\nRecent commits:\n")
		for _, c := range g.RecentCommits {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
