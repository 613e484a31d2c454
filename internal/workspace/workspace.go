// Package workspace manages the optional per-agent repository clone and
// its commit pipeline: direct pushes to the default branch, or category
// tagged branches when the change should go through review.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Workspace is one agent's clone. A nil Workspace is valid: every method
// reports no changes and commits fail loudly.
type Workspace struct {
	dir       string
	remote    string
	branch    string
	agentType string
	dryRun    bool
}

// Config configures a workspace.
type Config struct {
	Dir       string
	RemoteURL string // empty = use the existing clone's origin
	Branch    string // default "main"
	AgentType string
	DryRun    bool
}

// Open initialises the clone: an existing directory is reused, otherwise
// the remote is cloned fresh. Missing configuration returns nil, not an
// error, since the workspace is optional.
func Open(ctx context.Context, cfg Config) (*Workspace, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	w := &Workspace{
		dir:       cfg.Dir,
		remote:    cfg.RemoteURL,
		branch:    cfg.Branch,
		agentType: cfg.AgentType,
		dryRun:    cfg.DryRun,
	}
	if _, err := os.Stat(cfg.Dir); os.IsNotExist(err) {
		if cfg.RemoteURL == "" {
			return nil, fmt.Errorf("workspace %s does not exist and no remote configured", cfg.Dir)
		}
		if _, err := runGit(ctx, "", "clone", "--branch", cfg.Branch, cfg.RemoteURL, cfg.Dir); err != nil {
			return nil, fmt.Errorf("clone workspace: %w", err)
		}
		slog.Info("workspace_cloned", "dir", cfg.Dir, "branch", cfg.Branch)
	}
	return w, nil
}

// Dir returns the clone path.
func (w *Workspace) Dir() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// HasChanges reports whether the working tree differs from HEAD.
func (w *Workspace) HasChanges(ctx context.Context) (bool, error) {
	if w == nil {
		return false, nil
	}
	out, err := runGit(ctx, w.dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// Commit stages everything, commits and pushes. pr=true pushes a category
// tagged branch for review instead of the default branch.
func (w *Workspace) Commit(ctx context.Context, message, category string, pr bool) error {
	if w == nil {
		return fmt.Errorf("workspace not configured")
	}
	changed, err := w.HasChanges(ctx)
	if err != nil {
		return err
	}
	if !changed {
		slog.Debug("workspace clean, nothing to commit")
		return nil
	}
	if w.dryRun {
		slog.Info("dry-run: workspace commit skipped", "message", message, "pr", pr)
		return nil
	}

	if _, err := runGit(ctx, w.dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage: %w", err)
	}

	target := w.branch
	if pr {
		target = w.prBranch(category)
		if _, err := runGit(ctx, w.dir, "checkout", "-b", target); err != nil {
			return fmt.Errorf("branch %s: %w", target, err)
		}
	}
	if _, err := runGit(ctx, w.dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if _, err := runGit(ctx, w.dir, "push", "-u", "origin", target); err != nil {
		return fmt.Errorf("push %s: %w", target, err)
	}
	if pr {
		// Back to the default branch so the next loop starts clean.
		if _, err := runGit(ctx, w.dir, "checkout", w.branch); err != nil {
			return fmt.Errorf("checkout %s: %w", w.branch, err)
		}
	}
	slog.Info("workspace_committed", "branch", target, "pr", pr, "message", message)
	return nil
}

// prBranch names a review branch: agent/<type>/<category>-<timestamp>.
func (w *Workspace) prBranch(category string) string {
	if category == "" {
		category = "change"
	}
	category = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, category)
	return fmt.Sprintf("agent/%s/%s-%d", w.agentType, category, time.Now().Unix())
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
