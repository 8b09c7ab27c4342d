// Package vcs is the version-control collaborator. The pipeline calls it
// for checkout, branching, commits, tags and rollback but owns no git
// state itself.
package vcs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/issuepilot/issuepilot/internal/ratelimit"
)

// Client is the contract the worker and pipeline consume
type Client interface {
	Checkout(ctx context.Context, repoKey, ref string) (string, error)
	Branch(ctx context.Context, repoKey, name string) error
	CommitAndPush(ctx context.Context, repoKey, message string) error
	CreateOrUpdatePR(ctx context.Context, repoKey, title, body, base string) (string, error)
	Tag(ctx context.Context, repoKey, name, target string) error
	ResetTo(ctx context.Context, repoKey, ref string) error
	Diff(ctx context.Context, repoKey string) (string, error)
	Head(ctx context.Context, repoKey string) (string, error)
	WorkingDir(repoKey string) string
}

// GitClient implements Client with local git plus the gh CLI for PRs.
// Each repo key gets one clone under checkoutDir; the per-repo concurrency
// cap in the queue keeps two runs from mutating the same clone.
type GitClient struct {
	checkoutDir string
	limiter     *ratelimit.Limiter
}

// NewGitClient creates a GitClient rooted at checkoutDir
func NewGitClient(checkoutDir string, limiter *ratelimit.Limiter) *GitClient {
	return &GitClient{checkoutDir: checkoutDir, limiter: limiter}
}

// WorkingDir returns the local clone path for a repo key
func (g *GitClient) WorkingDir(repoKey string) string {
	return filepath.Join(g.checkoutDir, strings.ReplaceAll(repoKey, "/", "__"))
}

// Checkout clones the repo if needed and checks out ref, returning the
// working directory.
func (g *GitClient) Checkout(ctx context.Context, repoKey, ref string) (string, error) {
	dir := g.WorkingDir(repoKey)

	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if err := g.limiter.Acquire(ctx, ratelimit.ServiceVCSHost, 1); err != nil {
			return "", err
		}
		if err := os.MkdirAll(g.checkoutDir, 0755); err != nil {
			return "", fmt.Errorf("creating checkout dir: %w", err)
		}
		if _, err := g.git(ctx, g.checkoutDir, "clone", "https://github.com/"+repoKey+".git", dir); err != nil {
			return "", fmt.Errorf("cloning %s: %w", repoKey, err)
		}
	} else {
		if err := g.limiter.Acquire(ctx, ratelimit.ServiceVCSHost, 1); err != nil {
			return "", err
		}
		if _, err := g.git(ctx, dir, "fetch", "origin"); err != nil {
			return "", fmt.Errorf("fetching %s: %w", repoKey, err)
		}
	}

	if _, err := g.git(ctx, dir, "checkout", ref); err != nil {
		return "", fmt.Errorf("checking out %s@%s: %w", repoKey, ref, err)
	}
	return dir, nil
}

// Branch creates and switches to a branch, replacing a leftover one
func (g *GitClient) Branch(ctx context.Context, repoKey, name string) error {
	dir := g.WorkingDir(repoKey)
	// Drop a stale branch from an earlier crashed run.
	_, _ = g.git(ctx, dir, "branch", "-D", name)
	if _, err := g.git(ctx, dir, "checkout", "-b", name); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// CommitAndPush stages everything, commits and pushes the current branch
func (g *GitClient) CommitAndPush(ctx context.Context, repoKey, message string) error {
	dir := g.WorkingDir(repoKey)
	if _, err := g.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("staging: %w", err)
	}
	if _, err := g.git(ctx, dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	if err := g.limiter.Acquire(ctx, ratelimit.ServiceVCSHost, 1); err != nil {
		return err
	}
	if _, err := g.git(ctx, dir, "push", "-u", "origin", "HEAD"); err != nil {
		return fmt.Errorf("pushing: %w", err)
	}
	return nil
}

// CreateOrUpdatePR opens a PR for the current branch, or updates the body
// of an existing one.
func (g *GitClient) CreateOrUpdatePR(ctx context.Context, repoKey, title, body, base string) (string, error) {
	if err := g.limiter.Acquire(ctx, ratelimit.ServiceVCSHost, 1); err != nil {
		return "", err
	}
	dir := g.WorkingDir(repoKey)

	cmd := exec.CommandContext(ctx, "gh", "pr", "create",
		"--repo", repoKey, "--title", title, "--body", body, "--base", base)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err == nil {
		return strings.TrimSpace(string(out)), nil
	}

	// PR may already exist for this branch; update it instead.
	cmd = exec.CommandContext(ctx, "gh", "pr", "edit",
		"--repo", repoKey, "--title", title, "--body", body)
	cmd.Dir = dir
	if out2, err2 := cmd.Output(); err2 == nil {
		return strings.TrimSpace(string(out2)), nil
	}
	return "", fmt.Errorf("creating PR for %s: %w", repoKey, err)
}

// Tag creates a tag pointing at target
func (g *GitClient) Tag(ctx context.Context, repoKey, name, target string) error {
	if _, err := g.git(ctx, g.WorkingDir(repoKey), "tag", name, target); err != nil {
		return fmt.Errorf("tagging %s at %s: %w", name, target, err)
	}
	return nil
}

// ResetTo hard-resets the working copy to ref
func (g *GitClient) ResetTo(ctx context.Context, repoKey, ref string) error {
	if _, err := g.git(ctx, g.WorkingDir(repoKey), "reset", "--hard", ref); err != nil {
		return fmt.Errorf("resetting to %s: %w", ref, err)
	}
	return nil
}

// Diff returns the working tree diff against HEAD
func (g *GitClient) Diff(ctx context.Context, repoKey string) (string, error) {
	out, err := g.git(ctx, g.WorkingDir(repoKey), "diff", "HEAD")
	if err != nil {
		return "", fmt.Errorf("diffing: %w", err)
	}
	return string(out), nil
}

// Head returns the current commit hash
func (g *GitClient) Head(ctx context.Context, repoKey string) (string, error) {
	out, err := g.git(ctx, g.WorkingDir(repoKey), "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *GitClient) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return out, nil
}
