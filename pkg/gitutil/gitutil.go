package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// run executes git with args in dir, returning trimmed stdout. Stderr is
// folded into the error.
func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Head returns the HEAD commit sha of the repository at dir.
func Head(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "rev-parse", "HEAD")
}

// AddAll stages every change in dir.
func AddAll(ctx context.Context, dir string) error {
	_, err := run(ctx, dir, "add", ".")
	return err
}

// Commit creates a commit in dir with the given message.
func Commit(ctx context.Context, dir, message string) error {
	_, err := run(ctx, dir, "commit", "-m", message)
	return err
}

// StatusPorcelain returns `git status --porcelain` output for dir; empty
// means the tree is clean.
func StatusPorcelain(ctx context.Context, dir string) (string, error) {
	return run(ctx, dir, "status", "--porcelain")
}

// WorktreeAdd creates a worktree at path on a new branch off baseRef.
func WorktreeAdd(ctx context.Context, repoDir, branch, path, baseRef string) error {
	_, err := run(ctx, repoDir, "worktree", "add", "-b", branch, path, baseRef)
	return err
}

// WorktreeRemove force-removes the worktree at path.
func WorktreeRemove(ctx context.Context, repoDir, path string) error {
	_, err := run(ctx, repoDir, "worktree", "remove", "--force", path)
	return err
}
