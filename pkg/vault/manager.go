package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TLoveOps1/ironclaw/pkg/gitutil"
	"github.com/TLoveOps1/ironclaw/pkg/log"
	"github.com/TLoveOps1/ironclaw/pkg/metrics"
)

// ErrInvalid marks a validation failure: path traversal, unknown theater,
// missing repo. Surfaced as HTTP 400.
var ErrInvalid = errors.New("invalid")

// Manager owns per-order worktrees under a theater root. All inputs pass
// canonicalization and an ancestor check before any filesystem operation.
type Manager struct {
	theaterRoot string
	logger      zerolog.Logger
}

// NewManager creates a Manager rooted at theaterRoot.
func NewManager(theaterRoot string) (*Manager, error) {
	abs, err := filepath.Abs(theaterRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve theater root: %w", err)
	}
	return &Manager{theaterRoot: abs, logger: log.WithComponent("vault")}, nil
}

// TheaterRoot returns the canonical theater root.
func (m *Manager) TheaterRoot() string {
	return m.theaterRoot
}

// validateTheater canonicalizes the theater directory and checks it stays
// under the theater root and exists.
func (m *Manager) validateTheater(theater string) (string, error) {
	if theater == "" || theater != filepath.Base(theater) || theater == ".." || theater == "." {
		return "", fmt.Errorf("%w theater: %q", ErrInvalid, theater)
	}
	path := filepath.Join(m.theaterRoot, theater)
	if !isUnder(path, m.theaterRoot) {
		return "", fmt.Errorf("%w theater path: %q", ErrInvalid, theater)
	}
	if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
		return "", fmt.Errorf("%w theater: does not exist: %q", ErrInvalid, theater)
	}
	return path, nil
}

// worktreePath canonicalizes <theater>/worktrees/<order_id> and rejects
// anything that escapes the worktrees prefix. No separators, no "..".
func (m *Manager) worktreePath(theaterPath, orderID string) (string, error) {
	if orderID == "" || strings.ContainsAny(orderID, `/\`) || orderID != filepath.Base(orderID) || orderID == ".." || orderID == "." {
		return "", fmt.Errorf("%w order_id: %q", ErrInvalid, orderID)
	}
	wtRoot := filepath.Join(theaterPath, "worktrees")
	path := filepath.Join(wtRoot, orderID)
	if !isUnder(path, wtRoot) {
		return "", fmt.Errorf("%w worktree path: %q", ErrInvalid, orderID)
	}
	return path, nil
}

// repoPath locates the theater's git repository: <theater>/repo with .git,
// falling back to a theater root that itself contains .git.
func (m *Manager) repoPath(theaterPath string) (string, error) {
	repo := filepath.Join(theaterPath, "repo")
	if _, err := os.Stat(filepath.Join(repo, ".git")); err == nil {
		return repo, nil
	}
	if _, err := os.Stat(filepath.Join(theaterPath, ".git")); err == nil {
		return theaterPath, nil
	}
	return "", fmt.Errorf("%w theater: git repository not found under %s", ErrInvalid, theaterPath)
}

// CreateWorktree provisions a git worktree on a branch named after the
// order, off baseRef (default master). An already-present worktree is a
// no-op returning created=false. Concurrent creates for the same order are
// serialized by the repo lock: one wins, the other sees the existing tree.
func (m *Manager) CreateWorktree(ctx context.Context, theater, orderID, baseRef string) (path string, created bool, err error) {
	theaterPath, err := m.validateTheater(theater)
	if err != nil {
		return "", false, err
	}
	path, err = m.worktreePath(theaterPath, orderID)
	if err != nil {
		return "", false, err
	}
	repo, err := m.repoPath(theaterPath)
	if err != nil {
		return "", false, err
	}

	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	if baseRef == "" {
		baseRef = "master"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, fmt.Errorf("failed to create worktrees dir: %w", err)
	}
	if err := gitutil.WorktreeAdd(ctx, repo, orderID, path, baseRef); err != nil {
		// A concurrent create may have won the repo lock.
		if _, statErr := os.Stat(path); statErr == nil {
			return path, false, nil
		}
		return "", false, fmt.Errorf("worktree creation failed: %w", err)
	}

	metrics.WorktreesCreatedTotal.Inc()
	m.logger.Info().Str("theater", theater).Str("order_id", orderID).Str("path", path).Msg("worktree created")
	return path, true, nil
}

// WorktreeStatus reports whether the worktree exists and where.
func (m *Manager) WorktreeStatus(theater, orderID string) (path string, exists bool, err error) {
	theaterPath, err := m.validateTheater(theater)
	if err != nil {
		return "", false, err
	}
	path, err = m.worktreePath(theaterPath, orderID)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err != nil {
		return "", false, nil
	}
	return path, true, nil
}

// Archive writes <theater>/archive/<order_id>_YYYYmmdd_HHMMSS.tar.gz
// containing the worktree. The filename timestamp is UTC.
func (m *Manager) Archive(theater, orderID string) (string, error) {
	theaterPath, err := m.validateTheater(theater)
	if err != nil {
		return "", err
	}
	wt, err := m.worktreePath(theaterPath, orderID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(wt); err != nil {
		return "", fmt.Errorf("%w worktree: does not exist: %q", ErrInvalid, orderID)
	}

	archiveDir := filepath.Join(theaterPath, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s.tar.gz", orderID, time.Now().UTC().Format("20060102_150405"))
	archivePath := filepath.Join(archiveDir, name)

	if err := writeTarGz(archivePath, wt, orderID); err != nil {
		return "", fmt.Errorf("failed to archive worktree: %w", err)
	}

	metrics.ArchivesWrittenTotal.Inc()
	m.logger.Info().Str("order_id", orderID).Str("archive", archivePath).Msg("worktree archived")
	return archivePath, nil
}

// Remove archives the worktree and then removes it with git. Archive
// always happens first; an archive failure aborts the remove; there is no
// forget-without-evidence path. A worktree gone after the archive is a
// no-op remove.
func (m *Manager) Remove(ctx context.Context, theater, orderID string) (archivePath string, err error) {
	archivePath, err = m.Archive(theater, orderID)
	if err != nil {
		return "", err
	}

	theaterPath, err := m.validateTheater(theater)
	if err != nil {
		return "", err
	}
	repo, err := m.repoPath(theaterPath)
	if err != nil {
		return "", err
	}
	wt, err := m.worktreePath(theaterPath, orderID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(wt); err != nil {
		return archivePath, nil
	}
	if err := gitutil.WorktreeRemove(ctx, repo, wt); err != nil {
		return "", fmt.Errorf("worktree removal failed: %w", err)
	}

	m.logger.Info().Str("order_id", orderID).Msg("worktree removed")
	return archivePath, nil
}

// isUnder reports whether path is lexically inside root after cleaning.
func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
