// Package worktree manages isolated git working copies, one per task, so
// concurrent tasks never interfere with each other's checkouts.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ErrWorktree is returned when a git worktree operation fails.
var ErrWorktree = errors.New("worktree: git operation failed")

// ErrWorktreeUnimplemented is returned by Remove when the caller asked for
// a non-forced removal of a worktree with uncommitted changes: the
// "stash existing changes before removal" policy is explicitly undefined
// (SPEC_FULL.md §9 Open Questions) rather than silently discarding or
// silently keeping them.
var ErrWorktreeUnimplemented = errors.New("worktree: stash-before-remove policy is not implemented")

// Manager creates and removes per-task git worktrees under a shared root.
// Git worktree metadata is shared state in the base repository, so all
// mutating operations serialize on a mutex held by the Manager; callers
// that share one Manager share that serialization.
type Manager struct {
	mu sync.Mutex
}

// NewManager returns a worktree Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Create makes a new worktree for taskID: branch "{branchPrefix}/{taskID}"
// starting from baseBranch (or HEAD if baseBranch does not exist, per
// `git rev-parse --verify`), checked out into a fresh directory under
// worktreesRoot/{taskID}. Fails with ErrWorktree if that directory already
// exists.
func (m *Manager) Create(ctx context.Context, basePath, taskID, baseBranch, branchPrefix, worktreesRoot string) (branch, path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	branch = fmt.Sprintf("%s/%s", strings.TrimSuffix(branchPrefix, "/"), taskID)
	path = filepath.Join(worktreesRoot, taskID)

	if _, statErr := os.Stat(path); statErr == nil {
		return "", "", fmt.Errorf("%w: worktree directory already exists: %s", ErrWorktree, path)
	}

	startPoint := baseBranch
	if !refExists(ctx, basePath, baseBranch) {
		startPoint = "HEAD"
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "add", "-b", branch, path, startPoint)
	cmd.Dir = basePath
	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return "", "", fmt.Errorf("%w: git worktree add failed: %v (%s)", ErrWorktree, runErr, strings.TrimSpace(string(out)))
	}

	return branch, path, nil
}

// Remove detaches and deletes the worktree directory for taskID. It is a
// no-op if the directory does not exist. If the worktree has uncommitted
// changes and force is false, Remove refuses with ErrWorktreeUnimplemented
// instead of guessing a stash policy.
func (m *Manager) Remove(ctx context.Context, basePath, taskID, worktreesRoot string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(worktreesRoot, taskID)
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return nil
	}

	if !force {
		dirty, err := isDirty(ctx, path)
		if err != nil {
			return fmt.Errorf("%w: failed to check worktree status: %v", ErrWorktree, err)
		}
		if dirty {
			return ErrWorktreeUnimplemented
		}
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = []string{"worktree", "remove", "--force", path}
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = basePath
	if out, runErr := cmd.CombinedOutput(); runErr != nil {
		return fmt.Errorf("%w: git worktree remove failed: %v (%s)", ErrWorktree, runErr, strings.TrimSpace(string(out)))
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("%w: failed to remove lingering directory %s: %v", ErrWorktree, path, rmErr)
		}
	}

	return nil
}

func refExists(ctx context.Context, basePath, ref string) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--verify", "--quiet", ref)
	cmd.Dir = basePath
	return cmd.Run() == nil
}

func isDirty(ctx context.Context, worktreePath string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("git status failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)) != "", nil
}
