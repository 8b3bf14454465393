package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "user.email", "test@example.com")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial commit")

	return dir
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, string(out))
	return string(out)
}

func TestManager_CreateAndRemove(t *testing.T) {
	repo := setupTestRepo(t)
	worktreesRoot := t.TempDir()
	ctx := context.Background()
	m := NewManager()

	branch, path, err := m.Create(ctx, repo, "task-1", "main", "taskorch", worktreesRoot)
	require.NoError(t, err)
	require.Equal(t, "taskorch/task-1", branch)
	require.DirExists(t, path)
	require.FileExists(t, filepath.Join(path, "README.md"))

	require.NoError(t, m.Remove(ctx, repo, "task-1", worktreesRoot, false))
	require.NoDirExists(t, path)
}

func TestManager_Create_FailsIfDirectoryAlreadyExists(t *testing.T) {
	repo := setupTestRepo(t)
	worktreesRoot := t.TempDir()
	ctx := context.Background()
	m := NewManager()

	require.NoError(t, os.MkdirAll(filepath.Join(worktreesRoot, "task-2"), 0755))

	_, _, err := m.Create(ctx, repo, "task-2", "main", "taskorch", worktreesRoot)
	require.True(t, errors.Is(err, ErrWorktree))
}

func TestManager_Remove_NoopWhenAbsent(t *testing.T) {
	repo := setupTestRepo(t)
	worktreesRoot := t.TempDir()
	ctx := context.Background()
	m := NewManager()

	require.NoError(t, m.Remove(ctx, repo, "never-created", worktreesRoot, false))
}

func TestManager_Remove_RefusesDirtyWorktreeWithoutForce(t *testing.T) {
	repo := setupTestRepo(t)
	worktreesRoot := t.TempDir()
	ctx := context.Background()
	m := NewManager()

	_, path, err := m.Create(ctx, repo, "task-3", "main", "taskorch", worktreesRoot)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("uncommitted"), 0644))

	err = m.Remove(ctx, repo, "task-3", worktreesRoot, false)
	require.True(t, errors.Is(err, ErrWorktreeUnimplemented))
	require.DirExists(t, path)

	require.NoError(t, m.Remove(ctx, repo, "task-3", worktreesRoot, true))
	require.NoDirExists(t, path)
}

func TestManager_Create_FallsBackToHEADWhenBaseBranchMissing(t *testing.T) {
	repo := setupTestRepo(t)
	worktreesRoot := t.TempDir()
	ctx := context.Background()
	m := NewManager()

	branch, path, err := m.Create(ctx, repo, "task-4", "does-not-exist", "taskorch", worktreesRoot)
	require.NoError(t, err)
	require.Equal(t, "taskorch/task-4", branch)
	require.DirExists(t, path)
}
