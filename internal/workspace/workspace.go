package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetRequiredDirectories returns the list of directories that must exist in
// an orchestrator workspace, per the persisted-state layout.
func GetRequiredDirectories() []string {
	return []string{
		"tasks",     // {root}/tasks/{task_id}.json
		"artifacts", // {root}/artifacts/{task_id}_{agent}.json, {task_id}.diff, {task_id}_test.log
		"reports",   // {root}/reports/{task_id}_test_report.json
		"state",     // {root}/state/seen_messages.json
		"worktrees", // {root}/worktrees/{task_id}/ (isolated git worktree checkouts)
	}
}

// Initialize creates all required workspace directories with proper permissions (0700)
// This function is idempotent - safe to call multiple times
func Initialize(workspaceRoot string) error {
	dirs := GetRequiredDirectories()

	for _, dir := range dirs {
		path := filepath.Join(workspaceRoot, dir)

		// Create directory with 0700 permissions (owner read/write/execute only)
		// MkdirAll is idempotent - won't error if directory exists
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return nil
}

// IsInitialized checks if a workspace has all required directories
func IsInitialized(workspaceRoot string) (bool, error) {
	dirs := GetRequiredDirectories()

	for _, dir := range dirs {
		path := filepath.Join(workspaceRoot, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}

		if !info.IsDir() {
			return false, nil
		}
	}

	return true, nil
}
