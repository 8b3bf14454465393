// Package policy enforces the file-change constraints an agent's build
// phase must stay within: a change-count ceiling plus allow/deny globs.
package policy

import (
	"errors"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/taskorch/taskorch/internal/tasktype"
)

// ErrPolicyViolation wraps every rule violation Enforce reports.
var ErrPolicyViolation = errors.New("policy violation")

// Enforce evaluates changedFiles (forward-slash-normalized paths) against
// constraints, in order, aborting with ErrPolicyViolation on the first
// failure:
//  1. len(changedFiles) <= MaxFilesChanged
//  2. no path matches a ForbiddenPaths glob
//  3. every path matches at least one AllowedPaths glob
func Enforce(changedFiles []string, constraints tasktype.Constraints) error {
	if len(changedFiles) > constraints.MaxFilesChanged {
		return fmt.Errorf("%w: changed %d files, exceeds max_files_changed %d",
			ErrPolicyViolation, len(changedFiles), constraints.MaxFilesChanged)
	}

	for _, path := range changedFiles {
		for _, pattern := range constraints.ForbiddenPaths {
			matched, err := doublestar.Match(pattern, path)
			if err != nil {
				return fmt.Errorf("policy: invalid forbidden_paths glob %q: %w", pattern, err)
			}
			if matched {
				return fmt.Errorf("%w: %q matches forbidden path %q", ErrPolicyViolation, path, pattern)
			}
		}
	}

	for _, path := range changedFiles {
		allowed := false
		for _, pattern := range constraints.AllowedPaths {
			matched, err := doublestar.Match(pattern, path)
			if err != nil {
				return fmt.Errorf("policy: invalid allowed_paths glob %q: %w", pattern, err)
			}
			if matched {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %q does not match any allowed_paths glob", ErrPolicyViolation, path)
		}
	}

	return nil
}
