package agentadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/taskorch/taskorch/internal/checksum"
	"github.com/taskorch/taskorch/internal/fsutil"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// testLogRecord is the structured JSON test log written alongside each
// RunTest invocation, per SPEC_FULL.md §4.7/§6.
type testLogRecord struct {
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Checksum   string    `json:"checksum"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunTest executes command in the task's worktree, either directly on the
// host shell or inside Config.ContainerImage when configured, and records
// a JSON log of the run. A non-zero exit code is not itself an error:
// RunTest reports it in TestResult.ExitCode for the orchestrator to act on.
// Per SPEC_FULL.md §6 the log always lives at {task_id}_test.log; running
// several test steps for one task overwrites it step by step, matching the
// aggregated test report's own per-step result array.
func (a *Adapter) RunTest(ctx context.Context, task *tasktype.Task, command string) (TestResult, error) {
	if task.Repo.WorktreePath == "" {
		return TestResult{}, fmt.Errorf("%w: task has no provisioned worktree", ErrAgentInvocation)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, a.Config.Timeout())
	defer cancel()

	start := time.Now()
	var (
		stdout, stderr string
		exitCode       int
		err            error
	)
	if a.Config.ContainerImage != "" {
		stdout, stderr, exitCode, err = a.runContainerized(timeoutCtx, task.Repo.WorktreePath, command)
	} else {
		stdout, stderr, exitCode, err = runShell(timeoutCtx, task.Repo.WorktreePath, command)
	}
	duration := time.Since(start)
	if err != nil {
		return TestResult{}, err
	}

	logPath := filepath.Join(a.ArtifactRoot, task.TaskID+"_test.log")
	record := testLogRecord{
		Command:    command,
		ExitCode:   exitCode,
		DurationMS: duration.Milliseconds(),
		Stdout:     stdout,
		Stderr:     stderr,
		Checksum:   checksum.SHA256Bytes([]byte(stdout + stderr)),
		Timestamp:  start.UTC(),
	}
	if data, merr := json.MarshalIndent(record, "", "  "); merr == nil {
		if werr := fsutil.AtomicWrite(logPath, append(data, '\n')); werr != nil {
			a.Logger.Warn("failed to write test log", "task_id", task.TaskID, "error", werr)
		}
	}

	return TestResult{
		Command:    command,
		ExitCode:   exitCode,
		LogPath:    logPath,
		DurationMS: duration.Milliseconds(),
	}, nil
}

// runShell runs command via "sh -c" in workspace, mapping a context
// deadline to exit code 124 and an unresolvable binary to 127.
func runShell(ctx context.Context, workspace, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspace
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), 124, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), stderr.String(), 127, nil
}
