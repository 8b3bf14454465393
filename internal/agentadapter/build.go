package agentadapter

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskorch/taskorch/internal/fsutil"
	"github.com/taskorch/taskorch/internal/protocol"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// gitOutput runs git in workspace and returns its stdout as-is (untrimmed;
// stderr is not included).
func gitOutput(ctx context.Context, workspace string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workspace
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: git %s failed: %v", ErrAgentInvocation, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// gitChangedFiles returns the set of paths `git status --porcelain` reports
// as touched in workspace, resolving renames to their destination path.
func gitChangedFiles(ctx context.Context, workspace string) ([]string, error) {
	out, err := gitOutput(ctx, workspace, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if arrow := strings.Index(path, " -> "); arrow != -1 {
			path = path[arrow+len(" -> "):]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files, nil
}

// gitDiffArtifactText combines the unstaged diff, the staged diff, and a
// short status summary into one artifact, matching what a reviewer needs
// to judge a build step without checking out the worktree themselves.
func gitDiffArtifactText(ctx context.Context, workspace string) (string, error) {
	var sections []string

	status, err := gitOutput(ctx, workspace, "status", "--short")
	if err != nil {
		return "", err
	}
	sections = append(sections, "# status", status)

	unstaged, err := gitOutput(ctx, workspace, "diff")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(unstaged) != "" {
		sections = append(sections, "# diff (unstaged)", unstaged)
	}

	staged, err := gitOutput(ctx, workspace, "diff", "--cached")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) != "" {
		sections = append(sections, "# diff (staged)", staged)
	}

	return strings.Join(sections, "\n\n"), nil
}

func buildPrompt(task *tasktype.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following plan for task %s.\n\n", task.TaskID)
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Description: %s\n\n", task.Description)
	if task.Plan != nil {
		fmt.Fprintf(&b, "Goal: %s\n", task.Plan.Goal)
		for _, step := range task.Plan.Steps {
			if step.Type == tasktype.StepTypeCode {
				fmt.Fprintf(&b, "- [%s] %s\n", step.ID, step.Title)
			}
		}
		if len(task.Plan.Constraints.AllowedPaths) > 0 {
			fmt.Fprintf(&b, "\nAllowed paths: %s\n", strings.Join(task.Plan.Constraints.AllowedPaths, ", "))
		}
		if len(task.Plan.Constraints.ForbiddenPaths) > 0 {
			fmt.Fprintf(&b, "Forbidden paths: %s\n", strings.Join(task.Plan.Constraints.ForbiddenPaths, ", "))
		}
	}
	return b.String()
}

// Build invokes the agent to implement task.Plan's code steps in the
// task's worktree, then captures the resulting diff as an artifact file.
func (a *Adapter) Build(ctx context.Context, task *tasktype.Task) (BuildResult, error) {
	if task.Repo.WorktreePath == "" {
		return BuildResult{}, fmt.Errorf("%w: task has no provisioned worktree", ErrAgentInvocation)
	}

	prompt := buildPrompt(task)
	inv := protocol.Invocation{
		Operation:      protocol.AgentOperationBuild,
		TaskID:         task.TaskID,
		BaseBranch:     task.Repo.BaseBranch,
		Prompt:         prompt,
		IdempotencyKey: a.idempotencyKey("build", task.TaskID, task.Execution.Attempt, prompt),
	}

	outcome, err := a.invoke(ctx, task.Repo.WorktreePath, inv)
	if err != nil {
		return BuildResult{}, err
	}
	if logErr := a.writeInvocationLog(task.TaskID, "build", task.Repo.WorktreePath, outcome); logErr != nil {
		a.Logger.Warn("failed to write invocation log", "task_id", task.TaskID, "error", logErr)
	}
	if outcome.exitCode != 0 {
		return BuildResult{}, fmt.Errorf("%w: %s", ErrAgentInvocation, outcome.errorText)
	}

	changed, err := gitChangedFiles(ctx, task.Repo.WorktreePath)
	if err != nil {
		return BuildResult{}, err
	}

	diffText, err := gitDiffArtifactText(ctx, task.Repo.WorktreePath)
	if err != nil {
		return BuildResult{}, err
	}

	diffPath := filepath.Join(a.ArtifactRoot, task.TaskID+".diff")
	if err := fsutil.AtomicWrite(diffPath, []byte(diffText)); err != nil {
		return BuildResult{}, fmt.Errorf("%w: failed to write diff artifact: %v", ErrAgentInvocation, err)
	}

	return BuildResult{
		ChangedFiles: changed,
		DiffPath:     diffPath,
		OutputText:   outcome.text,
		Usage:        outcome.usage,
	}, nil
}
