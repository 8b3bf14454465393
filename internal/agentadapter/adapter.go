// Package agentadapter is the single boundary between the orchestrator and
// the external code-generation agent: it invokes the agent subprocess (or
// an SDK-bridge variant of the same mechanics), normalizes its NDJSON
// event stream into a plan object and final text, captures the resulting
// working-tree diff, and runs test commands inside the task's worktree.
package agentadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/taskorch/taskorch/internal/config"
	"github.com/taskorch/taskorch/internal/fsutil"
	"github.com/taskorch/taskorch/internal/idempotency"
	"github.com/taskorch/taskorch/internal/protocol"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// ErrAgentInvocation covers subprocess failures, malformed JSON, and
// missing schema in the agent's response.
var ErrAgentInvocation = errors.New("agentadapter: agent invocation failed")

// ClarifyResult is the normalized outcome of AgentAdapter.Clarify.
type ClarifyResult struct {
	Summary string
	Plan    tasktype.Plan
	Usage   protocol.TokenUsage
	RawText string
}

// BuildResult is the normalized outcome of AgentAdapter.Build.
type BuildResult struct {
	ChangedFiles []string
	DiffPath     string
	OutputText   string
	Usage        protocol.TokenUsage
}

// TestResult is the normalized outcome of AgentAdapter.RunTest. RunTest
// never returns an error for a non-zero exit code; the orchestrator
// decides what a failing test step means.
type TestResult struct {
	Command    string
	ExitCode   int
	LogPath    string
	DurationMS int64
}

// AgentAdapter is the explicit capability interface the orchestrator
// depends on, replacing a duck-typed client.
type AgentAdapter interface {
	Clarify(ctx context.Context, task *tasktype.Task) (ClarifyResult, error)
	Build(ctx context.Context, task *tasktype.Task) (BuildResult, error)
	RunTest(ctx context.Context, task *tasktype.Task, command string) (TestResult, error)
}

// Adapter is the subprocess-backed AgentAdapter implementation. It also
// implements internal/intent.ModelCaller (CallClassifier), so the same
// adapter instance doubles as the Intent Classifier's model-based layer.
type Adapter struct {
	Config       config.AgentConfig
	ArtifactRoot string
	Logger       *slog.Logger
}

// NewAdapter returns an Adapter. A nil logger falls back to slog.Default.
func NewAdapter(cfg config.AgentConfig, artifactRoot string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{Config: cfg, ArtifactRoot: artifactRoot, Logger: logger}
}

var _ AgentAdapter = (*Adapter)(nil)

// Clarify asks the agent to turn a task's title and description into a
// plan: assumptions, steps, constraints, and any clarifying questions.
// task.Repo.WorktreePath is not required yet; Clarify runs in it when it
// is set, and otherwise in the process's current working directory.
func (a *Adapter) Clarify(ctx context.Context, task *tasktype.Task) (ClarifyResult, error) {
	workspace := task.Repo.WorktreePath
	if workspace == "" {
		workspace = "."
	}

	prompt := clarifyPrompt(task)
	inv := protocol.Invocation{
		Operation:      protocol.AgentOperationPlan,
		TaskID:         task.TaskID,
		BaseBranch:     task.Repo.BaseBranch,
		Prompt:         prompt,
		IdempotencyKey: a.idempotencyKey("clarify", task.TaskID, task.Execution.Attempt, prompt),
	}

	outcome, err := a.invoke(ctx, workspace, inv)
	if err != nil {
		return ClarifyResult{}, err
	}
	if logErr := a.writeInvocationLog(task.TaskID, "clarify", workspace, outcome); logErr != nil {
		a.Logger.Warn("failed to write invocation log", "task_id", task.TaskID, "error", logErr)
	}
	if outcome.exitCode != 0 {
		return ClarifyResult{}, fmt.Errorf("%w: %s", ErrAgentInvocation, outcome.errorText)
	}

	summary, plan, err := parsePlanJSON(outcome.text)
	if err != nil {
		return ClarifyResult{}, err
	}
	plan.TaskID = task.TaskID

	return ClarifyResult{
		Summary: summary,
		Plan:    plan,
		Usage:   outcome.usage,
		RawText: outcome.text,
	}, nil
}

// CallClassifier implements internal/intent.ModelCaller, letting an
// Adapter double as the Intent Classifier's model-based fallback layer.
func (a *Adapter) CallClassifier(ctx context.Context, text string, task *tasktype.Task) (string, error) {
	workspace := "."
	taskID := "unclassified"
	baseBranch := ""
	if task != nil {
		if task.Repo.WorktreePath != "" {
			workspace = task.Repo.WorktreePath
		}
		taskID = task.TaskID
		baseBranch = task.Repo.BaseBranch
	}

	prompt := classifyPrompt(text)
	inv := protocol.Invocation{
		Operation:      protocol.AgentOperationClassify,
		TaskID:         taskID,
		BaseBranch:     baseBranch,
		Prompt:         prompt,
		IdempotencyKey: a.idempotencyKey("classify", taskID, 0, prompt),
	}

	outcome, err := a.invoke(ctx, workspace, inv)
	if err != nil {
		return "", err
	}
	if logErr := a.writeInvocationLog(taskID, "classify", workspace, outcome); logErr != nil {
		a.Logger.Warn("failed to write invocation log", "task_id", taskID, "error", logErr)
	}
	if outcome.exitCode != 0 {
		return "", fmt.Errorf("%w: %s", ErrAgentInvocation, outcome.errorText)
	}
	return outcome.text, nil
}

// idempotencyKey derives a deterministic idempotency key for one agent
// invocation from its action, task, retry attempt, and prompt text, so a
// retried invocation with unchanged inputs can be recognized as a replay
// by the agent. The key reaches the agent only in sdk_bridge mode, on
// stdin, and is not written to the invocation log. Key generation failure
// is logged and otherwise non-fatal: the key is a replay marker, not a
// correctness gate.
func (a *Adapter) idempotencyKey(action, taskID string, attempt int, prompt string) string {
	key, err := idempotency.GenerateIK(action, taskID, attempt, map[string]any{"prompt": prompt})
	if err != nil {
		a.Logger.Warn("failed to generate idempotency key", "action", action, "task_id", taskID, "error", err)
		return ""
	}
	return key
}

func clarifyPrompt(task *tasktype.Task) string {
	return fmt.Sprintf(
		"Produce a plan for the following task. Respond with a JSON object "+
			"shaped as {\"summary\": string, \"plan\": {\"goal\": string, "+
			"\"assumptions\": [string], \"steps\": [{\"id\": string, \"type\": "+
			"\"code\"|\"test\", \"title\": string, \"command\": string}], "+
			"\"constraints\": {\"allowed_paths\": [string], \"forbidden_paths\": "+
			"[string], \"max_files_changed\": int}, \"questions\": [{\"id\": "+
			"string, \"text\": string, \"required\": bool}]}}.\n\n"+
			"Title: %s\nDescription: %s\n",
		task.Title, task.Description,
	)
}

func classifyPrompt(text string) string {
	return fmt.Sprintf(
		"Classify the intent of the following chat message as one of "+
			"\"approve\", \"reject\", \"clarify\", or \"unknown\". Respond with "+
			"a JSON object shaped as {\"intent\": string, \"confidence\": "+
			"number between 0 and 1, \"reason\": string}.\n\nMessage: %s\n",
		text,
	)
}

// invocationLogRecord is the structured JSON audit record written for
// every agent subprocess invocation, per SPEC_FULL.md §4.7/§6: "the exact
// command, workspace, return code, extracted text, full event list, and
// stderr."
type invocationLogRecord struct {
	TaskID    string                 `json:"task_id"`
	Operation string                 `json:"operation"`
	Command   []string               `json:"command"`
	Workspace string                 `json:"workspace"`
	ExitCode  int                    `json:"exit_code"`
	Text      string                 `json:"text,omitempty"`
	Events    []protocol.StreamEvent `json:"events"`
	Stderr    []string               `json:"stderr,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// writeInvocationLog writes {artifact_root}/{task_id}_{operation}.json,
// the per-invocation audit trail. Re-invoking the same operation for a
// task (e.g. a retried clarify) overwrites its predecessor, matching the
// single-file-per-operation layout SPEC_FULL.md §6 specifies.
func (a *Adapter) writeInvocationLog(taskID, operation string, workspace string, outcome *invocationOutcome) error {
	if a.ArtifactRoot == "" {
		return nil
	}
	record := invocationLogRecord{
		TaskID:    taskID,
		Operation: operation,
		Command:   outcome.commandLine,
		Workspace: workspace,
		ExitCode:  outcome.exitCode,
		Text:      outcome.text,
		Events:    outcome.events,
		Stderr:    outcome.stderr,
		Error:     outcome.errorText,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(a.ArtifactRoot, fmt.Sprintf("%s_%s.json", taskID, operation))
	return fsutil.AtomicWrite(path, append(data, '\n'))
}
