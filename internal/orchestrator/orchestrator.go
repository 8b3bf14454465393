// Package orchestrator is the composition layer: it wires the task store,
// plan validator, file-change policy, worktree manager, intent classifier,
// and agent adapter into the task lifecycle operations the webhook and CLI
// surfaces call.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/taskorch/internal/agentadapter"
	"github.com/taskorch/taskorch/internal/fsutil"
	"github.com/taskorch/taskorch/internal/intent"
	"github.com/taskorch/taskorch/internal/planvalidator"
	"github.com/taskorch/taskorch/internal/policy"
	"github.com/taskorch/taskorch/internal/statemachine"
	"github.com/taskorch/taskorch/internal/store"
	"github.com/taskorch/taskorch/internal/tasktype"
	"github.com/taskorch/taskorch/internal/worktree"
)

// ErrOrchestrator covers composed failures that do not originate in one of
// the lower-level packages: retry exhaustion, a missing plan at build
// time, and similar cross-cutting conditions.
var ErrOrchestrator = errors.New("orchestrator: operation failed")

// Orchestrator composes the task lifecycle. RepoPaths maps a repo's name
// (tasktype.Repo.Name) to the filesystem path of its base checkout, since
// the task record itself only carries the name (SPEC_FULL.md §3); the
// orchestrator is the owner of that out-of-band mapping.
type Orchestrator struct {
	Store      *store.Store
	Adapter    agentadapter.AgentAdapter
	Classifier *intent.Classifier
	Worktrees  *worktree.Manager

	ReportRoot string
	RepoPaths  map[string]string

	Logger *slog.Logger
}

// New returns an Orchestrator. A nil logger falls back to slog.Default.
func New(taskStore *store.Store, adapter agentadapter.AgentAdapter, classifier *intent.Classifier, worktrees *worktree.Manager, reportRoot string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Store:      taskStore,
		Adapter:    adapter,
		Classifier: classifier,
		Worktrees:  worktrees,
		ReportRoot: reportRoot,
		RepoPaths:  make(map[string]string),
		Logger:     logger,
	}
}

// CreateTask creates a task in state NEW and persists it.
func (o *Orchestrator) CreateTask(title, description string, source tasktype.Source, repo tasktype.Repo) (*tasktype.Task, error) {
	task := tasktype.NewTask(title, description, source, repo, 3, time.Now())
	if err := o.Store.Save(task); err != nil {
		return nil, err
	}
	return task, nil
}

// failTask records cause as the task's last error, force-transitions it to
// FAILED (directly, when the transition table has no FAILED edge from the
// current state, which among non-terminal states happens only when the
// task is already FAILED), and persists it. It returns
// the task and cause unchanged, so callers can `return o.failTask(...)`.
func (o *Orchestrator) failTask(task *tasktype.Task, cause error) (*tasktype.Task, error) {
	now := time.Now()
	task.Execution.LastError = cause.Error()
	if !task.State.Terminal() {
		if statemachine.Allowed(task.State, tasktype.StateFailed) {
			_ = statemachine.Transition(task, tasktype.StateFailed, now, map[string]any{"error": cause.Error()})
		} else {
			task.State = tasktype.StateFailed
			task.AppendEvent(now, tasktype.EventStateChange, "forced to FAILED outside the transition table", nil)
		}
	}
	task.AppendEvent(now, tasktype.EventRunFailed, cause.Error(), nil)
	if err := o.Store.Save(task); err != nil {
		o.Logger.Warn("failed to persist failed task", "task_id", task.TaskID, "error", err)
	}
	return task, cause
}

// ClarifyTask invokes the agent to turn a task's request into a validated
// plan: NEW -> CLARIFYING, adapter.Clarify, validate, CLARIFYING ->
// WAIT_APPROVAL.
func (o *Orchestrator) ClarifyTask(ctx context.Context, taskID string) (*tasktype.Task, error) {
	task, err := o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	if terr := statemachine.Transition(task, tasktype.StateClarifying, time.Now(), nil); terr != nil {
		return task, terr
	}
	if serr := o.Store.Save(task); serr != nil {
		return task, serr
	}

	result, cerr := o.Adapter.Clarify(ctx, task)
	if cerr != nil {
		return o.failTask(task, cerr)
	}

	plan := result.Plan
	plan.PlanID = uuid.New().String()
	plan.TaskID = task.TaskID
	if plan.Version == 0 {
		plan.Version = 1
	}
	plan.Metadata = tasktype.PlanMetadata{CreatedAt: time.Now(), CreatedBy: "agent"}

	if verrs := planvalidator.Validate(plan); len(verrs) > 0 {
		return o.failTask(task, verrs[0])
	}

	task.Plan = &plan
	task.Artifacts.ClarifySummary = result.Summary
	task.AppendEvent(time.Now(), tasktype.EventClarifyCompleted, "clarify completed", nil)

	if terr := statemachine.Transition(task, tasktype.StateWaitApproval, time.Now(), nil); terr != nil {
		return o.failTask(task, terr)
	}
	if serr := o.Store.Save(task); serr != nil {
		return task, serr
	}
	return task, nil
}

// ApproveTask records an explicit approval. It does not itself transition
// the task's state; RUNNING's precondition checks approval.is_approved().
func (o *Orchestrator) ApproveTask(taskID, approvedBy string) (*tasktype.Task, error) {
	task, err := o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	task.Approval.ApprovedBy = approvedBy
	task.Approval.ApprovedAt = &now
	task.AppendEvent(now, tasktype.EventApprovalGranted, fmt.Sprintf("approved by %s", approvedBy), nil)

	if err := o.Store.Save(task); err != nil {
		return task, err
	}
	return task, nil
}

// HandleApprovalMessage classifies a free-form chat message's intent and
// acts on it, but only while task is in WAIT_APPROVAL; outside that state
// the message is recorded as ignored and nothing else happens.
func (o *Orchestrator) HandleApprovalMessage(ctx context.Context, taskID, userID, text string) (*tasktype.Task, error) {
	task, err := o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	if task.State != tasktype.StateWaitApproval {
		task.AppendEvent(time.Now(), tasktype.EventApprovalIntentIgnored,
			"message received outside WAIT_APPROVAL", map[string]any{"user_id": userID})
		if serr := o.Store.Save(task); serr != nil {
			return task, serr
		}
		return task, nil
	}

	decision, cerr := o.Classifier.Classify(ctx, text, task)
	if cerr != nil {
		decision = intent.Decision{Intent: tasktype.IntentUnknown, Reason: "classifier error: " + cerr.Error()}
	}

	task.AppendEvent(time.Now(), tasktype.EventApprovalIntentDetected, string(decision.Intent),
		map[string]any{"confidence": decision.Confidence, "user_id": userID})

	switch decision.Intent {
	case tasktype.IntentApprove:
		now := time.Now()
		task.Approval.ApprovedBy = userID
		task.Approval.ApprovedAt = &now
		task.AppendEvent(now, tasktype.EventApprovalGranted, fmt.Sprintf("approved by %s via chat", userID), nil)
	case tasktype.IntentReject:
		if terr := statemachine.Transition(task, tasktype.StateCancelled, time.Now(),
			map[string]any{"reason": "rejected via chat"}); terr != nil {
			return task, terr
		}
	default:
		task.AppendEvent(time.Now(), tasktype.EventApprovalPending,
			"intent unclear, awaiting clarification", map[string]any{"user_id": userID})
	}

	if err := o.Store.Save(task); err != nil {
		return task, err
	}
	return task, nil
}

// ProvisionWorktree creates the task's isolated git worktree and records
// repoPath against task.Repo.Name for CleanupWorktree to reuse later.
func (o *Orchestrator) ProvisionWorktree(ctx context.Context, taskID, repoPath, worktreesRoot, branchPrefix string) (*tasktype.Task, error) {
	task, err := o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	branch, path, werr := o.Worktrees.Create(ctx, repoPath, taskID, task.Repo.BaseBranch, branchPrefix, worktreesRoot)
	if werr != nil {
		task.AppendEvent(time.Now(), tasktype.EventWorktreeFailed, werr.Error(), nil)
		if serr := o.Store.Save(task); serr != nil {
			o.Logger.Warn("failed to persist worktree failure", "task_id", taskID, "error", serr)
		}
		return task, werr
	}

	if task.Repo.Name != "" {
		o.RepoPaths[task.Repo.Name] = repoPath
	}
	task.Repo.WorktreePath = path
	task.Repo.Branch = branch
	task.AppendEvent(time.Now(), tasktype.EventWorktreeCreated,
		fmt.Sprintf("worktree created at %s on branch %s", path, branch), nil)

	if err := o.Store.Save(task); err != nil {
		return task, err
	}
	return task, nil
}

// CleanupWorktree removes the task's worktree. The base repo path is
// resolved from RepoPaths via task.Repo.Name, populated by an earlier
// ProvisionWorktree call for this repo.
func (o *Orchestrator) CleanupWorktree(ctx context.Context, taskID, worktreesRoot string, force bool) (*tasktype.Task, error) {
	task, err := o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	repoPath, ok := o.RepoPaths[task.Repo.Name]
	if !ok {
		return task, fmt.Errorf("%w: no known repo path for %q; provision a worktree first", ErrOrchestrator, task.Repo.Name)
	}

	if werr := o.Worktrees.Remove(ctx, repoPath, taskID, worktreesRoot, force); werr != nil {
		task.AppendEvent(time.Now(), tasktype.EventWorktreeFailed, werr.Error(), nil)
		if serr := o.Store.Save(task); serr != nil {
			o.Logger.Warn("failed to persist worktree cleanup failure", "task_id", taskID, "error", serr)
		}
		return task, werr
	}

	task.Repo.WorktreePath = ""
	task.Repo.Branch = ""
	task.AppendEvent(time.Now(), tasktype.EventWorktreeRemoved, "worktree removed", nil)

	if err := o.Store.Save(task); err != nil {
		return task, err
	}
	return task, nil
}

// testReport is the aggregate JSON artifact written at {reports_root}/
// {task_id}_test_report.json, per SPEC_FULL.md §6.
type testReport struct {
	TaskID      string              `json:"task_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Results     []tasktype.TestResult `json:"results"`
	Passed      bool                `json:"passed"`
}

// RunTask drives a WAIT_APPROVAL (or FAILED, on retry) task through
// RUNNING and TESTING to a terminal state. Any error along the way is
// caught by a single deferred closure that records last_error, forces the
// task to FAILED, persists it, and lets the original error propagate —
// replacing the ad hoc failure handling a naive per-step translation
// would otherwise scatter across this function.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string) (task *tasktype.Task, err error) {
	task, err = o.Store.Get(taskID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			task, err = o.failTask(task, err)
		}
	}()

	if task.Execution.Attempt >= task.Execution.MaxAttempts {
		err = fmt.Errorf("%w: max attempts (%d) exceeded for task %s", ErrOrchestrator, task.Execution.MaxAttempts, taskID)
		return task, err
	}
	task.Execution.Attempt++

	if terr := statemachine.Transition(task, tasktype.StateRunning, time.Now(), nil); terr != nil {
		err = terr
		return task, err
	}
	task.AppendEvent(time.Now(), tasktype.EventRunStarted,
		fmt.Sprintf("run attempt %d started", task.Execution.Attempt), nil)
	if serr := o.Store.Save(task); serr != nil {
		err = serr
		return task, err
	}

	if task.Plan == nil {
		err = fmt.Errorf("%w: task has no plan", ErrOrchestrator)
		return task, err
	}

	buildResult, berr := o.Adapter.Build(ctx, task)
	if berr != nil {
		err = berr
		return task, err
	}

	if perr := policy.Enforce(buildResult.ChangedFiles, task.Plan.Constraints); perr != nil {
		err = perr
		return task, err
	}

	task.Artifacts.ChangedFiles = buildResult.ChangedFiles
	task.Artifacts.DiffPath = buildResult.DiffPath
	task.AppendEvent(time.Now(), tasktype.EventBuildCompleted, "build completed",
		map[string]any{"changed_files": len(buildResult.ChangedFiles)})

	if terr := statemachine.Transition(task, tasktype.StateTesting, time.Now(), nil); terr != nil {
		err = terr
		return task, err
	}
	if serr := o.Store.Save(task); serr != nil {
		err = serr
		return task, err
	}

	var results []tasktype.TestResult
	allPassed := true
	for _, step := range task.Plan.Steps {
		if step.Type != tasktype.StepTypeTest {
			continue
		}
		tr, rerr := o.Adapter.RunTest(ctx, task, step.Command)
		if rerr != nil {
			err = rerr
			return task, err
		}
		results = append(results, tasktype.TestResult{
			StepID:     step.ID,
			Command:    step.Command,
			ExitCode:   tr.ExitCode,
			LogPath:    tr.LogPath,
			DurationMS: tr.DurationMS,
		})
		if tr.ExitCode != 0 {
			allPassed = false
			break
		}
	}
	task.Artifacts.TestResults = results

	report := testReport{
		TaskID:      task.TaskID,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
		Passed:      allPassed,
	}
	data, merr := json.MarshalIndent(report, "", "  ")
	if merr != nil {
		err = merr
		return task, err
	}
	reportPath := filepath.Join(o.ReportRoot, task.TaskID+"_test_report.json")
	if werr := fsutil.AtomicWrite(reportPath, append(data, '\n')); werr != nil {
		err = werr
		return task, err
	}
	task.Artifacts.TestReportPath = reportPath

	if !allPassed {
		// A failing test step is a normal task outcome, not an adapter or
		// orchestrator error: transition to FAILED directly with a literal
		// last_error instead of going through the deferred error-handling
		// path, which exists for invocation/policy/state-machine failures.
		const testFailureMessage = "One or more tests failed"
		now := time.Now()
		task.Execution.LastError = testFailureMessage
		if statemachine.Allowed(task.State, tasktype.StateFailed) {
			_ = statemachine.Transition(task, tasktype.StateFailed, now, map[string]any{"error": testFailureMessage})
		} else {
			task.State = tasktype.StateFailed
			task.AppendEvent(now, tasktype.EventStateChange, "forced to FAILED outside the transition table", nil)
		}
		task.AppendEvent(now, tasktype.EventRunFailed, testFailureMessage, nil)
		if serr := o.Store.Save(task); serr != nil {
			err = serr
			return task, err
		}
		return task, nil
	}

	if derr := statemachine.Transition(task, tasktype.StateDone, time.Now(), nil); derr != nil {
		err = derr
		return task, err
	}
	if serr := o.Store.Save(task); serr != nil {
		err = serr
		return task, err
	}

	return task, nil
}

// ChatRequirement is the normalized form of an inbound chat message:
// enough to either correlate it with an in-flight task or create a new
// one.
type ChatRequirement struct {
	Title  string
	Text   string
	Source tasktype.Source
}

// RepoConfig tells ProcessChatMessage where a newly created task's repo
// lives and how to provision its worktree.
type RepoConfig struct {
	Name          string
	BasePath      string
	BaseBranch    string
	BranchPrefix  string
	WorktreesRoot string
}

// PolicyFlags controls how much of the lifecycle ProcessChatMessage drives
// automatically versus leaving to a follow-up call.
type PolicyFlags struct {
	AutoClarify   bool
	AutoProvision bool
	AutoRun       bool
}

// ProcessChatMessage is the unified webhook entry point: it correlates the
// message with an in-flight WAIT_APPROVAL task by (chat_id, user_id), or
// creates a new task, and returns a human-facing reply alongside the
// affected task.
func (o *Orchestrator) ProcessChatMessage(ctx context.Context, req ChatRequirement, repo RepoConfig, flags PolicyFlags) (*tasktype.Task, string, error) {
	existing, err := o.findCorrelatedTask(req.Source.ChatID, req.Source.UserID)
	if err != nil {
		return nil, "", err
	}

	if existing != nil {
		return o.continueCorrelatedTask(ctx, existing.TaskID, req, repo, flags)
	}

	title := req.Title
	if title == "" {
		title = deriveTitle(req.Text)
	}
	task, cerr := o.CreateTask(title, req.Text, req.Source, tasktype.Repo{Name: repo.Name, BaseBranch: repo.BaseBranch})
	if cerr != nil {
		return nil, "", cerr
	}
	reply := fmt.Sprintf("任务 %s 已创建", task.TaskID)

	if flags.AutoClarify {
		clarified, clerr := o.ClarifyTask(ctx, task.TaskID)
		if clerr != nil {
			return clarified, reply, clerr
		}
		task = clarified
		reply = clarifyReplyText(task)
	}

	return task, reply, nil
}

func (o *Orchestrator) continueCorrelatedTask(ctx context.Context, taskID string, req ChatRequirement, repo RepoConfig, flags PolicyFlags) (*tasktype.Task, string, error) {
	task, herr := o.HandleApprovalMessage(ctx, taskID, req.Source.UserID, req.Text)
	if herr != nil {
		return task, "", herr
	}
	reply := approvalReplyText(task)

	if task.State != tasktype.StateWaitApproval || !task.Approval.IsApproved() {
		return task, reply, nil
	}

	if flags.AutoProvision && task.Repo.WorktreePath == "" {
		provisioned, perr := o.ProvisionWorktree(ctx, task.TaskID, repo.BasePath, repo.WorktreesRoot, repo.BranchPrefix)
		if perr != nil {
			return provisioned, reply, perr
		}
		task = provisioned
	}

	if flags.AutoRun {
		ran, rerr := o.RunTask(ctx, task.TaskID)
		if rerr != nil {
			return ran, reply, rerr
		}
		task = ran
	}

	return task, reply, nil
}

// findCorrelatedTask returns the most recently updated WAIT_APPROVAL task
// matching (chatID, userID), or nil if none matches.
func (o *Orchestrator) findCorrelatedTask(chatID, userID string) (*tasktype.Task, error) {
	tasks, err := o.Store.List()
	if err != nil {
		return nil, err
	}

	var best *tasktype.Task
	for _, t := range tasks {
		if t.State != tasktype.StateWaitApproval {
			continue
		}
		if t.Source.ChatID != chatID || t.Source.UserID != userID {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			best = t
		}
	}
	return best, nil
}

func approvalReplyText(task *tasktype.Task) string {
	if task.State == tasktype.StateCancelled {
		return "任务已取消"
	}
	if task.Approval.IsApproved() {
		return "任务已批准"
	}
	return "I couldn't tell if you approved — please reply 同意/取消"
}

func clarifyReplyText(task *tasktype.Task) string {
	if task.Artifacts.ClarifySummary != "" {
		return task.Artifacts.ClarifySummary
	}
	return fmt.Sprintf("任务 %s 等待批准", task.TaskID)
}

func deriveTitle(text string) string {
	title := strings.TrimSpace(text)
	if title == "" {
		return "untitled task"
	}
	const maxLen = 80
	if len(title) > maxLen {
		title = title[:maxLen]
	}
	return title
}
