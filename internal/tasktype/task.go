// Package tasktype defines the orchestrator's data model: the task record,
// its embedded plan, and the closed string enums that guard both against
// unrecognized values at the JSON-unmarshal boundary.
package tasktype

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the task's lifecycle state. The zero value is invalid; always
// construct via ParseState or one of the State* constants.
type State string

const (
	StateNew          State = "NEW"
	StateClarifying   State = "CLARIFYING"
	StateWaitApproval State = "WAIT_APPROVAL"
	StateRunning      State = "RUNNING"
	StateTesting      State = "TESTING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

func (s State) valid() bool {
	switch s {
	case StateNew, StateClarifying, StateWaitApproval, StateRunning, StateTesting, StateDone, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state has no outgoing transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled
}

// ParseState validates a raw string against the closed set of states.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.valid() {
		return "", fmt.Errorf("tasktype: unknown state %q", raw)
	}
	return s, nil
}

// UnmarshalJSON rejects states outside the closed set above.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// StepType discriminates a plan step as code-producing or test-running.
type StepType string

const (
	StepTypeCode StepType = "code"
	StepTypeTest StepType = "test"
)

func (t StepType) valid() bool {
	return t == StepTypeCode || t == StepTypeTest
}

// ParseStepType validates a raw string against the closed set of step types.
func ParseStepType(raw string) (StepType, error) {
	t := StepType(raw)
	if !t.valid() {
		return "", fmt.Errorf("tasktype: unknown step type %q", raw)
	}
	return t, nil
}

func (t *StepType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStepType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// QuestionStatus tracks whether a clarifying question still blocks RUNNING.
type QuestionStatus string

const (
	QuestionStatusOpen     QuestionStatus = "open"
	QuestionStatusAnswered QuestionStatus = "answered"
)

func (q QuestionStatus) valid() bool {
	return q == QuestionStatusOpen || q == QuestionStatusAnswered
}

// ParseQuestionStatus validates a raw string against the closed set.
func ParseQuestionStatus(raw string) (QuestionStatus, error) {
	q := QuestionStatus(raw)
	if !q.valid() {
		return "", fmt.Errorf("tasktype: unknown question status %q", raw)
	}
	return q, nil
}

func (q *QuestionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseQuestionStatus(raw)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Intent is the outcome of classifying a chat message during WAIT_APPROVAL.
type Intent string

const (
	IntentApprove Intent = "approve"
	IntentReject  Intent = "reject"
	IntentClarify Intent = "clarify"
	IntentUnknown Intent = "unknown"
)

func (i Intent) valid() bool {
	switch i {
	case IntentApprove, IntentReject, IntentClarify, IntentUnknown:
		return true
	default:
		return false
	}
}

// ParseIntent validates a raw string against the closed set of intents.
func ParseIntent(raw string) (Intent, error) {
	i := Intent(raw)
	if !i.valid() {
		return "", fmt.Errorf("tasktype: unknown intent %q", raw)
	}
	return i, nil
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseIntent(raw)
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// EventType is the closed vocabulary of append-only audit events.
type EventType string

const (
	EventTaskCreated           EventType = "task.created"
	EventStateChange           EventType = "state.change"
	EventClarifyCompleted      EventType = "clarify.completed"
	EventApprovalGranted       EventType = "approval.granted"
	EventApprovalIntentDetected EventType = "approval.intent.detected"
	EventApprovalPending       EventType = "approval.pending"
	EventApprovalIntentIgnored EventType = "approval.intent.ignored"
	EventBuildCompleted        EventType = "build.completed"
	EventRunStarted            EventType = "run.started"
	EventRunFailed             EventType = "run.failed"
	EventWorktreeCreated       EventType = "worktree.created"
	EventWorktreeRemoved       EventType = "worktree.removed"
	EventWorktreeFailed        EventType = "worktree.failed"
)

func (e EventType) valid() bool {
	switch e {
	case EventTaskCreated, EventStateChange, EventClarifyCompleted, EventApprovalGranted,
		EventApprovalIntentDetected, EventApprovalPending, EventApprovalIntentIgnored,
		EventBuildCompleted, EventRunStarted, EventRunFailed,
		EventWorktreeCreated, EventWorktreeRemoved, EventWorktreeFailed:
		return true
	default:
		return false
	}
}

// ParseEventType validates a raw string against the closed set of event types.
func ParseEventType(raw string) (EventType, error) {
	e := EventType(raw)
	if !e.valid() {
		return "", fmt.Errorf("tasktype: unknown event type %q", raw)
	}
	return e, nil
}

func (e *EventType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseEventType(raw)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Event is one append-only audit record attached to a task.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Source identifies where a task's originating chat message came from.
type Source struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// Repo tracks the source repository and, once provisioned, the isolated
// worktree assigned to this task.
type Repo struct {
	Name         string `json:"name"`
	BaseBranch   string `json:"base_branch"`
	WorktreePath string `json:"worktree_path,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

// Approval tracks whether a task's build phase may proceed.
type Approval struct {
	Required   bool       `json:"required"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
}

// IsApproved implements is_approved(): !required || (approved_by && approved_at).
func (a Approval) IsApproved() bool {
	if !a.Required {
		return true
	}
	return a.ApprovedBy != "" && a.ApprovedAt != nil
}

// Question is one clarifying question raised by the agent's plan.
type Question struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Required bool           `json:"required"`
	Status   QuestionStatus `json:"status"`
	Answer   string         `json:"answer,omitempty"`
}

// Step is one unit of work in a plan: either a code change or a test command.
type Step struct {
	ID      string   `json:"id"`
	Type    StepType `json:"type"`
	Title   string   `json:"title"`
	Command string   `json:"command,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// Constraints bound what a build phase is allowed to touch.
type Constraints struct {
	AllowedPaths    []string `json:"allowed_paths"`
	ForbiddenPaths  []string `json:"forbidden_paths"`
	MaxFilesChanged int      `json:"max_files_changed"`
}

// ApprovalGate records whether human approval is required before running or
// committing the plan's changes.
type ApprovalGate struct {
	RequiredBeforeRun    bool `json:"required_before_run"`
	RequiredBeforeCommit bool `json:"required_before_commit"`
}

// PlanMetadata is carried through the wire but not validated beyond presence.
type PlanMetadata struct {
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// Plan is the agent-produced, validated description of how to fulfill a task.
type Plan struct {
	PlanID       string       `json:"plan_id"`
	TaskID       string       `json:"task_id"`
	Version      int          `json:"version"`
	Goal         string       `json:"goal"`
	Assumptions  []string     `json:"assumptions,omitempty"`
	Constraints  Constraints  `json:"constraints"`
	Questions    []Question   `json:"questions,omitempty"`
	Steps        []Step       `json:"steps"`
	ApprovalGate ApprovalGate `json:"approval_gate"`
	Metadata     PlanMetadata `json:"metadata"`
}

// OpenRequiredQuestions returns the subset of required questions still open.
func (p Plan) OpenRequiredQuestions() []Question {
	var open []Question
	for _, q := range p.Questions {
		if q.Required && q.Status == QuestionStatusOpen {
			open = append(open, q)
		}
	}
	return open
}

// TestResult is the outcome of one executed test step.
type TestResult struct {
	StepID     string `json:"step_id"`
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	LogPath    string `json:"log_path,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Artifacts tracks files produced as the task progresses.
type Artifacts struct {
	ClarifySummary string       `json:"clarify_summary,omitempty"`
	DiffPath       string       `json:"diff_path,omitempty"`
	TestReportPath string       `json:"test_report_path,omitempty"`
	ChangedFiles   []string     `json:"changed_files,omitempty"`
	TestResults    []TestResult `json:"test_results,omitempty"`
}

// Execution tracks retry accounting and the most recent failure.
type Execution struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	LastError   string `json:"last_error,omitempty"`
}

// Task is the orchestrator's root entity.
type Task struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Source      Source `json:"source"`
	CreatedAt   time.Time `json:"created_at"`

	State     State     `json:"state"`
	Repo      Repo      `json:"repo"`
	Approval  Approval  `json:"approval"`
	Plan      *Plan     `json:"plan,omitempty"`
	Execution Execution `json:"execution"`
	Artifacts Artifacts `json:"artifacts"`
	EventLog  []Event   `json:"event_log"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskID builds an opaque, lexicographically sortable task identifier:
// a fixed-width UTC timestamp (yyyymmddThhmmss, nine fractional-second
// digits, Z), followed by an 8-character uuid suffix for uniqueness within
// the same instant. The fixed width keeps string order equal to time order.
func NewTaskID(now time.Time) string {
	ts := now.UTC().Format("20060102T150405.000000000Z")
	ts = strings.NewReplacer(":", "", ".", "", "-", "").Replace(ts)
	return fmt.Sprintf("%s-%s", ts, uuid.New().String()[:8])
}

// NewTask creates a task in state NEW with an empty plan and a fresh
// task.created event. max_attempts defaults to 3 if not positive.
func NewTask(title, description string, source Source, repo Repo, maxAttempts int, now time.Time) *Task {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	t := &Task{
		TaskID:      NewTaskID(now),
		Title:       title,
		Description: description,
		Source:      source,
		CreatedAt:   now,
		State:       StateNew,
		Repo:        repo,
		Approval:    Approval{Required: true},
		Execution:   Execution{MaxAttempts: maxAttempts},
		UpdatedAt:   now,
	}
	t.AppendEvent(now, EventTaskCreated, fmt.Sprintf("task %s created", t.TaskID), nil)
	return t
}

// AppendEvent appends an event and refreshes UpdatedAt; every task mutation
// must go through this so the event log stays append-only and in order.
func (t *Task) AppendEvent(at time.Time, eventType EventType, message string, payload map[string]any) {
	t.EventLog = append(t.EventLog, Event{
		Timestamp: at,
		EventType: eventType,
		Message:   message,
		Payload:   payload,
	})
	t.UpdatedAt = at
}
