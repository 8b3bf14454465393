package tasktype

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState_RejectsUnknown(t *testing.T) {
	_, err := ParseState("BOGUS")
	assert.Error(t, err)
}

func TestParseState_AcceptsKnown(t *testing.T) {
	s, err := ParseState("RUNNING")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, s)
}

func TestState_UnmarshalJSON_RejectsUnknown(t *testing.T) {
	var s State
	err := json.Unmarshal([]byte(`"NOT_A_STATE"`), &s)
	assert.Error(t, err)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateRunning.Terminal())
}

func TestParseStepType(t *testing.T) {
	_, err := ParseStepType("docs")
	assert.Error(t, err)

	st, err := ParseStepType("test")
	require.NoError(t, err)
	assert.Equal(t, StepTypeTest, st)
}

func TestParseIntent(t *testing.T) {
	_, err := ParseIntent("maybe")
	assert.Error(t, err)

	i, err := ParseIntent("approve")
	require.NoError(t, err)
	assert.Equal(t, IntentApprove, i)
}

func TestParseEventType(t *testing.T) {
	_, err := ParseEventType("task.deleted")
	assert.Error(t, err)

	e, err := ParseEventType("worktree.created")
	require.NoError(t, err)
	assert.Equal(t, EventWorktreeCreated, e)
}

func TestApproval_IsApproved(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	notRequired := Approval{Required: false}
	assert.True(t, notRequired.IsApproved())

	requiredUnapproved := Approval{Required: true}
	assert.False(t, requiredUnapproved.IsApproved())

	requiredApproved := Approval{Required: true, ApprovedBy: "u1", ApprovedAt: &now}
	assert.True(t, requiredApproved.IsApproved())
}

func TestPlan_OpenRequiredQuestions(t *testing.T) {
	plan := Plan{
		Questions: []Question{
			{ID: "q1", Required: true, Status: QuestionStatusOpen},
			{ID: "q2", Required: true, Status: QuestionStatusAnswered},
			{ID: "q3", Required: false, Status: QuestionStatusOpen},
		},
	}
	open := plan.OpenRequiredQuestions()
	require.Len(t, open, 1)
	assert.Equal(t, "q1", open[0].ID)
}

func TestNewTaskID_SortableByCreationOrder(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := time.Date(2026, 1, 1, 10, 0, 1, 0, time.UTC)

	id1 := NewTaskID(t1)
	id2 := NewTaskID(t2)

	assert.Less(t, id1, id2)
	assert.NotContains(t, id1, ":")
}

func TestNewTask_AppendsCreatedEvent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := NewTask("Implement retry", "add exponential backoff", Source{Type: "chat"}, Repo{Name: "r1"}, 0, now)

	require.Len(t, task.EventLog, 1)
	assert.Equal(t, EventTaskCreated, task.EventLog[0].EventType)
	assert.Equal(t, StateNew, task.State)
	assert.Equal(t, 3, task.Execution.MaxAttempts)
	assert.True(t, task.Approval.Required)
	assert.Equal(t, now, task.UpdatedAt)
}

func TestTask_AppendEvent_RefreshesUpdatedAt(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	task := NewTask("t", "d", Source{}, Repo{}, 1, t0)

	task.AppendEvent(t1, EventStateChange, "NEW -> CLARIFYING", nil)

	require.Len(t, task.EventLog, 2)
	assert.Equal(t, t1, task.UpdatedAt)
}

func TestTask_RoundTripJSON(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	task := NewTask("t", "d", Source{Type: "chat", UserID: "u1", ChatID: "c1"}, Repo{Name: "r1", BaseBranch: "main"}, 2, now)
	task.Plan = &Plan{
		PlanID: "p1",
		TaskID: task.TaskID,
		Goal:   "do the thing",
		Constraints: Constraints{
			AllowedPaths:    []string{"**"},
			MaxFilesChanged: 5,
		},
		Steps: []Step{
			{ID: "s1", Type: StepTypeCode, Title: "change"},
			{ID: "s2", Type: StepTypeTest, Title: "verify", Command: "go test ./..."},
		},
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))

	// Per SPEC_FULL.md §8's round-trip law (Task -> JSON -> Task is
	// identity), compare the whole struct, not just a few fields.
	if diff := cmp.Diff(task, &decoded); diff != "" {
		t.Errorf("task round-trip mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, task.TaskID, decoded.TaskID)
	assert.Equal(t, task.State, decoded.State)
	require.NotNil(t, decoded.Plan)
	assert.Equal(t, task.Plan.Goal, decoded.Plan.Goal)
	assert.Len(t, decoded.Plan.Steps, 2)
}
