package agentadapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/taskorch/internal/config"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// buildMockAgent compiles cmd/mockagent for use as a real subprocess in
// these tests, the same pattern the teacher uses for its supervisor tests.
func buildMockAgent(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mockagent")
	cmd := exec.Command("go", "build", "-o", path, "../../cmd/mockagent")
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "failed to build mockagent: %s", string(out))
	return path
}

func testAdapter(t *testing.T, mockAgentPath string, extraArgs ...string) *Adapter {
	cfg := config.AgentConfig{
		Cmd:      append([]string{mockAgentPath}, extraArgs...),
		Mode:     "sdk_bridge",
		TimeoutS: 10,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(cfg, t.TempDir(), logger)
}

func newTestTask(t *testing.T, worktree string) *tasktype.Task {
	t.Helper()
	task := tasktype.NewTask("add a feature", "please add it", tasktype.Source{}, tasktype.Repo{
		Name:         "repo",
		BaseBranch:   "main",
		WorktreePath: worktree,
		Branch:       "taskorch/test",
	}, 3, time.Now())
	return task
}

func TestAdapter_Clarify_DefaultPlan(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	adapter := testAdapter(t, mockAgentPath)
	task := newTestTask(t, t.TempDir())

	result, err := adapter.Clarify(context.Background(), task)
	require.NoError(t, err)
	assert.Contains(t, result.Summary, task.TaskID)
	require.Len(t, result.Plan.Steps, 2)
	assert.Equal(t, tasktype.StepTypeTest, result.Plan.Steps[1].Type)
	assert.Equal(t, 200, result.Usage.TotalTokens)
}

func TestAdapter_Clarify_ScriptedFatalEventIsError(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	scriptPath := writeScript(t, map[string]any{
		"responses": map[string]any{
			"plan": map[string]any{
				"events": []any{
					map[string]any{"type": "fatal", "message": "agent exploded"},
				},
			},
		},
	})
	adapter := testAdapter(t, mockAgentPath, "-script", scriptPath)
	task := newTestTask(t, t.TempDir())

	_, err := adapter.Clarify(context.Background(), task)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAgentInvocation)
	assert.Contains(t, err.Error(), "agent exploded")
}

func TestAdapter_CallClassifier_DefaultResponse(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	adapter := testAdapter(t, mockAgentPath)

	text, err := adapter.CallClassifier(context.Background(), "please approve", nil)
	require.NoError(t, err)
	assert.Contains(t, text, "approve")
}

func TestAdapter_Build_CapturesChangedFilesAndDiff(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	worktree := setupBuildTestRepo(t)
	// Simulate the agent having already made an edit before Build inspects
	// the worktree; the mock agent itself never touches the filesystem.
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "a.txt"), []byte("edited\n"), 0644))

	adapter := testAdapter(t, mockAgentPath)
	task := newTestTask(t, worktree)
	task.Plan = &tasktype.Plan{Goal: "edit a.txt", Steps: []tasktype.Step{
		{ID: "s1", Type: tasktype.StepTypeCode, Title: "edit a.txt"},
	}}

	result, err := adapter.Build(context.Background(), task)
	require.NoError(t, err)
	assert.Contains(t, result.ChangedFiles, "a.txt")
	assert.FileExists(t, result.DiffPath)

	data, err := os.ReadFile(result.DiffPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a.txt")
}

func TestAdapter_RunTest_WithoutContainer(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	adapter := testAdapter(t, mockAgentPath)
	task := newTestTask(t, t.TempDir())

	result, err := adapter.RunTest(context.Background(), task, "exit 0")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.FileExists(t, result.LogPath)
}

func TestAdapter_RunTest_NonZeroExitIsNotAnError(t *testing.T) {
	mockAgentPath := buildMockAgent(t)
	adapter := testAdapter(t, mockAgentPath)
	task := newTestTask(t, t.TempDir())

	result, err := adapter.RunTest(context.Background(), task, "exit 7")
	require.NoError(t, err)
	assert.Equal(t, 7, result.ExitCode)
}

func writeScript(t *testing.T, script map[string]any) string {
	t.Helper()
	data, err := json.Marshal(script)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "script.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}
