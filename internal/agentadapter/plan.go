package agentadapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskorch/taskorch/internal/tasktype"
)

// defaultTestCommand is used when the agent's plan supplies a test step
// with an empty command, or when a test step is synthesized outright.
const defaultTestCommand = "go test ./..."

// Default constraints applied when the agent's plan omits them entirely,
// matching the conventions of the repositories this adapter drives
// against.
var (
	defaultAllowedPaths    = []string{"internal/**", "cmd/**", "pkg/**"}
	defaultForbiddenPaths  = []string{".git/**", "secrets/**"}
	defaultMaxFilesChanged = 20
)

// planEnvelope tolerates a clarify response that wraps the plan in a
// {"summary": ..., "plan": {...}} envelope, the shape mockagent and the
// documented CLI tools in the ecosystem use.
type planEnvelope struct {
	Summary string       `json:"summary"`
	Plan    tasktype.Plan `json:"plan"`
}

// parsePlanJSON extracts a summary and plan from the agent's clarify
// response text, tolerating surrounding prose or a markdown code fence. It
// first tries the {"summary","plan"} envelope, then falls back to parsing
// the object directly as a bare Plan for agents that skip the wrapper.
func parsePlanJSON(text string) (string, tasktype.Plan, error) {
	object := extractBalancedObject(text)

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(object), &envelope); err == nil && len(envelope.Plan.Steps) > 0 {
		applyPlanDefaults(&envelope.Plan)
		return envelope.Summary, envelope.Plan, nil
	}

	var plan tasktype.Plan
	if err := json.Unmarshal([]byte(object), &plan); err != nil {
		return "", tasktype.Plan{}, fmt.Errorf("%w: failed to parse plan JSON: %v", ErrAgentInvocation, err)
	}
	applyPlanDefaults(&plan)
	return envelope.Summary, plan, nil
}

// applyPlanDefaults normalizes a plan parsed from agent output so it
// passes planvalidator.Validate even when the agent's response is
// incomplete: it fills in blank test commands, synthesizes a missing code
// or test step, and defaults constraints left unset. An agent that forgets
// a test step, or omits constraints entirely, should not abort the task.
func applyPlanDefaults(plan *tasktype.Plan) {
	for i := range plan.Steps {
		if plan.Steps[i].Type == tasktype.StepTypeTest && plan.Steps[i].Command == "" {
			plan.Steps[i].Command = defaultTestCommand
		}
	}

	if len(plan.Steps) == 0 {
		plan.Steps = []tasktype.Step{
			{ID: "s_code", Type: tasktype.StepTypeCode, Title: "Implement required changes"},
			{ID: "s_test", Type: tasktype.StepTypeTest, Title: "Run tests", Command: defaultTestCommand},
		}
	} else {
		var hasCode, hasTest bool
		for _, step := range plan.Steps {
			switch step.Type {
			case tasktype.StepTypeCode:
				hasCode = true
			case tasktype.StepTypeTest:
				hasTest = true
			}
		}
		if !hasCode {
			plan.Steps = append([]tasktype.Step{
				{ID: "s_code", Type: tasktype.StepTypeCode, Title: "Implement required changes"},
			}, plan.Steps...)
		}
		if !hasTest {
			plan.Steps = append(plan.Steps, tasktype.Step{
				ID: "s_test", Type: tasktype.StepTypeTest, Title: "Run tests", Command: defaultTestCommand,
			})
		}
	}

	if len(plan.Constraints.AllowedPaths) == 0 {
		plan.Constraints.AllowedPaths = append([]string(nil), defaultAllowedPaths...)
	}
	if len(plan.Constraints.ForbiddenPaths) == 0 {
		plan.Constraints.ForbiddenPaths = append([]string(nil), defaultForbiddenPaths...)
	}
	if plan.Constraints.MaxFilesChanged == 0 {
		plan.Constraints.MaxFilesChanged = defaultMaxFilesChanged
	}
}

// extractBalancedObject returns the first balanced {...} object in text,
// tolerating a ```json fence or surrounding prose. Mirrors
// internal/intent's extraction, which operates on an unrelated response
// shape and so is not shared directly.
func extractBalancedObject(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	var fenced []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				break
			}
			inFence = true
			continue
		}
		if inFence {
			fenced = append(fenced, line)
		}
	}
	if len(fenced) > 0 {
		return strings.Join(fenced, "\n")
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return text
	}
	depth := 0
	end := start
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
				i = len(text)
			}
		}
	}
	return text[start:end]
}
