// Package statemachine enforces the task lifecycle's fixed transition
// table and the additional preconditions some transitions carry.
package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskorch/taskorch/internal/tasktype"
)

// ErrInvalidTransition is returned when a transition is not in the
// allowed-targets table, or a target-entry precondition fails.
var ErrInvalidTransition = errors.New("statemachine: invalid transition")

var allowedTargets = map[tasktype.State]map[tasktype.State]bool{
	tasktype.StateNew: {
		tasktype.StateClarifying: true,
		tasktype.StateFailed:     true,
		tasktype.StateCancelled:  true,
	},
	tasktype.StateClarifying: {
		tasktype.StateWaitApproval: true,
		tasktype.StateFailed:       true,
		tasktype.StateCancelled:    true,
	},
	tasktype.StateWaitApproval: {
		tasktype.StateRunning:   true,
		tasktype.StateFailed:    true,
		tasktype.StateCancelled: true,
	},
	tasktype.StateRunning: {
		tasktype.StateTesting:   true,
		tasktype.StateFailed:    true,
		tasktype.StateCancelled: true,
	},
	tasktype.StateTesting: {
		tasktype.StateDone:      true,
		tasktype.StateFailed:    true,
		tasktype.StateCancelled: true,
	},
	tasktype.StateFailed: {
		tasktype.StateRunning:   true,
		tasktype.StateCancelled: true,
	},
	tasktype.StateDone:      {},
	tasktype.StateCancelled: {},
}

// Allowed reports whether from -> to is in the transition table, ignoring
// target-entry preconditions.
func Allowed(from, to tasktype.State) bool {
	targets, ok := allowedTargets[from]
	if !ok {
		return false
	}
	return targets[to]
}

// checkPreconditions validates the additional, target-specific entry
// preconditions beyond table membership.
func checkPreconditions(task *tasktype.Task, to tasktype.State) error {
	switch to {
	case tasktype.StateRunning:
		if !task.Approval.IsApproved() {
			return fmt.Errorf("%w: approval not satisfied", ErrInvalidTransition)
		}
		if task.Plan == nil {
			return fmt.Errorf("%w: plan is not present", ErrInvalidTransition)
		}
		if open := task.Plan.OpenRequiredQuestions(); len(open) > 0 {
			return fmt.Errorf("%w: %d required question(s) still open", ErrInvalidTransition, len(open))
		}
	case tasktype.StateTesting:
		if task.Artifacts.DiffPath == "" {
			return fmt.Errorf("%w: artifacts.diff_path is not set", ErrInvalidTransition)
		}
	case tasktype.StateDone:
		if task.Artifacts.TestReportPath == "" {
			return fmt.Errorf("%w: artifacts.test_report_path is not set", ErrInvalidTransition)
		}
	}
	return nil
}

// Transition moves task from its current state to `to`, validating the
// table and preconditions, appending a state.change event, and updating
// task.State. The event's payload carries {from, to} plus any extra keys
// the caller supplies in payload.
func Transition(task *tasktype.Task, to tasktype.State, at time.Time, payload map[string]any) error {
	from := task.State
	if !Allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s is not permitted", ErrInvalidTransition, from, to)
	}
	if err := checkPreconditions(task, to); err != nil {
		return err
	}

	merged := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range payload {
		merged[k] = v
	}

	task.State = to
	task.AppendEvent(at, tasktype.EventStateChange,
		fmt.Sprintf("task transitioned %s -> %s", from, to), merged)
	return nil
}
