// Package planvalidator checks an agent-produced plan for structural
// soundness before the orchestrator lets it gate a RUNNING transition.
package planvalidator

import (
	"errors"
	"fmt"

	"github.com/taskorch/taskorch/internal/tasktype"
)

// ErrPlanValidation wraps every violation Validate reports.
var ErrPlanValidation = errors.New("plan validation failed")

// Validate returns every structural violation found in plan, in a single
// pass (not fail-fast), so a caller can report them all at once.
func Validate(plan tasktype.Plan) []error {
	var errs []error

	if plan.PlanID == "" {
		errs = append(errs, fmt.Errorf("%w: plan_id is required", ErrPlanValidation))
	}
	if plan.TaskID == "" {
		errs = append(errs, fmt.Errorf("%w: task_id is required", ErrPlanValidation))
	}
	if plan.Goal == "" {
		errs = append(errs, fmt.Errorf("%w: goal is required", ErrPlanValidation))
	}
	if len(plan.Constraints.AllowedPaths) == 0 {
		errs = append(errs, fmt.Errorf("%w: constraints.allowed_paths must be non-empty", ErrPlanValidation))
	}
	if plan.Constraints.MaxFilesChanged <= 0 {
		errs = append(errs, fmt.Errorf("%w: constraints.max_files_changed must be > 0", ErrPlanValidation))
	}
	if len(plan.Steps) == 0 {
		errs = append(errs, fmt.Errorf("%w: at least one step is required", ErrPlanValidation))
	}

	seenIDs := make(map[string]bool, len(plan.Steps))
	hasCode, hasTest := false, false
	for _, step := range plan.Steps {
		if step.ID == "" {
			errs = append(errs, fmt.Errorf("%w: step has empty id", ErrPlanValidation))
		} else if seenIDs[step.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate step id %q", ErrPlanValidation, step.ID))
		}
		seenIDs[step.ID] = true

		switch step.Type {
		case tasktype.StepTypeCode:
			hasCode = true
		case tasktype.StepTypeTest:
			hasTest = true
			if step.Command == "" {
				errs = append(errs, fmt.Errorf("%w: test step %q has no command", ErrPlanValidation, step.ID))
			}
		}
	}

	if !hasCode {
		errs = append(errs, fmt.Errorf("%w: plan must contain at least one code step", ErrPlanValidation))
	}
	if !hasTest {
		errs = append(errs, fmt.Errorf("%w: plan must contain at least one test step", ErrPlanValidation))
	}

	return errs
}

// AssertValid returns the first violation Validate reports, or nil if the
// plan is valid.
func AssertValid(plan tasktype.Plan) error {
	errs := Validate(plan)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}
