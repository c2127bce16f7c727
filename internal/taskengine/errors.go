package taskengine

import (
	"fmt"

	"github.com/google/uuid"
)

// VersionConflictError is returned when a transition loses an optimistic
// lock race (spec §4.4 "on conflict, the worker re-reads and retries the
// iteration"). It is not an application failure — the caller should simply
// requeue the task and try again on its next tick.
type VersionConflictError struct {
	TaskID uuid.UUID
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("taskengine: version conflict on task %s", e.TaskID)
}

// PolicyViolationError marks a task failure that is never retryable: a
// path-constraint or size-cap violation (spec §7 "Policy").
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string { return "policy_violation: " + e.Reason }
