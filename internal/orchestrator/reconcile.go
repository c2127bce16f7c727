package orchestrator

import (
	"context"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/diffmerge"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
)

// ReconcileOne inspects one orchestrated parent's children and advances the
// parent exactly when spec §4.6 steps 4-6 say to: all children terminal and
// COMPLETED -> aggregate and move the parent to CODING_DONE (so the engine's
// ordinary applyAndValidate/runReviewer/createPR path runs the merged diff
// through review and PR creation); any child FAILED and its retry budget
// exhausted -> fail the parent; a conflict the aggregator cannot resolve ->
// WAITING_HUMAN with a conflict report event.
//
// Callers (the Scheduler's reconciliation sweep) are expected to call this
// once per orchestrated, still-PLANNING_DONE parent on each tick; it is a
// no-op (returns nil, false) while children are still in flight.
func (o *Orchestrator) ReconcileOne(ctx context.Context, parent *domain.Task, children []*domain.Task) (bool, error) {
	if !parent.IsOrchestrated || parent.Status != domain.TaskPlanningDone {
		return false, nil
	}

	allTerminal := true
	anyFailed := false
	for _, c := range children {
		if !c.Status.Terminal() {
			allTerminal = false
			break
		}
		if c.Status == domain.TaskFailed {
			anyFailed = true
		}
	}
	if !allTerminal {
		return false, nil
	}

	if anyFailed {
		return true, o.failParent(ctx, parent, children)
	}

	inputs := make([]diffmerge.SubtaskDiff, 0, len(children))
	for _, c := range children {
		if c.CurrentDiff == nil {
			continue
		}
		inputs = append(inputs, diffmerge.SubtaskDiff{
			SubtaskID:   c.ID.String(),
			Diff:        *c.CurrentDiff,
			TargetFiles: []string(c.TargetFiles),
		})
	}

	result, err := o.aggregator.Aggregate(inputs)
	if err != nil {
		return true, o.failParentWithError(ctx, parent, fmt.Errorf("diff aggregation: %w", err))
	}
	if !result.AutoResolved() {
		return true, o.escalateConflict(ctx, parent, result)
	}

	return true, o.landMergedDiff(ctx, parent, children, result)
}

func (o *Orchestrator) landMergedDiff(ctx context.Context, parent *domain.Task, children []*domain.Task, result diffmerge.Result) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		session, err := o.loadOrInitSession(dbc, parent)
		if err != nil {
			return err
		}
		orch := domain.OrchestrationState{MergedDiff: result.Diff}
		for _, c := range children {
			orch.CompletedSubtasks = append(orch.CompletedSubtasks, c.ID)
		}
		session.Orchestration = &datatypes.JSONType[domain.OrchestrationState]{}
		*session.Orchestration = datatypes.NewJSONType(orch)
		session.Phase = domain.PhaseTesting
		if _, err := o.memory.PutSession(dbc, session); err != nil {
			return err
		}

		ev := &domain.TaskEvent{
			TaskID:        parent.ID,
			Type:          domain.EventSubtasksMerged,
			OutputSummary: pointers.String(fmt.Sprintf("merged %d subtask diffs, %d files changed", len(children), len(result.Summaries))),
		}
		if _, err := o.events.Append(dbc, ev); err != nil {
			return err
		}

		_, err = o.tasks.UpdateWithVersion(dbc, parent.ID, parent.Version, map[string]interface{}{
			"status":         domain.TaskCodingDone,
			"current_diff":   result.Diff,
			"commit_message": fmt.Sprintf("merge %d subtasks for %s", len(children), parent.IssueRef),
			"locked_at":      nil,
			"heartbeat_at":   nil,
		})
		return err
	})
}

func (o *Orchestrator) escalateConflict(ctx context.Context, parent *domain.Task, result diffmerge.Result) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		session, err := o.loadOrInitSession(dbc, parent)
		if err != nil {
			return err
		}
		orch := domain.OrchestrationState{ConflictCount: len(result.Conflicts.Conflicts)}
		session.Orchestration = &datatypes.JSONType[domain.OrchestrationState]{}
		*session.Orchestration = datatypes.NewJSONType(orch)
		if _, err := o.memory.PutSession(dbc, session); err != nil {
			return err
		}

		ev := &domain.TaskEvent{
			TaskID:        parent.ID,
			Type:          domain.EventEscalatedHuman,
			OutputSummary: pointers.String(fmt.Sprintf("%d unresolved diff conflicts across subtasks", len(result.Conflicts.Conflicts))),
		}
		if _, err := o.events.Append(dbc, ev); err != nil {
			return err
		}

		_, err = o.tasks.UpdateWithVersion(dbc, parent.ID, parent.Version, map[string]interface{}{
			"status":       domain.TaskWaitingHuman,
			"last_error":   "unresolved diff conflicts between subtasks",
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
		return err
	})
}

func (o *Orchestrator) failParent(ctx context.Context, parent *domain.Task, children []*domain.Task) error {
	var failedTitles []string
	for _, c := range children {
		if c.Status == domain.TaskFailed {
			failedTitles = append(failedTitles, c.ID.String())
		}
	}
	return o.failParentWithError(ctx, parent, fmt.Errorf("subtasks failed: %v", failedTitles))
}

func (o *Orchestrator) failParentWithError(ctx context.Context, parent *domain.Task, cause error) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		ev := &domain.TaskEvent{
			TaskID:        parent.ID,
			Type:          domain.EventTaskFailed,
			OutputSummary: pointers.String(cause.Error()),
		}
		if _, err := o.events.Append(dbc, ev); err != nil {
			return err
		}
		_, err := o.tasks.UpdateWithVersion(dbc, parent.ID, parent.Version, map[string]interface{}{
			"status":       domain.TaskFailed,
			"last_error":   cause.Error(),
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
		return err
	})
}
