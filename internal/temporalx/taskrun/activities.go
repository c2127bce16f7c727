package taskrun

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
	"github.com/devforge/orchestrator/internal/taskengine"

	"go.temporal.io/sdk/activity"
)

// Recomputer is the narrow slice of services.JobService the activity needs
// to refresh a job's rollup status after a step changes a member task's
// status (spec §4.8). Declared locally, same as scheduler.Recomputer, to
// avoid an import cycle with internal/services.
type Recomputer interface {
	Recompute(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
}

// Activities wraps the Task State Machine for Temporal: Tick is the single
// activity a workflow.Workflow execution calls once per loop iteration, one
// for one with the teacher's jobrun.Activities.Tick dispatching once per
// loop iteration into a job-type registry handler. Here there is no
// registry: the dispatch target is always taskengine.Engine.Step, since
// the graph it advances is the fixed state machine, not a pluggable job
// type.
type Activities struct {
	Log        *logger.Logger
	DB         *gorm.DB
	Tasks      task.Repo
	Engine     *taskengine.Engine
	Jobs       Recomputer
	RetryDelay time.Duration
}

// Tick loads taskID, advances it by exactly one state edge via
// Engine.Step, and reports the resulting status so the workflow can decide
// whether to stop, wait for an external signal, or sleep and tick again
// (spec §4.3/§4.4).
func (a *Activities) Tick(ctx context.Context, taskID string) (TickResult, error) {
	res := TickResult{TaskID: strings.TrimSpace(taskID)}
	if a == nil || a.DB == nil || a.Tasks == nil || a.Engine == nil {
		return res, fmt.Errorf("taskrun: activity not configured")
	}

	id, err := uuid.Parse(res.TaskID)
	if err != nil || id == uuid.Nil {
		return res, fmt.Errorf("taskrun: invalid task_id")
	}

	dbc := dbctx.Context{Ctx: ctx, Tx: a.DB}
	t, err := a.Tasks.GetByID(dbc, id)
	if err != nil {
		return res, err
	}
	if t == nil {
		return res, fmt.Errorf("taskrun: task not found")
	}
	if t.Status.Terminal() {
		res.Status = string(t.Status)
		res.Attempt = t.AttemptCount
		return res, nil
	}

	stopHB := a.startHeartbeat(ctx)
	defer stopHB()

	preStatus := t.Status
	func() {
		defer func() {
			if r := recover(); r != nil {
				if a.Log != nil {
					a.Log.Error("task step panic", "task_id", id, "panic", r)
				}
			}
		}()
		if stepErr := a.Engine.Step(ctx, t); stepErr != nil && a.Log != nil {
			a.Log.Warn("task step failed", "task_id", id, "status", t.Status, "error", stepErr)
		}
	}()

	updated, err := a.Tasks.GetByID(dbc, id)
	if err != nil {
		return res, err
	}
	if updated == nil {
		return res, fmt.Errorf("taskrun: task not found after tick")
	}

	res.Status = string(updated.Status)
	res.Attempt = updated.AttemptCount
	if updated.LastError != nil {
		res.Message = *updated.LastError
	}

	if updated.Status != preStatus && a.Jobs != nil {
		if _, rerr := a.Jobs.Recompute(ctx, updated.JobID); rerr != nil && a.Log != nil {
			a.Log.Warn("job recompute failed", "job_id", updated.JobID, "error", rerr)
		}
	}

	// A tick that leaves the task in the same non-terminal status it
	// started in is a self-loop retry: handleAgentFailure re-armed the
	// same status after a transient agent/transport failure rather than
	// advancing an edge. Back off before the workflow ticks again instead
	// of hammering the agent (mirrors the teacher's WaitUntil/nextWait
	// handling of a job still not ready to progress).
	if updated.Status == preStatus && !updated.Status.Terminal() {
		wait := time.Now().Add(a.retryDelay())
		res.WaitUntil = &wait
	}

	return res, nil
}

func (a *Activities) retryDelay() time.Duration {
	if a.RetryDelay > 0 {
		return a.RetryDelay
	}
	return 30 * time.Second
}

// startHeartbeat keeps Temporal's activity timeout detector satisfied
// while a single Step call (bounded by the engine's own per-agent
// wall-clock budget) is in flight.
func (a *Activities) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
