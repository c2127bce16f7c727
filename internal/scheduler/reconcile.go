package scheduler

import (
	"context"
	"time"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

// reconcileLoop periodically sweeps orchestrated parents whose children may
// have finished since the last tick (spec §4.6 steps 4-6). It is a separate,
// slower ticker from the claim loop because aggregation reads a whole
// child set rather than claiming a single row.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("reconcile loop stopped")
			return
		case <-ticker.C:
			if err := s.reconcileTick(ctx); err != nil {
				s.log.Warn("reconcile tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) reconcileTick(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: s.db}
	parents, err := s.orchestratedParents(dbc)
	if err != nil {
		return err
	}
	for _, p := range parents {
		children, err := s.tasks.ListChildren(dbc, p.ID)
		if err != nil {
			s.log.Warn("list children failed", "task_id", p.ID, "error", err)
			continue
		}
		if len(children) == 0 {
			// Marked orchestratable by the Planner but not yet broken down
			// (spec §4.6 step 1).
			if err := s.orch.Breakdown(ctx, p); err != nil {
				s.log.Warn("breakdown failed", "task_id", p.ID, "error", err)
			}
			continue
		}
		changed, err := s.orch.ReconcileOne(ctx, p, children)
		if err != nil {
			s.log.Warn("reconcile parent failed", "task_id", p.ID, "error", err)
			continue
		}
		if changed {
			s.recomputeJob(ctx, p.JobID)
		}
	}
	return nil
}

// orchestratedParents lists every task currently parked as an orchestrated
// parent awaiting its children (IsOrchestrated && status == PLANNING_DONE).
// There is no dedicated repo method for this narrow, scheduler-only query,
// so it goes straight through gorm rather than growing task.Repo's general
// surface for one caller.
func (s *Scheduler) orchestratedParents(dbc dbctx.Context) ([]*domain.Task, error) {
	var out []*domain.Task
	err := s.db.WithContext(dbc.Ctx).
		Where("is_orchestrated = ? AND status = ?", true, domain.TaskPlanningDone).
		Find(&out).Error
	return out, err
}
