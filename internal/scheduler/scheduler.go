// Package scheduler implements the Scheduler/Worker Pool (spec §4.4): a
// fixed-size goroutine pool that claims runnable tasks and hands each one
// to its per-task Temporal workflow (internal/temporalx/taskrun), which
// advances the Task State Machine one edge at a time. It is grounded on
// the teacher's internal/jobs/worker.Worker for the claim/dependency-gate/
// panic-recovery discipline, and on the teacher's
// internal/temporalx/temporalworker.Runner for handing claimed work off to
// Temporal rather than stepping it in-process. The fan-out/fan-in
// reconciliation sweep (spec §4.6 steps 4-6) runs as a second ticker.
package scheduler

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/orchestrator"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
	"github.com/devforge/orchestrator/internal/taskengine"
	"github.com/devforge/orchestrator/internal/temporalx"
	"github.com/devforge/orchestrator/internal/temporalx/taskrun"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
)

// Config holds the Scheduler's polling/claim knobs (spec §6 "Configuration
// (recognized options)": workerConcurrency, retryDelay, staleRunningWindow).
type Config struct {
	Concurrency      int
	PollInterval     time.Duration
	RetryDelay       time.Duration
	StaleRunning     time.Duration
	HeartbeatEvery   time.Duration
	ReconcileEvery   time.Duration

	// StaleSweepCron is a cron expression for a coarser, module-wide sweep
	// that releases any task whose claim has gone stale (worker crashed
	// mid-step), independent of and slower than the per-tick claim loop's
	// own stale-heartbeat reclaim clause. Empty disables it.
	StaleSweepCron string
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    getEnvInt("WORKER_CONCURRENCY", 4),
		PollInterval:   1 * time.Second,
		RetryDelay:     30 * time.Second,
		StaleRunning:   10 * time.Minute,
		HeartbeatEvery: 30 * time.Second,
		ReconcileEvery: 5 * time.Second,
		StaleSweepCron: "@every 1m",
	}
}

// Recomputer is the narrow slice of services.JobService the Scheduler needs:
// a rollup refresh after any task transition that could change a job's
// aggregate status (spec §4.8). Declared locally to avoid an import cycle
// with internal/services.
type Recomputer interface {
	Recompute(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
}

// Scheduler owns the worker pool and the orchestration reconciliation
// sweep. It holds no task-graph knowledge of its own — that lives in
// taskengine.Engine (leaf transitions) and orchestrator.Orchestrator
// (fan-out/fan-in) — only the claim loop and lifecycle plumbing.
type Scheduler struct {
	db       *gorm.DB
	tasks    task.Repo
	engine   *taskengine.Engine
	orch     *orchestrator.Orchestrator
	jobs     Recomputer
	cfg      Config
	log      *logger.Logger
	cron     *cron.Cron
	temporal temporalsdkclient.Client
}

// New builds a Scheduler. temporal may be nil (Temporal not configured,
// e.g. local dev/test without a Temporal server): tick falls back to
// stepping the claimed task in-process via engine.Step, exactly as before
// this package started delegating to Temporal. In any environment with
// TEMPORAL_ADDRESS set, temporalx.NewClient returns a real client and every
// claimed task is instead handed to its per-task workflow.
func New(db *gorm.DB, tasks task.Repo, engine *taskengine.Engine, orch *orchestrator.Orchestrator, jobs Recomputer, cfg Config, baseLog *logger.Logger, temporal temporalsdkclient.Client) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Scheduler{
		db:       db,
		tasks:    tasks,
		engine:   engine,
		orch:     orch,
		jobs:     jobs,
		cfg:      cfg,
		log:      baseLog.With("component", "Scheduler"),
		temporal: temporal,
	}
}

// Start launches the worker pool, the reconciliation sweep, and the cron
// stale-claim sweep, returning once all are spawned; callers own cancelling
// ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("starting task scheduler", "concurrency", s.cfg.Concurrency)
	for i := 0; i < s.cfg.Concurrency; i++ {
		go s.runLoop(ctx, i+1)
	}
	go s.reconcileLoop(ctx)
	s.startStaleSweep(ctx)
}

// startStaleSweep registers a cron-scheduled full sweep that releases
// claims whose heartbeat has gone silent, independent of
// ClaimNextRunnable's own per-row reclaim clause. It exits with ctx rather
// than an explicit Stop call since Scheduler has no other shutdown hook.
func (s *Scheduler) startStaleSweep(ctx context.Context) {
	if s.cfg.StaleSweepCron == "" {
		return
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.StaleSweepCron, func() {
		if err := s.staleSweep(ctx); err != nil {
			s.log.Warn("stale sweep failed", "error", err)
		}
	})
	if err != nil {
		s.log.Warn("invalid stale sweep cron expression", "expr", s.cfg.StaleSweepCron, "error", err)
		return
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}()
}

// staleSweep clears locked_at/heartbeat_at on any task whose heartbeat
// predates StaleRunning, handing it back to the claim loop. This is the
// same condition ClaimNextRunnable's reclaim clause already tests per-row;
// running it again here on a slower cadence catches tasks that would
// otherwise wait for the claim loop's own query to happen to scan them.
func (s *Scheduler) staleSweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.StaleRunning)
	return s.db.WithContext(ctx).Model(&domain.Task{}).
		Where("locked_at IS NOT NULL AND heartbeat_at IS NOT NULL AND heartbeat_at < ?", cutoff).
		Updates(map[string]interface{}{"locked_at": nil, "heartbeat_at": nil}).Error
}

// runLoop is the per-goroutine claim/step/heartbeat cycle (spec §4.4
// "advances one state edge per iteration").
func (s *Scheduler) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler worker stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			s.tick(ctx, workerID)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, workerID int) {
	t, err := s.tasks.ClaimNextRunnable(dbctx.Context{Ctx: ctx, Tx: s.db}, s.engineMaxAttempts(), s.cfg.RetryDelay, s.cfg.StaleRunning)
	if err != nil {
		s.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
		return
	}
	if t == nil {
		return
	}

	// A child's dependsOn must all be COMPLETED before it is stepped (spec
	// §4.4, §4.6). ClaimNextRunnable has no JSONB-containment clause for
	// this, so the gate is enforced here, right after claim: an unready
	// child is simply released back (locked_at cleared) for the next tick,
	// rather than stepped and re-failed.
	if t.IsChild() && len(t.DependsOn) > 0 {
		ready, err := s.dependenciesSatisfied(ctx, t)
		if err != nil {
			s.log.Warn("dependency check failed", "task_id", t.ID, "error", err)
			s.release(ctx, t)
			return
		}
		if !ready {
			s.release(ctx, t)
			return
		}
	}

	if s.temporal == nil {
		s.stepInProcess(ctx, workerID, t)
		return
	}
	s.dispatchToWorkflow(ctx, workerID, t)
}

// stepInProcess is the pre-Temporal fallback path, used only when no
// Temporal client is configured: it advances t by exactly one edge
// in-process and releases the claim itself, the same way this package
// worked before internal/temporalx/taskrun existed.
func (s *Scheduler) stepInProcess(ctx context.Context, workerID int, t *domain.Task) {
	stopHB := s.startHeartbeat(ctx, t.ID)
	defer stopHB()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("task step panic", "worker_id", workerID, "task_id", t.ID, "panic", r)
			}
		}()
		if err := s.engine.Step(ctx, t); err != nil {
			s.log.Warn("task step failed", "worker_id", workerID, "task_id", t.ID, "status", t.Status, "error", err)
			return
		}
		s.recomputeJob(ctx, t.JobID)
	}()
}

// dispatchToWorkflow starts (or confirms) t's per-task Temporal workflow
// and immediately releases the DB-level claim: from here on the workflow
// owns t's progress through the Task State Machine, ticking ActivityTick
// (which itself recomputes the job rollup on every status change) until a
// terminal status is reached, so there is nothing left for this goroutine
// to heartbeat. A claim racing an already-running workflow for the same
// task id is expected and harmless — ExecuteWorkflow with
// WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE just reports
// WorkflowExecutionAlreadyStarted, which is treated as success.
func (s *Scheduler) dispatchToWorkflow(ctx context.Context, workerID int, t *domain.Task) {
	defer s.release(ctx, t)

	cfg := temporalx.LoadConfig()
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    t.ID.String(),
		TaskQueue:             cfg.TaskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	_, err := s.temporal.ExecuteWorkflow(ctx, opts, taskrun.WorkflowName, t.ID.String())
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return
		}
		s.log.Warn("failed to start task workflow", "worker_id", workerID, "task_id", t.ID, "error", err)
	}
}

// recomputeJob refreshes the job rollup after a step that may have changed
// a member task's status (spec §4.8 "recompute ... after every task
// transition"). Best-effort: a failed recompute is logged, not retried,
// since the next successful step on any sibling task will recompute again.
func (s *Scheduler) recomputeJob(ctx context.Context, jobID uuid.UUID) {
	if s.jobs == nil {
		return
	}
	if _, err := s.jobs.Recompute(ctx, jobID); err != nil {
		s.log.Warn("job recompute failed", "job_id", jobID, "error", err)
	}
}

// release clears a claim without advancing status, used when a task was
// claimed but is not actually eligible to run yet (dependency gate).
func (s *Scheduler) release(ctx context.Context, t *domain.Task) {
	_, err := s.tasks.UpdateWithVersion(dbctx.Context{Ctx: ctx, Tx: s.db}, t.ID, t.Version, map[string]interface{}{
		"locked_at":    nil,
		"heartbeat_at": nil,
	})
	if err != nil {
		s.log.Warn("failed to release unready claim", "task_id", t.ID, "error", err)
	}
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, t *domain.Task) (bool, error) {
	deps, err := s.tasks.GetByIDs(dbctx.Context{Ctx: ctx, Tx: s.db}, []uuid.UUID(t.DependsOn))
	if err != nil {
		return false, err
	}
	if len(deps) != len(t.DependsOn) {
		return false, nil
	}
	for _, d := range deps {
		if d.Status != domain.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (s *Scheduler) startHeartbeat(ctx context.Context, taskID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.tasks.Heartbeat(dbctx.Context{Ctx: ctx, Tx: s.db}, taskID); err != nil {
					s.log.Warn("heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (s *Scheduler) engineMaxAttempts() int {
	// ClaimNextRunnable's retry-delay clause is a coarse liveness filter;
	// the authoritative per-task cap (possibly task.MaxAttempts) is
	// enforced again inside taskengine.handleAgentFailure. A generous
	// shared ceiling here just keeps genuinely exhausted tasks out of the
	// claim query entirely.
	return 10
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
