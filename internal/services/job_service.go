// Package services hosts the Job Controller (spec §4.8): a pure
// status-derivation layer over the Task State Machine, grounded on the
// teacher's internal/services.JobService (same "recompute rollup from
// child rows, notify, never mutate status directly" shape, generalized
// from the teacher's ownerUserID-scoped JobRun rows to repo-scoped
// multi-task Jobs).
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/data/repos/job"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// JobService is the Job Controller's public surface (spec §4.8 operations:
// create, start, recompute-on-task-change, cancel).
type JobService interface {
	// CreateJob materializes a job and its root tasks (one per ticket) in
	// a single transaction, all starting in TaskNew so the Scheduler can
	// pick them up immediately (spec §4.8 "Create").
	CreateJob(ctx context.Context, repo string, tickets []Ticket) (*domain.Job, error)

	// Run admits a job's tasks to the Scheduler (spec §6 "POST
	// /api/jobs/{id}/run"). Root tasks are already created in TaskNew by
	// CreateJob and are claimable the moment they exist, so Run's only
	// remaining job is the status flip from pending to running and a
	// confirmation that the job still exists; this keeps create (define
	// the work) and run (admit it) as distinct calls without requiring a
	// held/draft task state that nothing else in the system needs.
	Run(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, limit, offset int) ([]*domain.Job, error)

	// Recompute derives Status/Summary from the job's current tasks and
	// persists the rollup (spec §4.8 "status is never set directly; it is
	// always derived"). Called by the Scheduler after every task
	// transition that could change a job's aggregate state.
	Recompute(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	// Cancel marks every non-terminal member task FAILED and the job
	// CANCELLED (spec §4.8 "Cancel"). It does not attempt to cancel an
	// in-flight agent call; the Scheduler's next Step on a cancelled task
	// is a no-op because Terminal() already holds.
	Cancel(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
}

// Ticket is one unit of work a caller asks CreateJob to materialize into a
// root task.
type Ticket struct {
	IssueRef string
	Title    string
	Body     string
}

type jobService struct {
	db    *gorm.DB
	log   *logger.Logger
	jobs  job.Repo
	tasks task.Repo
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, jobs job.Repo, tasks task.Repo) JobService {
	return &jobService{db: db, log: baseLog.With("service", "JobService"), jobs: jobs, tasks: tasks}
}

func (s *jobService) CreateJob(ctx context.Context, repoName string, tickets []Ticket) (*domain.Job, error) {
	if repoName == "" {
		return nil, fmt.Errorf("job: missing repo")
	}
	if len(tickets) == 0 {
		return nil, fmt.Errorf("job: at least one ticket is required")
	}

	var created *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		j := &domain.Job{ID: uuid.New(), Repo: repoName, Status: domain.JobPending}
		tasks := make([]*domain.Task, len(tickets))
		taskIDs := make([]uuid.UUID, len(tickets))
		for i, tk := range tickets {
			t := &domain.Task{
				ID:       uuid.New(),
				JobID:    j.ID,
				Repo:     repoName,
				IssueRef: tk.IssueRef,
				Status:   domain.TaskNew,
			}
			tasks[i] = t
			taskIDs[i] = t.ID
		}
		j.TaskIDs = taskIDs

		if _, err := s.jobs.Create(dbc, j); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if _, err := s.tasks.CreateMany(dbc, tasks); err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		created = j
		return nil
	})
	return created, err
}

func (s *jobService) Run(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.Context{Ctx: ctx, Tx: s.db}
	j, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job: %s not found", jobID)
	}
	if j.Status != domain.JobPending {
		return j, nil
	}
	members, err := s.tasks.GetByIDs(dbc, []uuid.UUID(j.TaskIDs))
	if err != nil {
		return nil, err
	}
	summary := domain.JobSummary{Total: len(members)}
	if err := s.jobs.UpdateRollup(dbc, jobID, domain.JobRunning, summary); err != nil {
		return nil, err
	}
	j.Status = domain.JobRunning
	j.Summary = datatypes.NewJSONType(summary)
	return j, nil
}

func (s *jobService) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobs.GetByID(dbctx.Context{Ctx: ctx, Tx: s.db}, id)
}

func (s *jobService) List(ctx context.Context, limit, offset int) ([]*domain.Job, error) {
	return s.jobs.List(dbctx.Context{Ctx: ctx, Tx: s.db}, limit, offset)
}

func (s *jobService) Recompute(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	dbc := dbctx.Context{Ctx: ctx, Tx: s.db}
	j, err := s.jobs.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, fmt.Errorf("job: %s not found", jobID)
	}

	members, err := s.tasks.GetByIDs(dbc, []uuid.UUID(j.TaskIDs))
	if err != nil {
		return nil, err
	}

	status, summary := deriveRollup(j.Status, members)
	if err := s.jobs.UpdateRollup(dbc, jobID, status, summary); err != nil {
		return nil, err
	}
	j.Status = status
	j.Summary = datatypes.NewJSONType(summary)
	return j, nil
}

func (s *jobService) Cancel(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var result *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		j, err := s.jobs.GetByID(dbc, jobID)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job: %s not found", jobID)
		}
		members, err := s.tasks.GetByIDs(dbc, []uuid.UUID(j.TaskIDs))
		if err != nil {
			return err
		}
		for _, t := range members {
			if t.Status.Terminal() {
				continue
			}
			if _, err := s.tasks.UpdateWithVersion(dbc, t.ID, t.Version, map[string]interface{}{
				"status":       domain.TaskFailed,
				"last_error":   "job cancelled",
				"locked_at":    nil,
				"heartbeat_at": nil,
			}); err != nil {
				return err
			}
		}
		summary := domain.JobSummary{Total: len(members)}
		if err := s.jobs.UpdateRollup(dbc, jobID, domain.JobCancelled, summary); err != nil {
			return err
		}
		j.Status = domain.JobCancelled
		j.Summary = datatypes.NewJSONType(summary)
		result = j
		return nil
	})
	return result, err
}

// deriveRollup implements spec §4.8's status-derivation table: pending
// while every task is still NEW, running while any task is in flight,
// completed only when every task is COMPLETED, partial when the mix of
// terminal tasks includes both successes and failures, failed when every
// task failed.
func deriveRollup(current domain.JobStatus, members []*domain.Task) (domain.JobStatus, domain.JobSummary) {
	summary := domain.JobSummary{Total: len(members)}
	if current.Terminal() && current == domain.JobCancelled {
		// Cancellation is sticky: a cancelled job's member tasks are all
		// forced terminal already and must not be recomputed back to
		// running/completed by a late Step.
		for _, t := range members {
			if t.Status == domain.TaskCompleted {
				summary.Completed++
			} else {
				summary.Failed++
			}
			appendPR(&summary, t)
		}
		return domain.JobCancelled, summary
	}

	allNew := true
	anyInProgress := false
	for _, t := range members {
		switch t.Status {
		case domain.TaskCompleted:
			summary.Completed++
			allNew = false
			appendPR(&summary, t)
		case domain.TaskFailed:
			summary.Failed++
			allNew = false
		case domain.TaskNew:
			summary.InProgress++
		default:
			summary.InProgress++
			anyInProgress = true
			allNew = false
		}
	}

	switch {
	case allNew:
		return domain.JobPending, summary
	case summary.Completed+summary.Failed == summary.Total && summary.Failed == 0:
		return domain.JobCompleted, summary
	case summary.Completed+summary.Failed == summary.Total && summary.Completed == 0:
		return domain.JobFailed, summary
	case summary.Completed+summary.Failed == summary.Total:
		return domain.JobPartial, summary
	case anyInProgress || summary.Completed > 0 || summary.Failed > 0:
		return domain.JobRunning, summary
	default:
		return domain.JobPending, summary
	}
}

func appendPR(summary *domain.JobSummary, t *domain.Task) {
	if t.PRRef != nil && *t.PRRef != "" {
		summary.PRs = append(summary.PRs, *t.PRRef)
	}
}
