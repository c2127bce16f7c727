package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Repo is the persistence boundary for tasks. ClaimNextRunnable is the
// Scheduler's only entry point into the table; every other method is a
// plain CRUD/query helper used by the Job Controller, Orchestrator, and
// HTTP handlers.
type Repo interface {
	Create(dbc dbctx.Context, t *domain.Task) (*domain.Task, error)
	CreateMany(dbc dbctx.Context, ts []*domain.Task) ([]*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Task, error)
	ListByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error)
	ListChildren(dbc dbctx.Context, parentTaskID uuid.UUID) ([]*domain.Task, error)

	// ClaimNextRunnable atomically selects and locks the oldest runnable
	// task (new, due for retry, or abandoned by a stale worker), bumping
	// Version so a concurrent claim on the same row is impossible.
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*domain.Task, error)

	// UpdateWithVersion applies updates only if the row is still at
	// expectedVersion, bumping Version by one. Returns false (no error) on
	// a version conflict so callers can decide whether to retry.
	UpdateWithVersion(dbc dbctx.Context, id uuid.UUID, expectedVersion int, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, t *domain.Task) (*domain.Task, error) {
	if err := r.tx(dbc).WithContext(dbc.Context()).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func (r *repo) CreateMany(dbc dbctx.Context, ts []*domain.Task) ([]*domain.Task, error) {
	if len(ts) == 0 {
		return ts, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Context()).Create(&ts).Error; err != nil {
		return nil, err
	}
	return ts, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	err := r.tx(dbc).WithContext(dbc.Context()).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *repo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	if len(ids) == 0 {
		return out, nil
	}
	err := r.tx(dbc).WithContext(dbc.Context()).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

func (r *repo) ListByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	err := r.tx(dbc).WithContext(dbc.Context()).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ListChildren(dbc dbctx.Context, parentTaskID uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	err := r.tx(dbc).WithContext(dbc.Context()).
		Where("parent_task_id = ?", parentTaskID).
		Order("subtask_index ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*domain.Task, error) {
	transaction := r.tx(dbc)
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)

	var claimed *domain.Task
	err := transaction.WithContext(dbc.Context()).Transaction(func(txx *gorm.DB) error {
		var t domain.Task
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					status IN ? AND locked_at IS NULL
				)
				OR (
					status IN ?
					AND attempt_count < ?
					AND (updated_at IS NULL OR updated_at < ?)
				)
				OR (
					locked_at IS NOT NULL
					AND heartbeat_at IS NOT NULL
					AND heartbeat_at < ?
				)
			`,
				[]domain.TaskStatus{domain.TaskNew, domain.TaskPlanningDone, domain.TaskCodingDone, domain.TaskTestsPassed, domain.TaskReviewApproved},
				[]domain.TaskStatus{domain.TaskTestsFailed, domain.TaskReviewRejected}, maxAttempts, retryCutoff,
				staleCutoff,
			).
			Order("created_at ASC")
		qErr := q.First(&t).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		res := txx.Model(&domain.Task{}).
			Where("id = ? AND version = ?", t.ID, t.Version).
			Updates(map[string]interface{}{
				"version":      t.Version + 1,
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost a race to another claimer between SELECT and UPDATE
			return nil
		}
		t.Version++
		t.LockedAt = &now
		t.HeartbeatAt = &now
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) UpdateWithVersion(dbc dbctx.Context, id uuid.UUID, expectedVersion int, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	updates["version"] = expectedVersion + 1

	res := r.tx(dbc).WithContext(dbc.Context()).
		Model(&domain.Task{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now()
	return r.tx(dbc).WithContext(dbc.Context()).
		Model(&domain.Task{}).
		Where("id = ? AND locked_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
