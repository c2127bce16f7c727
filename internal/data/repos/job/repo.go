package job

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Repo is the persistence boundary for jobs. Jobs are never claimed by a
// worker; only the Job Controller writes to Status/Summary, and only after
// recomputing them from the job's tasks.
type Repo interface {
	Create(dbc dbctx.Context, j *domain.Job) (*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	List(dbc dbctx.Context, limit, offset int) ([]*domain.Job, error)
	UpdateRollup(dbc dbctx.Context, id uuid.UUID, status domain.JobStatus, summary domain.JobSummary) error
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Create(dbc dbctx.Context, j *domain.Job) (*domain.Job, error) {
	if err := r.tx(dbc).WithContext(dbc.Context()).Create(j).Error; err != nil {
		return nil, err
	}
	return j, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var j domain.Job
	err := r.tx(dbc).WithContext(dbc.Context()).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *repo) List(dbc dbctx.Context, limit, offset int) ([]*domain.Job, error) {
	var out []*domain.Job
	q := r.tx(dbc).WithContext(dbc.Context()).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	err := q.Find(&out).Error
	return out, err
}

func (r *repo) UpdateRollup(dbc dbctx.Context, id uuid.UUID, status domain.JobStatus, summary domain.JobSummary) error {
	return r.tx(dbc).WithContext(dbc.Context()).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  status,
			"summary": datatypes.NewJSONType(summary),
		}).Error
}
