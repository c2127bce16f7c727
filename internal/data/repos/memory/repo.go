package memory

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Repo persists the two halves of the Context Compiler's working set:
// StaticMemory (one row per repo, slow-changing) and SessionMemory (one row
// per task, replaced wholesale on every phase transition).
type Repo interface {
	GetStatic(dbc dbctx.Context, repoName string) (*domain.StaticMemory, error)
	UpsertStatic(dbc dbctx.Context, m *domain.StaticMemory) (*domain.StaticMemory, error)

	GetSession(dbc dbctx.Context, taskID uuid.UUID) (*domain.SessionMemory, error)
	PutSession(dbc dbctx.Context, m *domain.SessionMemory) (*domain.SessionMemory, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, baseLog *logger.Logger) Repo {
	return &repo{db: db, log: baseLog.With("repo", "MemoryRepo")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) GetStatic(dbc dbctx.Context, repoName string) (*domain.StaticMemory, error) {
	var m domain.StaticMemory
	err := r.tx(dbc).WithContext(dbc.Context()).Where("repo = ?", repoName).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repo) UpsertStatic(dbc dbctx.Context, m *domain.StaticMemory) (*domain.StaticMemory, error) {
	err := r.tx(dbc).WithContext(dbc.Context()).
		Where("repo = ?", m.Repo).
		Assign(m).
		FirstOrCreate(m).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *repo) GetSession(dbc dbctx.Context, taskID uuid.UUID) (*domain.SessionMemory, error) {
	var m domain.SessionMemory
	err := r.tx(dbc).WithContext(dbc.Context()).Where("task_id = ?", taskID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repo) PutSession(dbc dbctx.Context, m *domain.SessionMemory) (*domain.SessionMemory, error) {
	err := r.tx(dbc).WithContext(dbc.Context()).
		Where("task_id = ?", m.TaskID).
		Assign(m).
		FirstOrCreate(m).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}
