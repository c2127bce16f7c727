package taskevent

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/eventbus"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Repo appends to and reads a task's event log. Rows are immutable: there
// is no Update or Delete.
type Repo interface {
	Append(dbc dbctx.Context, e *domain.TaskEvent) (*domain.TaskEvent, error)
	ListByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.TaskEvent, error)

	// ListSince pages across every task's events in creation order, for the
	// GET /api/events?since=cursor poll endpoint (spec §4.1, §6). cursor is
	// the CreatedAt of the last event the caller already has; zero value
	// returns from the beginning.
	ListSince(dbc dbctx.Context, since time.Time, limit int) ([]*domain.TaskEvent, error)
}

type repo struct {
	db  *gorm.DB
	log *logger.Logger
	bus eventbus.Publisher
}

// New wires a TaskEventRepo against db, fanning every appended event out to
// bus (pass eventbus.NewNoopPublisher() when NATS is not deployed).
func New(db *gorm.DB, bus eventbus.Publisher, baseLog *logger.Logger) Repo {
	if bus == nil {
		bus = eventbus.NewNoopPublisher()
	}
	return &repo{db: db, log: baseLog.With("repo", "TaskEventRepo"), bus: bus}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Append(dbc dbctx.Context, e *domain.TaskEvent) (*domain.TaskEvent, error) {
	if err := r.tx(dbc).WithContext(dbc.Context()).Create(e).Error; err != nil {
		return nil, err
	}
	// Fan out after the row is durably written; a dropped publish never
	// loses the event, only the live-tail notification of it.
	r.bus.Publish(e)
	return e, nil
}

func (r *repo) ListByTaskID(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.TaskEvent, error) {
	var out []*domain.TaskEvent
	err := r.tx(dbc).WithContext(dbc.Context()).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) ListSince(dbc dbctx.Context, since time.Time, limit int) ([]*domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.TaskEvent
	q := r.tx(dbc).WithContext(dbc.Context()).Order("created_at ASC").Limit(limit)
	if !since.IsZero() {
		q = q.Where("created_at > ?", since)
	}
	err := q.Find(&out).Error
	return out, err
}
