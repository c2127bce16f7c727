package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/testutil"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

// fakeTaskRepo is an in-process double satisfying task.Repo, sufficient for
// exercising the Scheduler's pure dependency-gating logic without a
// database.
type fakeTaskRepo struct {
	byID map[uuid.UUID]*domain.Task
}

func newFakeTaskRepo(tasks ...*domain.Task) *fakeTaskRepo {
	f := &fakeTaskRepo{byID: map[uuid.UUID]*domain.Task{}}
	for _, tk := range tasks {
		f.byID[tk.ID] = tk
	}
	return f
}

func (f *fakeTaskRepo) Create(_ dbctx.Context, t *domain.Task) (*domain.Task, error) {
	f.byID[t.ID] = t
	return t, nil
}
func (f *fakeTaskRepo) CreateMany(_ dbctx.Context, ts []*domain.Task) ([]*domain.Task, error) {
	for _, t := range ts {
		f.byID[t.ID] = t
	}
	return ts, nil
}
func (f *fakeTaskRepo) GetByID(_ dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	return f.byID[id], nil
}
func (f *fakeTaskRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*domain.Task, error) {
	out := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := f.byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTaskRepo) ListByJobID(_ dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.byID {
		if t.JobID == jobID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTaskRepo) ListChildren(_ dbctx.Context, parentTaskID uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, t := range f.byID {
		if t.ParentTaskID != nil && *t.ParentTaskID == parentTaskID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTaskRepo) ClaimNextRunnable(_ dbctx.Context, _ int, _ time.Duration, _ time.Duration) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) UpdateWithVersion(_ dbctx.Context, id uuid.UUID, expectedVersion int, updates map[string]interface{}) (bool, error) {
	t, ok := f.byID[id]
	if !ok || t.Version != expectedVersion {
		return false, nil
	}
	if v, ok := updates["locked_at"]; ok && v == nil {
		t.LockedAt = nil
	}
	if v, ok := updates["heartbeat_at"]; ok && v == nil {
		t.HeartbeatAt = nil
	}
	t.Version++
	return true, nil
}
func (f *fakeTaskRepo) Heartbeat(_ dbctx.Context, id uuid.UUID) error { return nil }

var _ task.Repo = (*fakeTaskRepo)(nil)

func newTestScheduler(t *testing.T, repo task.Repo) *Scheduler {
	return New(nil, repo, nil, nil, nil, DefaultConfig(), testutil.Logger(t), nil)
}

func TestDependenciesSatisfied_AllDepsCompleted_True(t *testing.T) {
	dep1 := &domain.Task{ID: uuid.New(), Status: domain.TaskCompleted}
	dep2 := &domain.Task{ID: uuid.New(), Status: domain.TaskCompleted}
	child := &domain.Task{
		ID:        uuid.New(),
		DependsOn: []uuid.UUID{dep1.ID, dep2.ID},
	}
	s := newTestScheduler(t, newFakeTaskRepo(dep1, dep2, child))

	ready, err := s.dependenciesSatisfied(context.Background(), child)
	require.NoError(t, err)
	require.True(t, ready)
}

func TestDependenciesSatisfied_OneDepNotCompleted_False(t *testing.T) {
	dep1 := &domain.Task{ID: uuid.New(), Status: domain.TaskCompleted}
	dep2 := &domain.Task{ID: uuid.New(), Status: domain.TaskCoding}
	child := &domain.Task{
		ID:        uuid.New(),
		DependsOn: []uuid.UUID{dep1.ID, dep2.ID},
	}
	s := newTestScheduler(t, newFakeTaskRepo(dep1, dep2, child))

	ready, err := s.dependenciesSatisfied(context.Background(), child)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestDependenciesSatisfied_MissingDep_False(t *testing.T) {
	child := &domain.Task{
		ID:        uuid.New(),
		DependsOn: []uuid.UUID{uuid.New()},
	}
	s := newTestScheduler(t, newFakeTaskRepo(child))

	ready, err := s.dependenciesSatisfied(context.Background(), child)
	require.NoError(t, err)
	require.False(t, ready)
}

func TestRelease_ClearsClaimWithoutAdvancingStatus(t *testing.T) {
	tk := &domain.Task{ID: uuid.New(), Status: domain.TaskCoding, Version: 3}
	repo := newFakeTaskRepo(tk)
	s := newTestScheduler(t, repo)

	s.release(context.Background(), tk)

	stored := repo.byID[tk.ID]
	require.Nil(t, stored.LockedAt)
	require.Nil(t, stored.HeartbeatAt)
	require.Equal(t, domain.TaskCoding, stored.Status, "release must never advance the task's status")
	require.Equal(t, 4, stored.Version)
}
