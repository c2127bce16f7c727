package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	domain "github.com/devforge/orchestrator/internal/domain"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

// fakeMemoryRepo is a minimal in-process double satisfying memoryrepo.Repo,
// standing in for a DB-backed store in pure compiler tests.
type fakeMemoryRepo struct {
	static   map[string]*domain.StaticMemory
	sessions map[uuid.UUID]*domain.SessionMemory
}

func newFakeMemoryRepo() *fakeMemoryRepo {
	return &fakeMemoryRepo{static: map[string]*domain.StaticMemory{}, sessions: map[uuid.UUID]*domain.SessionMemory{}}
}

func (f *fakeMemoryRepo) GetStatic(_ dbctx.Context, repo string) (*domain.StaticMemory, error) {
	return f.static[repo], nil
}
func (f *fakeMemoryRepo) UpsertStatic(_ dbctx.Context, m *domain.StaticMemory) (*domain.StaticMemory, error) {
	f.static[m.Repo] = m
	return m, nil
}
func (f *fakeMemoryRepo) GetSession(_ dbctx.Context, taskID uuid.UUID) (*domain.SessionMemory, error) {
	return f.sessions[taskID], nil
}
func (f *fakeMemoryRepo) PutSession(_ dbctx.Context, m *domain.SessionMemory) (*domain.SessionMemory, error) {
	f.sessions[m.TaskID] = m
	return m, nil
}

var _ memoryrepo.Repo = (*fakeMemoryRepo)(nil)

func TestCompile_PlannerDefaults_IssueAndRepoMapOnly(t *testing.T) {
	repo := newFakeMemoryRepo()
	taskID := uuid.New()
	repo.static["acme/widgets"] = &domain.StaticMemory{
		Repo:        "acme/widgets",
		Config:      datatypes.NewJSONType(domain.RepoConfig{Language: "go"}),
		Constraints: datatypes.NewJSONType(domain.RepoConstraints{MaxDiffLines: 400}),
	}
	repo.sessions[taskID] = &domain.SessionMemory{
		TaskID: taskID,
		Phase:  domain.PhasePlanning,
		Context: datatypes.NewJSONType(domain.SessionContext{
			IssueTitle:  "Add retry budget",
			IssueBody:   "Tasks should cap at maxAttempts",
			RepoSummary: "Go service, gin + gorm",
		}),
	}

	c := NewCompiler(repo, nil)
	task := &domain.Task{ID: taskID, Repo: "acme/widgets"}
	cc, err := c.Compile(context.Background(), Request{TaskID: taskID, AgentType: domain.RolePlanner, Include: DefaultInclude(domain.RolePlanner)}, task)
	require.NoError(t, err)

	require.Equal(t, "Add retry budget", cc.Variable.IssueTitle)
	require.Equal(t, "Go service, gin + gorm", cc.Variable.RepoSummary)
	require.Empty(t, cc.Variable.CurrentDiff, "planner must not receive diff context")
	require.Equal(t, 400, cc.Stable.MaxDiffLines)
}

func TestCompile_ChildTask_NoParentOrSiblingData(t *testing.T) {
	repo := newFakeMemoryRepo()
	parentID, childID := uuid.New(), uuid.New()
	repo.sessions[parentID] = &domain.SessionMemory{
		TaskID: parentID,
		Context: datatypes.NewJSONType(domain.SessionContext{IssueTitle: "parent secret plan"}),
	}
	repo.sessions[childID] = &domain.SessionMemory{
		TaskID: childID,
		Context: datatypes.NewJSONType(domain.SessionContext{IssueTitle: "child subtask"}),
	}

	c := NewCompiler(repo, nil)
	child := &domain.Task{ID: childID, ParentTaskID: &parentID, Repo: "acme/widgets"}
	cc, err := c.Compile(context.Background(), Request{TaskID: childID, AgentType: domain.RolePlanner, Include: DefaultInclude(domain.RolePlanner)}, child)
	require.NoError(t, err)

	require.Equal(t, "child subtask", cc.Variable.IssueTitle)
	require.NotContains(t, cc.Variable.IssueTitle, "parent secret plan")
}
