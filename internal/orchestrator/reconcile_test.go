package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	domain "github.com/devforge/orchestrator/internal/domain"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/data/repos/testutil"
	"github.com/devforge/orchestrator/internal/eventbus"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
)

// newReconcileHarness wires a real Postgres-backed task/taskevent/memory
// repo stack (gated on TEST_POSTGRES_DSN like internal/taskengine's
// engine_test.go), with no agents or LLM provider since ReconcileOne never
// invokes an agent directly — it only reads already-terminal children and
// runs the Diff Aggregator.
func newReconcileHarness(t *testing.T) (*Orchestrator, task.Repo, taskevent.Repo) {
	t.Helper()
	db := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)

	tasks := task.New(db, log)
	events := taskevent.New(db, eventbus.NewNoopPublisher(), log)
	mem := memoryrepo.New(db, log)

	cfg := DefaultConfig()
	o := New(db, tasks, events, mem, nil, nil, nil, cfg, log)
	return o, tasks, events
}

func diffA() string {
	return "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,0 +11,2 @@\n" +
		"+func A() {}\n" +
		"+func B() {}\n"
}

func diffBDisjoint() string {
	return "diff --git a/pkg/b.go b/pkg/b.go\n" +
		"--- a/pkg/b.go\n" +
		"+++ b/pkg/b.go\n" +
		"@@ -30,0 +31,1 @@\n" +
		"+func C() {}\n"
}

func diffCOverlapping() string {
	return "diff --git a/pkg/a.go b/pkg/a.go\n" +
		"--- a/pkg/a.go\n" +
		"+++ b/pkg/a.go\n" +
		"@@ -10,2 +11,1 @@\n" +
		"-old line\n" +
		"+replacement\n"
}

func newParent(t *testing.T, tasks task.Repo) *domain.Task {
	t.Helper()
	p := &domain.Task{
		ID:             uuid.New(),
		JobID:          uuid.New(),
		Repo:           "acme/widgets",
		IssueRef:       "7",
		Status:         domain.TaskPlanningDone,
		IsOrchestrated: true,
		MaxAttempts:    3,
	}
	created, err := tasks.Create(dbctx.Context{Ctx: context.Background()}, p)
	require.NoError(t, err)
	return created
}

func newChild(t *testing.T, tasks task.Repo, parentID uuid.UUID, status domain.TaskStatus, diff string, targetFiles []string) *domain.Task {
	t.Helper()
	var diffPtr *string
	if diff != "" {
		diffPtr = pointers.String(diff)
	}
	c := &domain.Task{
		ID:           uuid.New(),
		JobID:        uuid.New(),
		Repo:         "acme/widgets",
		IssueRef:     "7",
		Status:       status,
		MaxAttempts:  3,
		ParentTaskID: &parentID,
		CurrentDiff:  diffPtr,
		TargetFiles:  targetFiles,
	}
	created, err := tasks.Create(dbctx.Context{Ctx: context.Background()}, c)
	require.NoError(t, err)
	return created
}

func TestReconcileOne_AllChildrenCompleted_DisjointFiles_MergesAndAdvancesParent(t *testing.T) {
	ctx := context.Background()
	o, tasks, events := newReconcileHarness(t)

	parent := newParent(t, tasks)
	childA := newChild(t, tasks, parent.ID, domain.TaskCompleted, diffA(), []string{"pkg/a.go"})
	childB := newChild(t, tasks, parent.ID, domain.TaskCompleted, diffBDisjoint(), []string{"pkg/b.go"})

	advanced, err := o.ReconcileOne(ctx, parent, []*domain.Task{childA, childB})
	require.NoError(t, err)
	require.True(t, advanced)

	final, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCodingDone, final.Status, "a clean merge must advance the parent into the ordinary coding-done review path")
	require.NotNil(t, final.CurrentDiff)
	require.Contains(t, *final.CurrentDiff, "pkg/a.go")
	require.Contains(t, *final.CurrentDiff, "pkg/b.go")

	evs, err := events.ListByTaskID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	found := false
	for _, e := range evs {
		if e.Type == domain.EventSubtasksMerged {
			found = true
		}
	}
	require.True(t, found)
}

func TestReconcileOne_ConflictingDiffs_EscalatesToWaitingHuman(t *testing.T) {
	ctx := context.Background()
	o, tasks, events := newReconcileHarness(t)

	parent := newParent(t, tasks)
	childA := newChild(t, tasks, parent.ID, domain.TaskCompleted, diffA(), []string{"pkg/a.go"})
	childC := newChild(t, tasks, parent.ID, domain.TaskCompleted, diffCOverlapping(), []string{"pkg/a.go"})

	advanced, err := o.ReconcileOne(ctx, parent, []*domain.Task{childA, childC})
	require.NoError(t, err)
	require.True(t, advanced)

	final, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskWaitingHuman, final.Status, "an unresolved hunk overlap must escalate rather than silently picking a side")
	require.NotNil(t, final.LastError)

	evs, err := events.ListByTaskID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	found := false
	for _, e := range evs {
		if e.Type == domain.EventEscalatedHuman {
			found = true
		}
	}
	require.True(t, found)
}

func TestReconcileOne_AnyChildFailed_FailsParent(t *testing.T) {
	ctx := context.Background()
	o, tasks, events := newReconcileHarness(t)

	parent := newParent(t, tasks)
	childA := newChild(t, tasks, parent.ID, domain.TaskCompleted, diffA(), []string{"pkg/a.go"})
	childFailed := newChild(t, tasks, parent.ID, domain.TaskFailed, "", nil)

	advanced, err := o.ReconcileOne(ctx, parent, []*domain.Task{childA, childFailed})
	require.NoError(t, err)
	require.True(t, advanced)

	final, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskFailed, final.Status, "one exhausted child must fail the whole parent, spec §4.6 step 6")

	evs, err := events.ListByTaskID(dbctx.Context{Ctx: ctx}, parent.ID)
	require.NoError(t, err)
	found := false
	for _, e := range evs {
		if e.Type == domain.EventTaskFailed {
			found = true
		}
	}
	require.True(t, found)
}
