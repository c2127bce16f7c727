package taskengine_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/devforge/orchestrator/internal/agent"
	domain "github.com/devforge/orchestrator/internal/domain"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/data/repos/testutil"
	"github.com/devforge/orchestrator/internal/eventbus"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/taskengine"
)

// fakeInvoker is a hand-written agent.Invoker: each call pops the next
// canned (output, error) pair off a queue, standing in for the LLM-backed
// roles so the engine's state-machine logic can be exercised without a
// network call (spec §4.5 "Agent<I,O>" is a pure interface contract; this
// is the in-process double for it, the taskengine analogue of
// memory/compiler_test.go's fakeMemoryRepo).
type fakeInvoker struct {
	role    domain.AgentRole
	outputs []any
	errs    []error
	calls   int
}

func (f *fakeInvoker) Role() domain.AgentRole { return f.role }

func (f *fakeInvoker) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, agent.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var out any
	if i < len(f.outputs) {
		out = f.outputs[i]
	} else if len(f.outputs) > 0 {
		out = f.outputs[len(f.outputs)-1]
	}
	return out, agent.Result{Model: "fake", TokensUsed: 10, DurationMs: 1}, err
}

func newHarness(t *testing.T, planner, coder, fixer, validator, reviewer *fakeInvoker) (*taskengine.Engine, task.Repo, taskevent.Repo, *domain.Task) {
	t.Helper()
	db := testutil.Tx(t, testutil.DB(t))
	log := testutil.Logger(t)

	tasks := task.New(db, log)
	events := taskevent.New(db, eventbus.NewNoopPublisher(), log)
	mem := memoryrepo.New(db, log)
	compiler := memory.NewCompiler(mem, nil)

	registry := agent.NewRegistry()
	for _, inv := range []*fakeInvoker{planner, coder, fixer, validator, reviewer} {
		if inv == nil {
			continue
		}
		require.NoError(t, registry.Register(inv))
	}

	cfg := taskengine.Config{MaxAttemptsPerTask: 3, OrchestrationEnabled: true, OrchestrationThreshold: domain.ComplexityM}
	engine := taskengine.New(db, tasks, events, mem, compiler, registry, nil, nil, cfg, log)

	tk := &domain.Task{
		ID:          uuid.New(),
		JobID:       uuid.New(),
		Repo:        "acme/widgets",
		IssueRef:    "42",
		Status:      domain.TaskNew,
		MaxAttempts: 3,
	}
	created, err := tasks.Create(dbctx.Context{Ctx: context.Background()}, tk)
	require.NoError(t, err)
	return engine, tasks, events, created
}

func validDiff(path string) string {
	return "diff --git a/" + path + " b/" + path + "\n--- a/" + path + "\n+++ b/" + path + "\n@@ -1,0 +1,1 @@\n+x\n"
}

func stepUntil(t *testing.T, ctx context.Context, engine *taskengine.Engine, tasks task.Repo, taskID uuid.UUID, target domain.TaskStatus, maxIterations int) *domain.Task {
	t.Helper()
	var current *domain.Task
	for i := 0; i < maxIterations; i++ {
		var err error
		current, err = tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
		require.NoError(t, err)
		if current.Status == target || current.Status.Terminal() {
			return current
		}
		require.NoError(t, engine.Step(ctx, current))
	}
	t.Fatalf("did not reach status %s within %d iterations (last status %s)", target, maxIterations, current.Status)
	return nil
}

func TestEngine_HappyPath_Monolithic(t *testing.T) {
	ctx := context.Background()

	planner := &fakeInvoker{role: domain.RolePlanner, outputs: []any{domain.PlannerOutput{
		DefinitionOfDone: []string{"fixes the bug"},
		Plan:             []string{"edit the file"},
		TargetFiles:      []string{"internal/foo.go"},
		Complexity:       domain.ComplexityS,
	}}}
	coder := &fakeInvoker{role: domain.RoleCoder, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "fix foo", FilesTouched: []string{"internal/foo.go"},
	}}}
	validator := &fakeInvoker{role: domain.RoleValidator, outputs: []any{domain.ValidatorOutput{Passed: true}}}
	reviewer := &fakeInvoker{role: domain.RoleReviewer, outputs: []any{domain.ReviewerOutput{Approved: true}}}

	engine, tasks, events, tk := newHarness(t, planner, coder, nil, validator, reviewer)

	current := stepUntil(t, ctx, engine, tasks, tk.ID, domain.TaskWaitingHuman, 10)
	require.Equal(t, domain.TaskWaitingHuman, current.Status)
	require.Equal(t, 0, current.AttemptCount)

	require.NoError(t, engine.MarkMerged(ctx, current))
	final, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, final.Status)

	evs, err := events.ListByTaskID(dbctx.Context{Ctx: ctx}, tk.ID)
	require.NoError(t, err)
	var types []domain.TaskEventType
	for _, e := range evs {
		types = append(types, e.Type)
	}
	require.Contains(t, types, domain.EventDiffApplied)
	require.Contains(t, types, domain.EventPRCreated)
	require.Contains(t, types, domain.EventHumanResolved)
}

func TestEngine_OneValidationFailure_ThenFix_Completes(t *testing.T) {
	ctx := context.Background()

	planner := &fakeInvoker{role: domain.RolePlanner, outputs: []any{domain.PlannerOutput{
		TargetFiles: []string{"internal/foo.go"}, Complexity: domain.ComplexityS,
	}}}
	coder := &fakeInvoker{role: domain.RoleCoder, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "attempt 1", FilesTouched: []string{"internal/foo.go"},
	}}}
	fixer := &fakeInvoker{role: domain.RoleFixer, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "attempt 2", FilesTouched: []string{"internal/foo.go"},
	}}}
	validator := &fakeInvoker{role: domain.RoleValidator, outputs: []any{
		domain.ValidatorOutput{Passed: false, FailedChecks: []string{"tsc: T1234"}, FailureSummary: "type error"},
		domain.ValidatorOutput{Passed: true},
	}}
	reviewer := &fakeInvoker{role: domain.RoleReviewer, outputs: []any{domain.ReviewerOutput{Approved: true}}}

	engine, tasks, _, tk := newHarness(t, planner, coder, fixer, validator, reviewer)

	current := stepUntil(t, ctx, engine, tasks, tk.ID, domain.TaskWaitingHuman, 10)
	require.Equal(t, domain.TaskWaitingHuman, current.Status)
	require.Equal(t, 1, current.AttemptCount, "one fixer cycle should have consumed exactly one attempt")

	require.NoError(t, engine.MarkMerged(ctx, current))
	final, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, tk.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TaskCompleted, final.Status)
}

func TestEngine_ExhaustsAttempts_EndsFailed(t *testing.T) {
	ctx := context.Background()

	planner := &fakeInvoker{role: domain.RolePlanner, outputs: []any{domain.PlannerOutput{
		TargetFiles: []string{"internal/foo.go"}, Complexity: domain.ComplexityS,
	}}}
	coder := &fakeInvoker{role: domain.RoleCoder, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "attempt", FilesTouched: []string{"internal/foo.go"},
	}}}
	fixer := &fakeInvoker{role: domain.RoleFixer, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "retry", FilesTouched: []string{"internal/foo.go"},
	}}}
	validator := &fakeInvoker{role: domain.RoleValidator, outputs: []any{
		domain.ValidatorOutput{Passed: false, FailureSummary: "still failing"},
	}}

	engine, tasks, _, tk := newHarness(t, planner, coder, fixer, validator, nil)
	_, err := tasks.UpdateWithVersion(dbctx.Context{Ctx: ctx}, tk.ID, tk.Version, map[string]interface{}{"max_attempts": 2})
	require.NoError(t, err)

	final := stepUntil(t, ctx, engine, tasks, tk.ID, domain.TaskFailed, 20)
	require.Equal(t, domain.TaskFailed, final.Status)
	require.LessOrEqual(t, final.AttemptCount, final.MaxAttempts, "attemptCount must never exceed maxAttempts (spec invariant)")
	require.NotNil(t, final.LastError)
}

func TestEngine_ReviewerDowngrade_NoBlockingComment_Approves(t *testing.T) {
	ctx := context.Background()

	planner := &fakeInvoker{role: domain.RolePlanner, outputs: []any{domain.PlannerOutput{
		TargetFiles: []string{"internal/foo.go"}, Complexity: domain.ComplexityS,
	}}}
	coder := &fakeInvoker{role: domain.RoleCoder, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "fix", FilesTouched: []string{"internal/foo.go"},
	}}}
	validator := &fakeInvoker{role: domain.RoleValidator, outputs: []any{domain.ValidatorOutput{Passed: true}}}
	reviewer := &fakeInvoker{role: domain.RoleReviewer, outputs: []any{domain.ReviewerOutput{
		Approved: false,
		Comments: []string{"minor: consider renaming this variable"},
	}}}

	engine, tasks, events, tk := newHarness(t, planner, coder, nil, validator, reviewer)

	current := stepUntil(t, ctx, engine, tasks, tk.ID, domain.TaskReviewApproved, 10)
	require.Equal(t, domain.TaskReviewApproved, current.Status, "tests passed and no blocking comment must downgrade REQUEST_CHANGES to APPROVE")

	evs, err := events.ListByTaskID(dbctx.Context{Ctx: ctx}, tk.ID)
	require.NoError(t, err)
	found := false
	for _, e := range evs {
		if e.OutputSummary != nil && *e.OutputSummary == "raw=REQUEST_CHANGES effective=APPROVE (tests passed, no blocking comment)" {
			found = true
		}
	}
	require.True(t, found, "the downgrade event must record both the raw and effective verdict")
}

func TestEngine_ReviewerDowngrade_BlockingComment_StaysRejected(t *testing.T) {
	ctx := context.Background()

	planner := &fakeInvoker{role: domain.RolePlanner, outputs: []any{domain.PlannerOutput{
		TargetFiles: []string{"internal/foo.go"}, Complexity: domain.ComplexityS,
	}}}
	coder := &fakeInvoker{role: domain.RoleCoder, outputs: []any{domain.CoderOutput{
		Diff: validDiff("internal/foo.go"), CommitMessage: "fix", FilesTouched: []string{"internal/foo.go"},
	}}}
	validator := &fakeInvoker{role: domain.RoleValidator, outputs: []any{domain.ValidatorOutput{Passed: true}}}
	reviewer := &fakeInvoker{role: domain.RoleReviewer, outputs: []any{domain.ReviewerOutput{
		Approved: false,
		Comments: []string{"BLOCKING: this leaks a credential"},
	}}}

	engine, tasks, _, tk := newHarness(t, planner, coder, nil, validator, reviewer)

	current := stepUntil(t, ctx, engine, tasks, tk.ID, domain.TaskReviewRejected, 10)
	require.Equal(t, domain.TaskReviewRejected, current.Status, "a critical/blocking comment must never be downgraded")
}
