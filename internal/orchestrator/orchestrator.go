// Package orchestrator implements breaking a complex task into isolated
// child tasks and aggregating their diffs back onto the parent (spec §4.6).
// Cycle detection in the subtask dependency graph is grounded on the
// teacher's Kahn-topological-sort validator (internal/jobs/orchestrator/
// dag.go validateDAG), generalized from named DAG stages to subtask
// indices.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/devforge/orchestrator/internal/agent"
	domain "github.com/devforge/orchestrator/internal/domain"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/diffmerge"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Config mirrors the Diff Aggregator's knobs plus a per-subtask target-file
// cap and a per-subtask attempt budget. Subtask size is capped by target-file
// count only; no changed-line or step-count cap is checked.
type Config struct {
	ConflictPolicy       diffmerge.Policy
	AutoResolveThreshold int
	MaxTargetFilesPerSub int
	MaxSubtaskAttempts   int
}

func DefaultConfig() Config {
	return Config{
		ConflictPolicy:       diffmerge.PolicyManual,
		AutoResolveThreshold: 50,
		MaxTargetFilesPerSub: 2,
		MaxSubtaskAttempts:   3,
	}
}

// Orchestrator is entered once a task's planner output is orchestratable
// (spec §4.3, §4.6).
type Orchestrator struct {
	db       *gorm.DB
	tasks    task.Repo
	events   taskevent.Repo
	memory   memoryrepo.Repo
	compiler *memory.Compiler
	agents   *agent.Registry
	provider llm.Provider
	aggregator *diffmerge.Aggregator
	cfg      Config
	log      *logger.Logger
}

func New(db *gorm.DB, tasks task.Repo, events taskevent.Repo, mem memoryrepo.Repo, compiler *memory.Compiler, agents *agent.Registry, provider llm.Provider, cfg Config, baseLog *logger.Logger) *Orchestrator {
	return &Orchestrator{
		db:         db,
		tasks:      tasks,
		events:     events,
		memory:     mem,
		compiler:   compiler,
		agents:     agents,
		provider:   provider,
		aggregator: diffmerge.NewAggregator(cfg.ConflictPolicy, cfg.AutoResolveThreshold),
		cfg:        cfg,
		log:        baseLog.With("component", "Orchestrator"),
	}
}

// Breakdown runs the Breakdown agent against parent, validates the subtask
// graph, and materializes child tasks (spec §4.6 steps 1-2). parent is left
// locked (its claim is not released) so the Scheduler will not re-dispatch
// it while children run; ReconcileOne releases it once aggregation lands.
func (o *Orchestrator) Breakdown(ctx context.Context, parent *domain.Task) error {
	if parent.IsChild() {
		return o.abortToMonolithic(ctx, parent, fmt.Errorf("task %s is a child task; a child is never broken down further", parent.ID))
	}
	cc, err := o.compiler.Compile(ctx, memory.Request{TaskID: parent.ID, AgentType: domain.RoleBreakdown, Include: memory.DefaultInclude(domain.RoleBreakdown)}, parent)
	if err != nil {
		return fmt.Errorf("orchestrator: compile context: %w", err)
	}
	inv, ok := o.agents.Get(domain.RoleBreakdown)
	if !ok {
		return fmt.Errorf("orchestrator: no breakdown agent registered")
	}
	out, _, err := inv.Invoke(ctx, o.provider, cc, parent.EstimatedComplexity)
	if err != nil {
		// spec §4.6 step 1: "If breakdown fails ... abort back to monolithic
		// coding."
		o.log.Warn("breakdown failed, falling back to monolithic coding", "task_id", parent.ID, "error", err)
		return o.abortToMonolithic(ctx, parent, err)
	}
	breakdown := out.(domain.BreakdownOutput)

	order, cycleErr := validateSubtaskGraph(breakdown.Subtasks)
	if cycleErr != nil {
		o.log.Warn("breakdown produced an invalid dependency graph, falling back to monolithic coding", "task_id", parent.ID, "error", cycleErr)
		return o.abortToMonolithic(ctx, parent, cycleErr)
	}
	_ = order // topological order is validated here; the Scheduler itself gates execution on dependsOn, not traversal order.

	for i, st := range breakdown.Subtasks {
		if o.cfg.MaxTargetFilesPerSub > 0 && len(st.TargetFiles) > o.cfg.MaxTargetFilesPerSub {
			err := fmt.Errorf("subtask %d (%s) targets %d files, limit is %d", i, st.Title, len(st.TargetFiles), o.cfg.MaxTargetFilesPerSub)
			o.log.Warn("breakdown violates subtask size cap, falling back to monolithic coding", "task_id", parent.ID, "error", err)
			return o.abortToMonolithic(ctx, parent, err)
		}
	}

	children := make([]*domain.Task, len(breakdown.Subtasks))
	for i, st := range breakdown.Subtasks {
		idx := i
		children[i] = &domain.Task{
			ID:               uuid.New(),
			JobID:            parent.JobID,
			Repo:             parent.Repo,
			IssueRef:         parent.IssueRef,
			Status:           domain.TaskNew,
			MaxAttempts:      o.cfg.MaxSubtaskAttempts,
			ParentTaskID:     &parent.ID,
			SubtaskIndex:     &idx,
			DefinitionOfDone: datatypes.JSONSlice[string]{st.Description},
			TargetFiles:      datatypes.JSONSlice[string](st.TargetFiles),
		}
	}
	// second pass: translate subtask-index dependsOn into sibling task ids,
	// now that every child has a materialized id.
	for i, st := range breakdown.Subtasks {
		deps := make([]uuid.UUID, 0, len(st.DependsOn))
		for _, d := range st.DependsOn {
			deps = append(deps, children[d].ID)
		}
		children[i].DependsOn = datatypes.JSONSlice[uuid.UUID](deps)
	}

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := o.tasks.CreateMany(dbc, children); err != nil {
			return fmt.Errorf("materialize children: %w", err)
		}

		childIDs := make([]uuid.UUID, len(children))
		for i, c := range children {
			childIDs[i] = c.ID
		}

		session, err := o.loadOrInitSession(dbc, parent)
		if err != nil {
			return err
		}
		outputs := session.Outputs.Data()
		outputs.Breakdown = &breakdown
		session.Outputs = datatypes.NewJSONType(outputs)
		session.Orchestration = &datatypes.JSONType[domain.OrchestrationState]{}
		*session.Orchestration = datatypes.NewJSONType(domain.OrchestrationState{SubtaskIDs: childIDs})
		if _, err := o.memory.PutSession(dbc, session); err != nil {
			return err
		}

		for i, c := range children {
			ev := &domain.TaskEvent{
				TaskID:        parent.ID,
				Type:          domain.EventSubtaskSpawned,
				OutputSummary: pointers.String(fmt.Sprintf("subtask %d -> child %s (%s)", i, c.ID, breakdown.Subtasks[i].Title)),
			}
			if _, err := o.events.Append(dbc, ev); err != nil {
				return err
			}
		}

		// parent stays PLANNING_DONE, lock untouched: it remains claimed by
		// this orchestration run until ReconcileOne aggregates.
		_, err = o.tasks.UpdateWithVersion(dbc, parent.ID, parent.Version, map[string]interface{}{
			"is_orchestrated": true,
		})
		return err
	})
}

// abortToMonolithic releases the parent back to PLANNING_DONE with
// is_orchestrated=false so the Scheduler runs it through the ordinary
// coder path instead (spec §4.6 step 1 fallback).
func (o *Orchestrator) abortToMonolithic(ctx context.Context, parent *domain.Task, cause error) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		ev := &domain.TaskEvent{
			TaskID:        parent.ID,
			Type:          domain.EventAgentFailed,
			Agent:         pointers.String(string(domain.RoleBreakdown)),
			OutputSummary: pointers.String("breakdown aborted: " + cause.Error()),
		}
		if _, err := o.events.Append(dbc, ev); err != nil {
			return err
		}
		_, err := o.tasks.UpdateWithVersion(dbc, parent.ID, parent.Version, map[string]interface{}{
			"is_orchestrated": false,
			"locked_at":       nil,
			"heartbeat_at":    nil,
		})
		return err
	})
}

func (o *Orchestrator) loadOrInitSession(dbc dbctx.Context, t *domain.Task) (*domain.SessionMemory, error) {
	s, err := o.memory.GetSession(dbc, t.ID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	return &domain.SessionMemory{TaskID: t.ID, Phase: domain.PhasePlanning}, nil
}

// validateSubtaskGraph runs a Kahn topological sort over subtask indices
// and returns an error if a cycle exists (spec §4.6 step 1 "If breakdown
// fails (cycle detected...)").
func validateSubtaskGraph(subtasks []domain.SubtaskSpec) ([]int, error) {
	n := len(subtasks)
	indeg := make([]int, n)
	adj := make([][]int, n)
	for i, st := range subtasks {
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= n {
				return nil, fmt.Errorf("subtask %d depends on out-of-range index %d", i, dep)
			}
			indeg[i]++
			adj[dep] = append(adj[dep], i)
		}
	}

	order := make([]int, 0, n)
	added := make([]bool, n)
	for {
		progressed := false
		for i := 0; i < n; i++ {
			if added[i] || indeg[i] != 0 {
				continue
			}
			added[i] = true
			order = append(order, i)
			progressed = true
			for _, next := range adj[i] {
				indeg[next]--
			}
		}
		if len(order) == n {
			return order, nil
		}
		if !progressed {
			return nil, fmt.Errorf("cycle detected in subtask dependency graph")
		}
	}
}
