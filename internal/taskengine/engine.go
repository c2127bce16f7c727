// Package taskengine implements the Task State Machine (spec §4.3): the
// per-task status graph whose transitions are driven by Agent Runtime
// outputs and external signals (CI stand-in, review, human merge). It is
// grounded on the teacher's internal/jobs/worker.Worker transactional/
// heartbeat/panic-recovery discipline, generalized from one job_type
// dispatch to a fixed graph of named phases, and on the teacher's
// internal/jobs/runtime.Context "one transaction per step" pattern
// (internal/jobs/runtime/context.go Progress/Fail/Succeed).
package taskengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/agent"
	"github.com/devforge/orchestrator/internal/codehost"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Config holds the engine-level knobs spec §6 calls "Configuration
// (recognized options)".
type Config struct {
	MaxAttemptsPerTask     int
	OrchestrationEnabled   bool
	OrchestrationThreshold domain.Complexity
}

func DefaultConfig() Config {
	return Config{
		MaxAttemptsPerTask:     3,
		OrchestrationEnabled:   true,
		OrchestrationThreshold: domain.ComplexityM,
	}
}

// Engine drives one task through exactly one state edge per Step call
// (spec §4.4 "advancing one state edge per iteration"). It never owns
// scheduling policy — that is the Scheduler's job — only the transition
// logic and its transactional write.
type Engine struct {
	db       *gorm.DB
	tasks    task.Repo
	events   taskevent.Repo
	memory   memoryrepo.Repo
	compiler *memory.Compiler
	agents   *agent.Registry
	provider llm.Provider
	host     codehost.Host
	cfg      Config
	log      *logger.Logger
}

func New(db *gorm.DB, tasks task.Repo, events taskevent.Repo, mem memoryrepo.Repo, compiler *memory.Compiler, agents *agent.Registry, provider llm.Provider, host codehost.Host, cfg Config, baseLog *logger.Logger) *Engine {
	return &Engine{
		db:       db,
		tasks:    tasks,
		events:   events,
		memory:   mem,
		compiler: compiler,
		agents:   agents,
		provider: provider,
		host:     host,
		cfg:      cfg,
		log:      baseLog.With("component", "TaskEngine"),
	}
}

// transitionInput is the single-transaction write spec §4.3 requires for
// every step: "update task row, write event, update session; on failure,
// nothing is visible to readers."
type transitionInput struct {
	NextStatus       domain.TaskStatus
	TaskUpdates      map[string]interface{}
	Session          *domain.SessionMemory
	Event            *domain.TaskEvent
	IncrementAttempt bool
	ReleaseLock      bool
}

func (e *Engine) applyTransition(ctx context.Context, t *domain.Task, in transitionInput) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		updates := map[string]interface{}{"status": in.NextStatus}
		for k, v := range in.TaskUpdates {
			updates[k] = v
		}
		if in.IncrementAttempt {
			updates["attempt_count"] = t.AttemptCount + 1
		}
		if in.ReleaseLock {
			updates["locked_at"] = nil
			updates["heartbeat_at"] = nil
		}
		ok, err := e.tasks.UpdateWithVersion(dbc, t.ID, t.Version, updates)
		if err != nil {
			return err
		}
		if !ok {
			return &VersionConflictError{TaskID: t.ID}
		}
		if in.Session != nil {
			if _, err := e.memory.PutSession(dbc, in.Session); err != nil {
				return err
			}
		}
		if in.Event != nil {
			in.Event.TaskID = t.ID
			if _, err := e.events.Append(dbc, in.Event); err != nil {
				return err
			}
		}
		return nil
	})
}

// Step advances task taskID by exactly one state edge (spec §4.4). It
// returns nil both when a transition was applied and when the task is at a
// genuine suspension point awaiting an external signal — callers should
// not treat a no-op return as an error.
func (e *Engine) Step(ctx context.Context, t *domain.Task) error {
	if t.Status.Terminal() {
		return nil
	}
	switch t.Status {
	case domain.TaskNew:
		return e.runPlanner(ctx, t)
	case domain.TaskPlanningDone:
		if t.IsOrchestrated {
			// Owned by the Orchestrator from here; the engine does not
			// advance an orchestrated parent on its own (spec §4.6).
			return nil
		}
		return e.runCoder(ctx, t)
	case domain.TaskCodingDone:
		return e.applyAndValidate(ctx, t)
	case domain.TaskTestsPassed:
		return e.runReviewer(ctx, t)
	case domain.TaskTestsFailed:
		return e.runFixer(ctx, t)
	case domain.TaskReviewApproved:
		return e.createPR(ctx, t)
	case domain.TaskReviewRejected:
		return e.runFixer(ctx, t)
	case domain.TaskWaitingHuman:
		return nil // suspension point; resumed via MarkMerged
	case domain.TaskPRCreated:
		return nil // suspension point; resumed via MarkMerged
	default:
		return fmt.Errorf("taskengine: no handler for status %s", t.Status)
	}
}

func (e *Engine) loadOrInitSession(ctx context.Context, t *domain.Task) (*domain.SessionMemory, error) {
	dbc := dbctx.Context{Ctx: ctx}
	s, err := e.memory.GetSession(dbc, t.ID)
	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	return &domain.SessionMemory{
		TaskID: t.ID,
		Phase:  domain.PhasePlanning,
	}, nil
}

// compileFor builds the compiled context for one role invocation against
// t's current state.
func (e *Engine) compileFor(ctx context.Context, t *domain.Task, role domain.AgentRole) (memory.CompiledContext, error) {
	return e.compiler.Compile(ctx, memory.Request{TaskID: t.ID, AgentType: role, Include: memory.DefaultInclude(role)}, t)
}

// invoke dispatches to the registered Invoker for role.
func (e *Engine) invoke(ctx context.Context, t *domain.Task, role domain.AgentRole) (any, agent.Result, memory.CompiledContext, error) {
	cc, err := e.compileFor(ctx, t, role)
	if err != nil {
		return nil, agent.Result{}, cc, err
	}
	inv, ok := e.agents.Get(role)
	if !ok {
		return nil, agent.Result{}, cc, fmt.Errorf("taskengine: no agent registered for role %s", role)
	}
	out, res, err := inv.Invoke(ctx, e.provider, cc, t.EstimatedComplexity)
	return out, res, cc, err
}

// handleAgentFailure applies the shared failure-accounting rule (spec §4.3
// "Any state -> FAILED if attemptCount == maxAttempts and the next step
// would increment again, OR if a non-retryable error occurs"): every agent
// failure at this layer consumes one attempt (the Agent Runtime already
// absorbed transport-retryable failures internally, per spec §4.5 point 3).
func (e *Engine) handleAgentFailure(ctx context.Context, t *domain.Task, role domain.AgentRole, retryStatus domain.TaskStatus, cause error) error {
	msg := cause.Error()
	nextAttempt := t.AttemptCount + 1

	var invErr *agent.InvokeError
	kind := "unknown"
	if errors.As(cause, &invErr) {
		kind = string(invErr.Kind)
	}

	ev := &domain.TaskEvent{
		Type:          domain.EventAgentFailed,
		Agent:         pointers.String(string(role)),
		OutputSummary: pointers.String(msg),
		Metadata:      datatypes.JSON([]byte(fmt.Sprintf(`{"kind":%q}`, kind))),
	}

	if nextAttempt >= maxAttemptsFor(t, e.cfg) {
		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:       domain.TaskFailed,
			TaskUpdates:      map[string]interface{}{"last_error": msg},
			Event:            ev,
			IncrementAttempt: true,
			ReleaseLock:      true,
		})
	}
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:       retryStatus,
		TaskUpdates:      map[string]interface{}{"last_error": msg},
		Event:            ev,
		IncrementAttempt: true,
		ReleaseLock:      true,
	})
}

func maxAttemptsFor(t *domain.Task, cfg Config) int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return cfg.MaxAttemptsPerTask
}

// withAgentTimeout bounds a single agent invocation's wall clock (spec §4.4
// "each agent invocation has a hard wall-clock budget").
func withAgentTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 90 * time.Second
	}
	return context.WithTimeout(parent, d)
}
