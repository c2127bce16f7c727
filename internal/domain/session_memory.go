package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SessionPhase tracks which agent stage a task's working memory currently
// reflects. It advances in lockstep with TaskStatus but is owned by the
// Context Compiler, not the state machine.
type SessionPhase string

const (
	PhasePlanning  SessionPhase = "planning"
	PhaseCoding    SessionPhase = "coding"
	PhaseTesting   SessionPhase = "testing"
	PhaseFixing    SessionPhase = "fixing"
	PhaseReviewing SessionPhase = "reviewing"
	PhaseDone      SessionPhase = "done"
)

// SessionContext is the compiled, agent-ready view of a task: the ticket
// body plus whatever static memory and prior outputs the Context Compiler
// decided were relevant to the current phase.
type SessionContext struct {
	IssueTitle  string   `json:"issueTitle,omitempty"`
	IssueBody   string   `json:"issueBody,omitempty"`
	RepoSummary string   `json:"repoSummary,omitempty"`
	RelevantFiles []string `json:"relevantFiles,omitempty"`
}

// AttemptRecord captures one pass through CODING/TESTING/FIXING for a task,
// so the Fixer and later attempts can see what already failed and avoid
// repeating it.
type AttemptRecord struct {
	Attempt        int      `json:"attempt"`
	FailureSummary string   `json:"failureSummary,omitempty"`
	FailedChecks   []string `json:"failedChecks,omitempty"`
}

// AttemptHistory is the rolling record of retry attempts the Fixer consults
// before generating a new diff (spec §4.3 retry/backoff, §4.5 Fixer input).
type AttemptHistory struct {
	Current         int             `json:"current"`
	Attempts        []AttemptRecord `json:"attempts,omitempty"`
	FailurePatterns []string        `json:"failurePatterns,omitempty"`
}

// AgentOutputs is the slot for each role's most recent structured result.
// Only a parent task populates Breakdown; after its children's diffs are
// merged it goes on through validation and review like any other task.
type AgentOutputs struct {
	Planner   *PlannerOutput   `json:"planner,omitempty"`
	Breakdown *BreakdownOutput `json:"breakdown,omitempty"`
	Coder     *CoderOutput     `json:"coder,omitempty"`
	Fixer     *CoderOutput     `json:"fixer,omitempty"`
	Validator *ValidatorOutput `json:"validator,omitempty"`
	Reviewer  *ReviewerOutput  `json:"reviewer,omitempty"`
}

// OrchestrationState is populated only on a parent task that was broken
// down into subtasks; it tracks fan-out/fan-in progress (spec §4.6).
type OrchestrationState struct {
	SubtaskIDs        []uuid.UUID `json:"subtaskIds"`
	CompletedSubtasks []uuid.UUID `json:"completedSubtasks,omitempty"`
	FailedSubtasks    []uuid.UUID `json:"failedSubtasks,omitempty"`
	MergedDiff        string      `json:"mergedDiff,omitempty"`
	ConflictCount     int         `json:"conflictCount,omitempty"`
}

// SessionMemory is the fast-changing, per-task half of the Context
// Compiler's input/output (spec §4.2). Exactly one row exists per task and
// it is replaced wholesale on every phase transition.
type SessionMemory struct {
	TaskID uuid.UUID    `gorm:"type:uuid;primaryKey" json:"taskId"`
	Phase  SessionPhase `gorm:"column:phase;not null" json:"phase"`

	Context  datatypes.JSONType[SessionContext]  `gorm:"column:context;type:jsonb" json:"context"`
	Attempts datatypes.JSONType[AttemptHistory]   `gorm:"column:attempts;type:jsonb" json:"attempts"`
	Outputs  datatypes.JSONType[AgentOutputs]     `gorm:"column:outputs;type:jsonb" json:"outputs"`

	// Orchestration is set only on parent tasks.
	Orchestration *datatypes.JSONType[OrchestrationState] `gorm:"column:orchestration;type:jsonb" json:"orchestration,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updatedAt"`
}

func (SessionMemory) TableName() string { return "session_memories" }
