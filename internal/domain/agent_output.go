package domain

// AgentRole names one of the six closed-enum agent personas the runtime
// dispatches to (spec §4.5). A task only ever invokes these roles in the
// order the state machine prescribes.
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleCoder     AgentRole = "coder"
	RoleFixer     AgentRole = "fixer"
	RoleValidator AgentRole = "validator"
	RoleReviewer  AgentRole = "reviewer"
	RoleBreakdown AgentRole = "breakdown"
)

// ReasoningEffort maps a task's estimated complexity to the provider's
// reasoning-effort knob (spec §4.5).
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
)

// PlannerOutput is the Planner agent's structured result: a decomposition
// of the ticket into a definition of done, a step plan, and either a direct
// target-file list or a breakdown decision.
type PlannerOutput struct {
	DefinitionOfDone []string   `json:"definitionOfDone"`
	Plan             []string   `json:"plan"`
	TargetFiles      []string   `json:"targetFiles"`
	Complexity       Complexity `json:"complexity"`
	NeedsBreakdown   bool       `json:"needsBreakdown"`
}

// BreakdownOutput decomposes an over-complex task into independent or
// dependent subtasks, each scoped small enough to re-run through the
// Planner on its own (spec §4.6).
type BreakdownOutput struct {
	Subtasks []SubtaskSpec `json:"subtasks"`
}

// SubtaskSpec is one child task the Orchestrator will materialize.
type SubtaskSpec struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TargetFiles []string `json:"targetFiles,omitempty"`
	DependsOn   []int    `json:"dependsOn,omitempty"`
}

// CoderOutput is the Coder/Fixer agent's structured result: a unified diff
// plus the commit message the engine uses when it applies the diff and as
// the pull request body.
type CoderOutput struct {
	Diff          string   `json:"diff"`
	CommitMessage string   `json:"commitMessage"`
	FilesTouched  []string `json:"filesTouched"`
	Notes         string   `json:"notes,omitempty"`
}

// ValidatorOutput is the Validator agent's pass/fail verdict against the
// task's definition of done, with enough detail for the Fixer to act on.
type ValidatorOutput struct {
	Passed         bool     `json:"passed"`
	FailedChecks   []string `json:"failedChecks,omitempty"`
	FailureSummary string   `json:"failureSummary,omitempty"`
}

// ReviewerOutput is the Reviewer agent's approve/reject verdict, the last
// gate before a task's diff is eligible for a PR.
type ReviewerOutput struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
}
