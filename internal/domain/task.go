package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TaskStatus is a node in the task state machine (spec §4.3).
type TaskStatus string

const (
	TaskNew            TaskStatus = "NEW"
	TaskPlanning       TaskStatus = "PLANNING"
	TaskPlanningDone   TaskStatus = "PLANNING_DONE"
	TaskCoding         TaskStatus = "CODING"
	TaskCodingDone     TaskStatus = "CODING_DONE"
	TaskTesting        TaskStatus = "TESTING"
	TaskTestsPassed    TaskStatus = "TESTS_PASSED"
	TaskTestsFailed    TaskStatus = "TESTS_FAILED"
	TaskFixing         TaskStatus = "FIXING"
	TaskReviewing      TaskStatus = "REVIEWING"
	TaskReviewApproved TaskStatus = "REVIEW_APPROVED"
	TaskReviewRejected TaskStatus = "REVIEW_REJECTED"
	TaskPRCreated      TaskStatus = "PR_CREATED"
	TaskWaitingHuman   TaskStatus = "WAITING_HUMAN"
	TaskCompleted      TaskStatus = "COMPLETED"
	TaskFailed         TaskStatus = "FAILED"
)

// Terminal reports whether a task in this status can ever transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// Complexity is the planner's closed-enum size estimate for a task.
type Complexity string

const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// Orchestratable reports whether this complexity crosses the configured
// orchestration threshold (spec §4.3, §6 orchestrationComplexityThreshold).
func (c Complexity) Orchestratable(threshold Complexity) bool {
	rank := map[Complexity]int{ComplexityXS: 0, ComplexityS: 1, ComplexityM: 2, ComplexityL: 3, ComplexityXL: 4}
	r, ok := rank[c]
	if !ok {
		return false
	}
	t, ok := rank[threshold]
	if !ok {
		return false
	}
	return r >= t
}

// Task is the unit of work for one ticket. A task with ParentTaskID is a
// child (tree depth <= 2) and MUST NOT have children of its own.
type Task struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"jobId"`
	Repo       string     `gorm:"column:repo;not null;index" json:"repo"`
	IssueRef   string     `gorm:"column:issue_ref;not null;index" json:"issueRef"`
	Status     TaskStatus `gorm:"column:status;not null;index" json:"status"`
	Version    int        `gorm:"column:version;not null;default:0" json:"version"`

	AttemptCount int `gorm:"column:attempt_count;not null;default:0" json:"attemptCount"`
	MaxAttempts  int `gorm:"column:max_attempts;not null;default:3" json:"maxAttempts"`

	ParentTaskID   *uuid.UUID `gorm:"type:uuid;column:parent_task_id;index" json:"parentTaskId,omitempty"`
	SubtaskIndex   *int       `gorm:"column:subtask_index" json:"subtaskIndex,omitempty"`
	IsOrchestrated bool       `gorm:"column:is_orchestrated;not null;default:false" json:"isOrchestrated"`

	// DependsOn lists sibling child-task ids that must be TaskCompleted
	// before the Scheduler considers this child runnable (spec §4.4, §4.6).
	DependsOn datatypes.JSONSlice[uuid.UUID] `gorm:"column:depends_on;type:jsonb" json:"dependsOn,omitempty"`

	DefinitionOfDone datatypes.JSONSlice[string] `gorm:"column:definition_of_done;type:jsonb" json:"definitionOfDone,omitempty"`
	Plan             datatypes.JSONSlice[string] `gorm:"column:plan;type:jsonb" json:"plan,omitempty"`
	TargetFiles      datatypes.JSONSlice[string] `gorm:"column:target_files;type:jsonb" json:"targetFiles,omitempty"`

	BranchName    *string `gorm:"column:branch_name" json:"branchName,omitempty"`
	CurrentDiff   *string `gorm:"column:current_diff;type:text" json:"currentDiff,omitempty"`
	CommitMessage *string `gorm:"column:commit_message" json:"commitMessage,omitempty"`
	PRRef         *string `gorm:"column:pr_ref" json:"prRef,omitempty"`
	LastError     *string `gorm:"column:last_error;type:text" json:"lastError,omitempty"`

	EstimatedComplexity Complexity `gorm:"column:estimated_complexity" json:"estimatedComplexity,omitempty"`
	EstimatedEffort     string     `gorm:"column:estimated_effort" json:"estimatedEffort,omitempty"`

	// LockedAt/HeartbeatAt back the Scheduler's claim lease; a worker that
	// stops heartbeating releases the task to be reclaimed as stale.
	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"lockedAt,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeatAt,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string { return "tasks" }

// IsChild reports whether this task was materialized by the Orchestrator.
func (t *Task) IsChild() bool { return t != nil && t.ParentTaskID != nil }
