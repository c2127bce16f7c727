package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TaskEventType names a single append-only entry in a task's history. The
// set is closed: handlers and UIs may switch exhaustively over it.
type TaskEventType string

const (
	EventTaskCreated     TaskEventType = "task_created"
	EventStatusChanged   TaskEventType = "status_changed"
	EventAgentInvoked    TaskEventType = "agent_invoked"
	EventAgentCompleted  TaskEventType = "agent_completed"
	EventAgentFailed     TaskEventType = "agent_failed"
	EventAttemptStarted  TaskEventType = "attempt_started"
	EventDiffApplied     TaskEventType = "diff_applied"
	EventBranchCreated   TaskEventType = "branch_created"
	EventPRCreated       TaskEventType = "pr_created"
	EventSubtaskSpawned  TaskEventType = "subtask_spawned"
	EventSubtasksMerged  TaskEventType = "subtasks_merged"
	EventEscalatedHuman  TaskEventType = "escalated_to_human"
	EventHumanResolved   TaskEventType = "human_resolved"
	EventTaskCompleted   TaskEventType = "task_completed"
	EventTaskFailed      TaskEventType = "task_failed"
)

// TaskEvent is one immutable entry in a task's event log. Rows are never
// updated or deleted; the current task state is always reconstructable by
// replaying events in CreatedAt order.
type TaskEvent struct {
	ID     uuid.UUID     `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID uuid.UUID     `gorm:"type:uuid;not null;index" json:"taskId"`
	Type   TaskEventType `gorm:"column:event_type;not null;index" json:"eventType"`

	Agent         *string `gorm:"column:agent" json:"agent,omitempty"`
	InputSummary  *string `gorm:"column:input_summary;type:text" json:"inputSummary,omitempty"`
	OutputSummary *string `gorm:"column:output_summary;type:text" json:"outputSummary,omitempty"`

	TokensUsed *int `gorm:"column:tokens_used" json:"tokensUsed,omitempty"`
	DurationMs *int `gorm:"column:duration_ms" json:"durationMs,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"createdAt"`
}

func (TaskEvent) TableName() string { return "task_events" }
