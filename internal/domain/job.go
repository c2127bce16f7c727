package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the status of a job. The Job Controller sets it directly
// only when a job is run (running) or cancelled (cancelled); otherwise it
// recomputes it from member task statuses.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
	JobCancelled JobStatus = "cancelled"
)

// JobSummary is the recomputed rollup of a job's member tasks.
type JobSummary struct {
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	InProgress int      `json:"inProgress"`
	PRs        []string `json:"prs,omitempty"`
}

// Job groups several tickets against one repo. Its TaskIDs list is owned
// identity (the job knows which tasks belong to it); its Status and Summary
// are owned by the Job Controller and derived from those tasks.
type Job struct {
	ID        uuid.UUID         `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Repo      string            `gorm:"column:repo;not null;index" json:"repo"`
	Status    JobStatus         `gorm:"column:status;not null;index" json:"status"`
	TaskIDs   datatypes.JSONSlice[uuid.UUID] `gorm:"column:task_ids;type:jsonb" json:"taskIds"`
	Summary   datatypes.JSONType[JobSummary] `gorm:"column:summary;type:jsonb" json:"summary"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Job) TableName() string { return "jobs" }

// Terminal reports whether the job has reached a status no further task
// transition can change.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobPartial, JobCancelled:
		return true
	default:
		return false
	}
}
