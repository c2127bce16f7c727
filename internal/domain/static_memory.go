package domain

import (
	"time"

	"gorm.io/datatypes"
)

// RepoConfig captures the parts of a repo's identity an agent needs before
// it writes a single line: what language it's in, what it's built with, and
// where a PR should land.
type RepoConfig struct {
	Language      string `json:"language,omitempty"`
	Framework     string `json:"framework,omitempty"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
}

// RepoConstraints are hard limits the Task Engine's policy check enforces
// on every Coder/Fixer diff regardless of what the agent proposes.
type RepoConstraints struct {
	AllowedPaths     []string `json:"allowedPaths,omitempty"`
	BlockedPaths     []string `json:"blockedPaths,omitempty"`
	MaxDiffLines     int      `json:"maxDiffLines,omitempty"`
	MaxFilesPerTask  int      `json:"maxFilesPerTask,omitempty"`
}

// StaticMemory is the slow-changing, per-repo half of the Context Compiler's
// input (spec §4.2). It is written once at repo onboarding and read on
// every task in that repo.
type StaticMemory struct {
	Repo                string                                `gorm:"column:repo;primaryKey" json:"repo"`
	Config              datatypes.JSONType[RepoConfig]        `gorm:"column:config;type:jsonb" json:"config"`
	Constraints         datatypes.JSONType[RepoConstraints]   `gorm:"column:constraints;type:jsonb" json:"constraints"`
	AgentInstructions   *string                               `gorm:"column:agent_instructions;type:text" json:"agentInstructions,omitempty"`
	CreatedAt           time.Time                             `gorm:"not null;default:now()" json:"createdAt"`
	UpdatedAt           time.Time                             `gorm:"not null;default:now()" json:"updatedAt"`
}

func (StaticMemory) TableName() string { return "static_memories" }
