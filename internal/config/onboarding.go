// Package config loads a repo's onboarding file: the one-time declaration
// of language/framework, path allow/block lists, and diff limits that seeds
// its StaticMemory row (spec §4.2 "written once at repo onboarding").
// Grounded on the teacher's internal/jobs/pipeline/learning_build YAML
// pipeline spec — the same "declarative YAML parsed into a typed struct at
// startup" shape, generalized from a pipeline's stage DAG to a repo's
// static config and constraints.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	domain "github.com/devforge/orchestrator/internal/domain"
)

// RepoOnboarding is the on-disk shape of one repo's onboarding file.
type RepoOnboarding struct {
	Repo              string   `yaml:"repo"`
	Language          string   `yaml:"language"`
	Framework         string   `yaml:"framework"`
	DefaultBranch     string   `yaml:"default_branch"`
	AllowedPaths      []string `yaml:"allowed_paths"`
	BlockedPaths      []string `yaml:"blocked_paths"`
	MaxDiffLines      int      `yaml:"max_diff_lines"`
	MaxFilesPerTask   int      `yaml:"max_files_per_task"`
	AgentInstructions string   `yaml:"agent_instructions"`
}

// LoadOnboardingFile parses a repo onboarding YAML file from disk.
func LoadOnboardingFile(path string) (*RepoOnboarding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read onboarding file %s: %w", path, err)
	}
	var spec RepoOnboarding
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse onboarding file %s: %w", path, err)
	}
	if spec.Repo == "" {
		return nil, fmt.Errorf("onboarding file %s: repo is required", path)
	}
	return &spec, nil
}

// ToStaticMemory converts the parsed onboarding file into the StaticMemory
// row the Context Compiler reads on every task for this repo.
func (o *RepoOnboarding) ToStaticMemory() *domain.StaticMemory {
	var instructions *string
	if o.AgentInstructions != "" {
		instructions = &o.AgentInstructions
	}
	m := &domain.StaticMemory{Repo: o.Repo}
	m.Config = datatypes.NewJSONType(domain.RepoConfig{
		Language:      o.Language,
		Framework:     o.Framework,
		DefaultBranch: o.DefaultBranch,
	})
	m.Constraints = datatypes.NewJSONType(domain.RepoConstraints{
		AllowedPaths:    o.AllowedPaths,
		BlockedPaths:    o.BlockedPaths,
		MaxDiffLines:    o.MaxDiffLines,
		MaxFilesPerTask: o.MaxFilesPerTask,
	})
	m.AgentInstructions = instructions
	return m
}
