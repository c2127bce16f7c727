// Package memory implements the Memory/Context Compiler (spec §4.2): it
// combines a repo's immutable StaticMemory with one task's SessionMemory
// into the minimal CompiledContext a single agent invocation needs,
// partitioned into a cacheable stable prefix and a per-attempt variable
// suffix. It is grounded on the teacher's runtime.Context decode-once
// discipline (internal/jobs/runtime/context.go) generalized from one
// decoded payload map to the spec's stable/variable split.
package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	domain "github.com/devforge/orchestrator/internal/domain"
	memoryrepo "github.com/devforge/orchestrator/internal/data/repos/memory"
	"github.com/devforge/orchestrator/internal/codehost"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

// Include selects which variable-suffix sections a compilation pulls in,
// matching the per-agent default inclusion sets of spec §4.2.
type Include struct {
	Issue           bool
	RepoMap         bool
	Plan            bool
	FileContents    bool
	Diff            bool
	LastError       bool
	FailurePatterns bool
	DoD             bool
	ReviewContext   bool
	TestsPassed     bool
}

// DefaultInclude returns the spec §4.2 default inclusion set for one agent
// role.
func DefaultInclude(role domain.AgentRole) Include {
	switch role {
	case domain.RolePlanner:
		return Include{Issue: true, RepoMap: true}
	case domain.RoleCoder:
		return Include{Issue: true, Plan: true, FileContents: true}
	case domain.RoleFixer:
		return Include{Issue: true, Plan: true, Diff: true, LastError: true, FailurePatterns: true}
	case domain.RoleValidator:
		return Include{Diff: true, FileContents: true}
	case domain.RoleReviewer:
		return Include{DoD: true, Plan: true, Diff: true, FileContents: true, TestsPassed: true}
	case domain.RoleBreakdown:
		return Include{Issue: true, Plan: true}
	default:
		return Include{}
	}
}

// StablePrefix is the part of a compiled context that is identical across
// attempts of the same agent on the same repo, and is therefore the
// portion a caller may cache (spec §4.2 "Stable prefix").
type StablePrefix struct {
	SystemIdentity    string                `json:"systemIdentity"`
	AgentInstructions string                `json:"agentInstructions,omitempty"`
	OutputFormat      string                `json:"outputFormat"`
	AllowedPaths      []string              `json:"allowedPaths,omitempty"`
	BlockedPaths      []string              `json:"blockedPaths,omitempty"`
	MaxDiffLines      int                   `json:"maxDiffLines,omitempty"`
	MaxFilesPerTask   int                   `json:"maxFilesPerTask,omitempty"`
	RepoConfig        domain.RepoConfig     `json:"repoConfig"`
}

// VariableSuffix is the part of a compiled context that changes per
// attempt (spec §4.2 "Variable suffix").
type VariableSuffix struct {
	IssueTitle      string                `json:"issueTitle,omitempty"`
	IssueBody       string                `json:"issueBody,omitempty"`
	RepoSummary     string                `json:"repoSummary,omitempty"`
	DefinitionOfDone []string             `json:"definitionOfDone,omitempty"`
	Plan            []string              `json:"plan,omitempty"`
	TargetFiles     []string              `json:"targetFiles,omitempty"`
	FileContents    []codehost.FileContent `json:"fileContents,omitempty"`
	CurrentDiff     string                `json:"currentDiff,omitempty"`
	LastError       string                `json:"lastError,omitempty"`
	FailurePatterns []string              `json:"failurePatterns,omitempty"`
	ReviewVerdict   string                `json:"reviewVerdict,omitempty"`
	ReviewComments  []string              `json:"reviewComments,omitempty"`
	TestsPassed     *bool                 `json:"testsPassed,omitempty"`
}

// CompiledContext is the full result of one compile() call (spec §4.2).
type CompiledContext struct {
	Stable        StablePrefix   `json:"stable"`
	Variable      VariableSuffix `json:"variable"`
	EstimatedTokens int          `json:"estimatedTokens"`
}

// Request is the compile() input (spec §4.2).
type Request struct {
	TaskID    uuid.UUID
	AgentType domain.AgentRole
	Include   Include
}

// FileFetcher resolves target-file contents for the Coder/Validator/
// Reviewer inclusion sets. NewCompiler's caller supplies one (typically a
// codehost.Host). Compile calls it whenever Include.FileContents is set and
// the task has TargetFiles; that is the only read Compile makes besides
// static and session memory.
type FileFetcher interface {
	GetFilesContent(ctx context.Context, repo, ref string, paths []string) ([]codehost.FileContent, error)
}

// Compiler implements compile() (spec §4.2). Its only inputs are
// StaticMemoryRepo.Get(repo) and SessionMemoryRepo.Get(taskID) — it is
// never handed a parent or sibling task id, so the isolation rule is
// structural rather than a runtime check (spec §4.2 "Isolation rule",
// §4.6 step 4).
type Compiler struct {
	memory memoryrepo.Repo
	files  FileFetcher
	cache  *StaticCache
}

// NewCompiler builds a Compiler over the memory repo and an optional file
// fetcher (nil is fine for roles whose Include never sets FileContents).
func NewCompiler(memoryRepo memoryrepo.Repo, files FileFetcher) *Compiler {
	return &Compiler{memory: memoryRepo, files: files}
}

// WithCache attaches a StaticCache in front of StaticMemory reads.
func (c *Compiler) WithCache(cache *StaticCache) *Compiler {
	c.cache = cache
	return c
}

// Compile produces a CompiledContext for one agent invocation (spec §4.2).
// task and repo are the only handles the caller may pass in alongside the
// request — no parent/sibling id is accepted anywhere in this signature.
func (c *Compiler) Compile(ctx context.Context, req Request, task *domain.Task) (CompiledContext, error) {
	dbc := dbctx.Context{Ctx: ctx}

	static, err := c.loadStatic(ctx, dbc, task.Repo)
	if err != nil {
		return CompiledContext{}, fmt.Errorf("memory: load static memory for %s: %w", task.Repo, err)
	}
	session, err := c.memory.GetSession(dbc, task.ID)
	if err != nil {
		return CompiledContext{}, fmt.Errorf("memory: load session for %s: %w", task.ID, err)
	}

	cc := CompiledContext{
		Stable: StablePrefix{
			SystemIdentity: systemIdentity(req.AgentType),
			OutputFormat:   outputFormat(req.AgentType),
		},
	}

	if static != nil {
		cfg := static.Config.Data()
		constraints := static.Constraints.Data()
		cc.Stable.RepoConfig = cfg
		cc.Stable.AllowedPaths = constraints.AllowedPaths
		cc.Stable.BlockedPaths = constraints.BlockedPaths
		cc.Stable.MaxDiffLines = constraints.MaxDiffLines
		cc.Stable.MaxFilesPerTask = constraints.MaxFilesPerTask
		if static.AgentInstructions != nil {
			cc.Stable.AgentInstructions = *static.AgentInstructions
		}
	}

	if session != nil {
		sctx := session.Context.Data()
		attempts := session.Attempts.Data()
		outputs := session.Outputs.Data()

		if req.Include.Issue {
			cc.Variable.IssueTitle = sctx.IssueTitle
			cc.Variable.IssueBody = sctx.IssueBody
		}
		if req.Include.RepoMap {
			cc.Variable.RepoSummary = sctx.RepoSummary
		}
		if req.Include.DoD {
			cc.Variable.DefinitionOfDone = task.DefinitionOfDone
		}
		if req.Include.Plan {
			cc.Variable.Plan = task.Plan
			cc.Variable.TargetFiles = task.TargetFiles
		}
		if req.Include.Diff && task.CurrentDiff != nil {
			cc.Variable.CurrentDiff = *task.CurrentDiff
		}
		if req.Include.LastError {
			if task.LastError != nil {
				cc.Variable.LastError = *task.LastError
			} else if len(attempts.Attempts) > 0 {
				cc.Variable.LastError = attempts.Attempts[len(attempts.Attempts)-1].FailureSummary
			}
		}
		if req.Include.FailurePatterns {
			cc.Variable.FailurePatterns = attempts.FailurePatterns
		}
		if req.Include.ReviewContext && outputs.Reviewer != nil {
			if outputs.Reviewer.Approved {
				cc.Variable.ReviewVerdict = "APPROVE"
			} else {
				cc.Variable.ReviewVerdict = "REQUEST_CHANGES"
			}
			cc.Variable.ReviewComments = outputs.Reviewer.Comments
		}
		if req.Include.TestsPassed && outputs.Validator != nil {
			passed := outputs.Validator.Passed
			cc.Variable.TestsPassed = &passed
		}
		if req.Include.FileContents && c.files != nil && len(task.TargetFiles) > 0 {
			files, err := c.files.GetFilesContent(ctx, task.Repo, "", task.TargetFiles)
			if err != nil {
				return CompiledContext{}, fmt.Errorf("memory: fetch file contents: %w", err)
			}
			cc.Variable.FileContents = files
		}
	}

	cc.EstimatedTokens = estimateTokens(cc)
	return cc, nil
}

// loadStatic checks the cache before falling back to the repo, populating
// the cache on a miss.
func (c *Compiler) loadStatic(ctx context.Context, dbc dbctx.Context, repo string) (*domain.StaticMemory, error) {
	if c.cache != nil {
		if m, ok := c.cache.Get(ctx, repo); ok {
			return m, nil
		}
	}
	m, err := c.memory.GetStatic(dbc, repo)
	if err != nil {
		return nil, err
	}
	if m != nil && c.cache != nil {
		c.cache.Put(ctx, m)
	}
	return m, nil
}

func systemIdentity(role domain.AgentRole) string {
	return fmt.Sprintf("You are the %s agent in an autonomous software-development pipeline.", role)
}

func outputFormat(role domain.AgentRole) string {
	return fmt.Sprintf("Respond with exactly one JSON object matching the %s output schema. No prose outside the JSON.", role)
}

// estimateTokens is a cheap character-count-based proxy (characters / 4)
// good enough for the
// metadata field spec §4.2 calls for ("Token estimate is attached to
// metadata"); it is not billed against, only surfaced for observability.
func estimateTokens(cc CompiledContext) int {
	chars := len(cc.Stable.SystemIdentity) + len(cc.Stable.AgentInstructions) + len(cc.Stable.OutputFormat)
	chars += len(cc.Variable.IssueTitle) + len(cc.Variable.IssueBody) + len(cc.Variable.RepoSummary)
	chars += len(cc.Variable.CurrentDiff) + len(cc.Variable.LastError)
	for _, f := range cc.Variable.FileContents {
		chars += len(f.Content)
	}
	for _, s := range cc.Variable.Plan {
		chars += len(s)
	}
	return chars / 4
}
