// Package codehost defines the outbound code-hosting collaborator (spec
// §6): branches, diff application, PR lifecycle, and CI checks. The REST
// client that talks to an actual forge (GitHub/GitLab) is explicitly out
// of scope (spec §1); this package only names the interface the core
// drives and ships one local-git-backed adapter (internal/codehost/git)
// covering the parts that are testable without a hosted API.
package codehost

import "context"

// FileContent is one file's body as fetched for an agent's code context.
type FileContent struct {
	Path    string
	Content string
}

// RepoContext is what getRepoContext (spec §6) returns: the minimal facts
// an agent needs about a repo before planning against it.
type RepoContext struct {
	DefaultBranch string
	Language      string
	Framework     string
}

// CheckResult is what waitForChecks (spec §6) returns.
type CheckResult struct {
	Success      bool
	ErrorSummary string
}

// Host is the outbound code-hosting collaborator the core depends on
// abstractly (spec §6 "Outbound collaborators").
type Host interface {
	GetRepoContext(ctx context.Context, repo string) (RepoContext, error)
	GetFilesContent(ctx context.Context, repo, ref string, paths []string) ([]FileContent, error)
	CreateBranch(ctx context.Context, repo, base, branch string) error
	ApplyDiff(ctx context.Context, repo, branch, diff, message string) (commitSha string, err error)
	CreatePR(ctx context.Context, repo, branch, title, body string) (prRef string, err error)
	AddLabels(ctx context.Context, repo, prRef string, labels []string) error
	AddComment(ctx context.Context, repo, prRef, comment string) error
	WaitForChecks(ctx context.Context, repo, branch string) (CheckResult, error)
}
