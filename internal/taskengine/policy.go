package taskengine

import (
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/memory"
)

// checkPolicy enforces the repo's path and size constraints against a
// coder/fixer output before it is allowed onto the task (spec §7
// "Policy (path constraints, diff size caps, blocked paths): non-retryable;
// fails the task with policy_violation").
func checkPolicy(stable memory.StablePrefix, out domain.CoderOutput) error {
	for _, f := range out.FilesTouched {
		if len(stable.AllowedPaths) > 0 && !pathAllowed(f, stable.AllowedPaths) {
			return &PolicyViolationError{Reason: fmt.Sprintf("file %q is outside allowed paths %v", f, stable.AllowedPaths)}
		}
		if pathBlocked(f, stable.BlockedPaths) {
			return &PolicyViolationError{Reason: fmt.Sprintf("file %q is under a blocked path", f)}
		}
	}
	if stable.MaxFilesPerTask > 0 && len(out.FilesTouched) > stable.MaxFilesPerTask {
		return &PolicyViolationError{Reason: fmt.Sprintf("touches %d files, limit is %d", len(out.FilesTouched), stable.MaxFilesPerTask)}
	}
	if stable.MaxDiffLines > 0 {
		if n := changedLineCount(out.Diff); n > stable.MaxDiffLines {
			return &PolicyViolationError{Reason: fmt.Sprintf("diff has %d changed lines, limit is %d", n, stable.MaxDiffLines)}
		}
	}
	return nil
}

func pathAllowed(file string, allowed []string) bool {
	for _, prefix := range allowed {
		if strings.HasPrefix(file, prefix) {
			return true
		}
	}
	return false
}

func pathBlocked(file string, blocked []string) bool {
	for _, prefix := range blocked {
		if strings.HasPrefix(file, prefix) {
			return true
		}
	}
	return false
}

// changedLineCount counts added/removed content lines in a unified diff,
// excluding the "---"/"+++" file-header lines.
func changedLineCount(diff string) int {
	n := 0
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"), strings.HasPrefix(line, "-"):
			n++
		}
	}
	return n
}
