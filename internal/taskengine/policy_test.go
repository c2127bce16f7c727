package taskengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/memory"
)

func TestCheckPolicy_AllowedPaths_RejectsOutsidePath(t *testing.T) {
	stable := memory.StablePrefix{AllowedPaths: []string{"internal/"}}
	out := domain.CoderOutput{FilesTouched: []string{"cmd/main.go"}}

	err := checkPolicy(stable, out)
	require.Error(t, err)
	var perr *PolicyViolationError
	require.ErrorAs(t, err, &perr)
}

func TestCheckPolicy_BlockedPaths_Rejected(t *testing.T) {
	stable := memory.StablePrefix{BlockedPaths: []string{"internal/secrets/"}}
	out := domain.CoderOutput{FilesTouched: []string{"internal/secrets/keys.go"}}

	err := checkPolicy(stable, out)
	require.Error(t, err)
}

func TestCheckPolicy_MaxFilesPerTask_Rejected(t *testing.T) {
	stable := memory.StablePrefix{MaxFilesPerTask: 1}
	out := domain.CoderOutput{FilesTouched: []string{"a.go", "b.go"}}

	err := checkPolicy(stable, out)
	require.Error(t, err)
}

func TestCheckPolicy_MaxDiffLines_CountsAddedAndRemovedOnly(t *testing.T) {
	diff := "diff --git a/a.go b/a.go\n" +
		"--- a/a.go\n" +
		"+++ b/a.go\n" +
		"@@ -1,1 +1,2 @@\n" +
		"+line one\n" +
		"+line two\n" +
		"-old line\n"
	stable := memory.StablePrefix{MaxDiffLines: 2}
	out := domain.CoderOutput{Diff: diff}

	err := checkPolicy(stable, out)
	require.Error(t, err, "diff has 3 changed lines against a limit of 2")
}

func TestCheckPolicy_WithinLimits_Passes(t *testing.T) {
	stable := memory.StablePrefix{
		AllowedPaths:    []string{"internal/"},
		MaxFilesPerTask: 2,
		MaxDiffLines:    10,
	}
	out := domain.CoderOutput{
		FilesTouched: []string{"internal/a.go"},
		Diff:         "diff --git a/internal/a.go b/internal/a.go\n--- a/internal/a.go\n+++ b/internal/a.go\n@@ -1,0 +1,1 @@\n+x\n",
	}

	require.NoError(t, checkPolicy(stable, out))
}

func TestCheckPolicy_NoConstraints_AlwaysPasses(t *testing.T) {
	out := domain.CoderOutput{FilesTouched: []string{"anything/goes.go"}}
	require.NoError(t, checkPolicy(memory.StablePrefix{}, out))
}
