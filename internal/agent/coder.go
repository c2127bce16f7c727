package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Coder implements the Planner's plan as a unified diff (spec §4.5
// "Coder").
type Coder struct {
	Model string
}

func NewCoder(model string) *Coder { return &Coder{Model: model} }

func (c *Coder) Role() domain.AgentRole { return domain.RoleCoder }

func (c *Coder) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.CoderOutput]{
		Role:        domain.RoleCoder,
		Model:       c.Model,
		Temperature: 0.1,
		MaxTokens:   8192,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return coderSystemPrompt(cc), coderUserPrompt(cc)
		},
		Validate: validateCoderOutput,
	}
	return Invoke(ctx, provider, spec, cc, complexity)
}

func coderSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteString("\nImplement the plan as a single unified diff against the files shown. Do not touch any file outside the allowed paths.\n")
	if len(cc.Stable.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Allowed paths: %v\n", cc.Stable.AllowedPaths)
	}
	if len(cc.Stable.BlockedPaths) > 0 {
		fmt.Fprintf(&b, "Blocked paths: %v\n", cc.Stable.BlockedPaths)
	}
	if cc.Stable.MaxDiffLines > 0 {
		fmt.Fprintf(&b, "Diff must not exceed %d lines.\n", cc.Stable.MaxDiffLines)
	}
	if cc.Stable.MaxFilesPerTask > 0 {
		fmt.Fprintf(&b, "Touch at most %d files.\n", cc.Stable.MaxFilesPerTask)
	}
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {diff,commitMessage,filesTouched[],notes}. diff must be a valid unified diff (\"diff --git\"/\"---\"/\"+++\"/\"@@\" headers).")
	return b.String()
}

func coderUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n\n%s\n", cc.Variable.IssueTitle, cc.Variable.IssueBody)
	if len(cc.Variable.Plan) > 0 {
		b.WriteString("\nPlan:\n")
		for _, step := range cc.Variable.Plan {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	for _, f := range cc.Variable.FileContents {
		fmt.Fprintf(&b, "\n--- file: %s ---\n%s\n", f.Path, f.Content)
	}
	return b.String()
}

func validateCoderOutput(out domain.CoderOutput) error {
	if strings.TrimSpace(out.Diff) == "" {
		return fmt.Errorf("coder: diff must not be empty")
	}
	if !strings.Contains(out.Diff, "@@") {
		return fmt.Errorf("coder: diff does not look like a unified diff (no hunk headers)")
	}
	if strings.TrimSpace(out.CommitMessage) == "" {
		return fmt.Errorf("coder: commitMessage must not be empty")
	}
	if len(out.FilesTouched) == 0 {
		return fmt.Errorf("coder: filesTouched must not be empty")
	}
	return nil
}
