package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Fixer revises the current diff against the last validator failure (spec
// §4.5 "Fixer"). It shares CoderOutput's schema since a fix is itself a
// replacement unified diff.
type Fixer struct {
	Model string
}

func NewFixer(model string) *Fixer { return &Fixer{Model: model} }

func (f *Fixer) Role() domain.AgentRole { return domain.RoleFixer }

func (f *Fixer) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.CoderOutput]{
		Role:        domain.RoleFixer,
		Model:       f.Model,
		Temperature: 0.1,
		MaxTokens:   8192,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return fixerSystemPrompt(cc), fixerUserPrompt(cc)
		},
		Validate: validateCoderOutput,
	}
	return Invoke(ctx, provider, spec, cc, complexity)
}

func fixerSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteString("\nThe current diff failed validation. Produce a corrected unified diff that fixes the reported failures without regressing the rest of the plan.\n")
	if len(cc.Stable.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Allowed paths: %v\n", cc.Stable.AllowedPaths)
	}
	if len(cc.Stable.BlockedPaths) > 0 {
		fmt.Fprintf(&b, "Blocked paths: %v\n", cc.Stable.BlockedPaths)
	}
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {diff,commitMessage,filesTouched[],notes}.")
	return b.String()
}

func fixerUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n\n%s\n", cc.Variable.IssueTitle, cc.Variable.IssueBody)
	if len(cc.Variable.Plan) > 0 {
		b.WriteString("\nPlan:\n")
		for _, step := range cc.Variable.Plan {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if cc.Variable.CurrentDiff != "" {
		fmt.Fprintf(&b, "\nCurrent diff:\n%s\n", cc.Variable.CurrentDiff)
	}
	if cc.Variable.LastError != "" {
		fmt.Fprintf(&b, "\nLast failure:\n%s\n", cc.Variable.LastError)
	}
	if len(cc.Variable.FailurePatterns) > 0 {
		b.WriteString("\nRecurring failure patterns across prior attempts:\n")
		for _, p := range cc.Variable.FailurePatterns {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	return b.String()
}
