package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Breakdown decomposes an over-complex task into child subtasks the
// Orchestrator will materialize and schedule (spec §4.5 "Breakdown",
// §4.6).
type Breakdown struct {
	Model string
}

func NewBreakdown(model string) *Breakdown { return &Breakdown{Model: model} }

func (b *Breakdown) Role() domain.AgentRole { return domain.RoleBreakdown }

func (b *Breakdown) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.BreakdownOutput]{
		Role:        domain.RoleBreakdown,
		Model:       b.Model,
		Temperature: 0.2,
		MaxTokens:   2048,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return breakdownSystemPrompt(cc), breakdownUserPrompt(cc)
		},
		Validate: validateBreakdownOutput,
	}
	return Invoke(ctx, provider, spec, cc, complexity)
}

func breakdownSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteString("\nSplit this ticket into independent or dependency-ordered subtasks, each small enough to implement as one diff.\n")
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {subtasks:[{title,description,targetFiles[],dependsOn:[indexIntoSubtasks]}]}.")
	b.WriteString("\ndependsOn entries are zero-based indices into the subtasks array, never into any other task tree.")
	return b.String()
}

func breakdownUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n\n%s\n", cc.Variable.IssueTitle, cc.Variable.IssueBody)
	if len(cc.Variable.Plan) > 0 {
		b.WriteString("\nPlan so far:\n")
		for _, step := range cc.Variable.Plan {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	return b.String()
}

func validateBreakdownOutput(out domain.BreakdownOutput) error {
	if len(out.Subtasks) == 0 {
		return fmt.Errorf("breakdown: subtasks must not be empty")
	}
	n := len(out.Subtasks)
	for i, st := range out.Subtasks {
		if strings.TrimSpace(st.Title) == "" {
			return fmt.Errorf("breakdown: subtask %d missing title", i)
		}
		for _, dep := range st.DependsOn {
			if dep < 0 || dep >= n {
				return fmt.Errorf("breakdown: subtask %d dependsOn index %d out of range", i, dep)
			}
			if dep == i {
				return fmt.Errorf("breakdown: subtask %d depends on itself", i)
			}
		}
	}
	return nil
}
