package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Planner turns a ticket into a definition of done, a step plan, a target
// file list, and a complexity estimate (spec §4.5 "Planner").
type Planner struct {
	Provider llm.Provider
	Model    string
}

func NewPlanner(provider llm.Provider, model string) *Planner {
	return &Planner{Provider: provider, Model: model}
}

func (p *Planner) Role() domain.AgentRole { return domain.RolePlanner }

func (p *Planner) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.PlannerOutput]{
		Role:        domain.RolePlanner,
		Model:       p.Model,
		Temperature: 0.2,
		MaxTokens:   2048,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return plannerSystemPrompt(cc), plannerUserPrompt(cc)
		},
		Validate: validatePlannerOutput,
	}
	out, result, err := Invoke(ctx, provider, spec, cc, complexity)
	return out, result, err
}

func plannerSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteByte('\n')
	if cc.Stable.AgentInstructions != "" {
		b.WriteString(cc.Stable.AgentInstructions)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Repo language: %s, framework: %s.\n", cc.Stable.RepoConfig.Language, cc.Stable.RepoConfig.Framework)
	if len(cc.Stable.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Only propose changes under: %v\n", cc.Stable.AllowedPaths)
	}
	if len(cc.Stable.BlockedPaths) > 0 {
		fmt.Fprintf(&b, "Never propose changes under: %v\n", cc.Stable.BlockedPaths)
	}
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {definitionOfDone[], plan[], targetFiles[], complexity in XS|S|M|L|XL, needsBreakdown}.")
	return b.String()
}

func plannerUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: %s\n\n%s\n", cc.Variable.IssueTitle, cc.Variable.IssueBody)
	if cc.Variable.RepoSummary != "" {
		fmt.Fprintf(&b, "\nRepo map:\n%s\n", cc.Variable.RepoSummary)
	}
	b.WriteString("\nProduce a definition of done, a step plan, and the files you expect to touch. Set needsBreakdown=true only if this cannot be done as one small, reviewable diff.")
	return b.String()
}

func validatePlannerOutput(out domain.PlannerOutput) error {
	if len(out.DefinitionOfDone) == 0 {
		return fmt.Errorf("planner: definitionOfDone must not be empty")
	}
	if len(out.Plan) == 0 {
		return fmt.Errorf("planner: plan must not be empty")
	}
	switch out.Complexity {
	case domain.ComplexityXS, domain.ComplexityS, domain.ComplexityM, domain.ComplexityL, domain.ComplexityXL:
	default:
		return fmt.Errorf("planner: unrecognized complexity %q", out.Complexity)
	}
	return nil
}
