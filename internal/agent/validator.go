package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Validator checks a candidate diff against the task's definition of done
// (spec §4.5 "Validator"). It is a static/LLM-driven check standing in for
// the out-of-scope real CI run (spec §1 Non-goals).
type Validator struct {
	Model string
}

func NewValidator(model string) *Validator { return &Validator{Model: model} }

func (v *Validator) Role() domain.AgentRole { return domain.RoleValidator }

func (v *Validator) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.ValidatorOutput]{
		Role:        domain.RoleValidator,
		Model:       v.Model,
		Temperature: 0.0,
		MaxTokens:   2048,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return validatorSystemPrompt(cc), validatorUserPrompt(cc)
		},
		Validate: validateValidatorOutput,
	}
	return Invoke(ctx, provider, spec, cc, complexity)
}

func validatorSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteString("\nDecide whether the diff, applied to the shown files, satisfies the definition of done. Be strict: prefer passed=false over an uncertain pass.\n")
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {passed,failedChecks[],failureSummary}.")
	return b.String()
}

func validatorUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	if len(cc.Variable.DefinitionOfDone) > 0 {
		b.WriteString("Definition of done:\n")
		for _, d := range cc.Variable.DefinitionOfDone {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if cc.Variable.CurrentDiff != "" {
		fmt.Fprintf(&b, "\nDiff under test:\n%s\n", cc.Variable.CurrentDiff)
	}
	for _, f := range cc.Variable.FileContents {
		fmt.Fprintf(&b, "\n--- file: %s ---\n%s\n", f.Path, f.Content)
	}
	return b.String()
}

func validateValidatorOutput(out domain.ValidatorOutput) error {
	if !out.Passed && strings.TrimSpace(out.FailureSummary) == "" {
		return fmt.Errorf("validator: failureSummary required when passed=false")
	}
	return nil
}
