package agent

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/llm"
	"github.com/devforge/orchestrator/internal/memory"
)

// Reviewer is the last gate before a task's diff is eligible for a PR
// (spec §4.5 "Reviewer", §4.3 reviewer-downgrade rule). The downgrade
// itself (REQUEST_CHANGES -> APPROVE when tests passed and no comment is
// blocking) is a state-machine decision, not this agent's — Reviewer only
// reports what it sees.
type Reviewer struct {
	Model string
}

func NewReviewer(model string) *Reviewer { return &Reviewer{Model: model} }

func (r *Reviewer) Role() domain.AgentRole { return domain.RoleReviewer }

func (r *Reviewer) Invoke(ctx context.Context, provider llm.Provider, cc memory.CompiledContext, complexity domain.Complexity) (any, Result, error) {
	spec := Spec[domain.ReviewerOutput]{
		Role:        domain.RoleReviewer,
		Model:       r.Model,
		Temperature: 0.2,
		MaxTokens:   2048,
		BuildPrompt: func(cc memory.CompiledContext) (string, string) {
			return reviewerSystemPrompt(cc), reviewerUserPrompt(cc)
		},
		Validate: validateReviewerOutput,
	}
	return Invoke(ctx, provider, spec, cc, complexity)
}

func reviewerSystemPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	b.WriteString(cc.Stable.SystemIdentity)
	b.WriteString("\nReview the diff against the definition of done and the plan. Flag anything that must change before merge as a comment; only approve if the diff is mergeable as-is.\n")
	b.WriteString(cc.Stable.OutputFormat)
	b.WriteString("\nSchema: {approved,comments[]}. Prefix any comment that must block merge with \"BLOCKING:\".")
	return b.String()
}

func reviewerUserPrompt(cc memory.CompiledContext) string {
	var b strings.Builder
	if len(cc.Variable.DefinitionOfDone) > 0 {
		b.WriteString("Definition of done:\n")
		for _, d := range cc.Variable.DefinitionOfDone {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if len(cc.Variable.Plan) > 0 {
		b.WriteString("\nPlan:\n")
		for _, step := range cc.Variable.Plan {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}
	if cc.Variable.CurrentDiff != "" {
		fmt.Fprintf(&b, "\nDiff:\n%s\n", cc.Variable.CurrentDiff)
	}
	if cc.Variable.TestsPassed != nil {
		fmt.Fprintf(&b, "\nValidator result: tests passed = %v\n", *cc.Variable.TestsPassed)
	}
	for _, f := range cc.Variable.FileContents {
		fmt.Fprintf(&b, "\n--- file: %s ---\n%s\n", f.Path, f.Content)
	}
	return b.String()
}

func validateReviewerOutput(out domain.ReviewerOutput) error {
	if !out.Approved && len(out.Comments) == 0 {
		return fmt.Errorf("reviewer: comments required when approved=false")
	}
	return nil
}

// HasBlockingComment reports whether any reviewer comment is marked
// blocking, the signal the state machine's reviewer-downgrade rule (spec
// §4.3) checks before promoting REQUEST_CHANGES to APPROVE.
func HasBlockingComment(comments []string) bool {
	for _, c := range comments {
		if strings.HasPrefix(strings.TrimSpace(c), "BLOCKING:") {
			return true
		}
	}
	return false
}
