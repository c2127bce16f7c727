package taskengine

import (
	"fmt"

	"context"

	"gorm.io/datatypes"

	"github.com/devforge/orchestrator/internal/agent"
	domain "github.com/devforge/orchestrator/internal/domain"
	"github.com/devforge/orchestrator/internal/pkg/pointers"
)

// runPlanner handles NEW -> PLANNING_DONE (spec §4.3).
func (e *Engine) runPlanner(ctx context.Context, t *domain.Task) error {
	actx, cancel := withAgentTimeout(ctx, 0)
	defer cancel()

	out, res, _, err := e.invoke(actx, t, domain.RolePlanner)
	if err != nil {
		return e.handleAgentFailure(ctx, t, domain.RolePlanner, domain.TaskNew, err)
	}
	planned := out.(domain.PlannerOutput)

	session, err := e.loadOrInitSession(ctx, t)
	if err != nil {
		return err
	}
	outputs := session.Outputs.Data()
	outputs.Planner = &planned
	session.Outputs = datatypes.NewJSONType(outputs)
	session.Phase = domain.PhaseCoding

	updates := map[string]interface{}{
		"definition_of_done":  datatypes.JSONSlice[string](planned.DefinitionOfDone),
		"plan":                datatypes.JSONSlice[string](planned.Plan),
		"target_files":        datatypes.JSONSlice[string](planned.TargetFiles),
		"estimated_complexity": planned.Complexity,
	}

	// spec §4.3: orchestration is advisory, not mandatory — only hand off
	// when the planner itself asked for a breakdown.
	if planned.NeedsBreakdown && e.cfg.OrchestrationEnabled && planned.Complexity.Orchestratable(e.cfg.OrchestrationThreshold) {
		updates["is_orchestrated"] = true
	}

	ev := &domain.TaskEvent{
		Type:       domain.EventAgentCompleted,
		Agent:      pointers.String(string(domain.RolePlanner)),
		TokensUsed: pointers.Int(res.TokensUsed),
		DurationMs: pointers.Int(res.DurationMs),
	}
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:  domain.TaskPlanningDone,
		TaskUpdates: updates,
		Session:     session,
		Event:       ev,
		ReleaseLock: true,
	})
}

// runCoder handles PLANNING_DONE -> CODING_DONE for a monolithic (non
// orchestrated) task.
func (e *Engine) runCoder(ctx context.Context, t *domain.Task) error {
	actx, cancel := withAgentTimeout(ctx, 0)
	defer cancel()

	out, res, cc, err := e.invoke(actx, t, domain.RoleCoder)
	if err != nil {
		return e.handleAgentFailure(ctx, t, domain.RoleCoder, domain.TaskPlanningDone, err)
	}
	coded := out.(domain.CoderOutput)

	if perr := checkPolicy(cc.Stable, coded); perr != nil {
		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:  domain.TaskFailed,
			TaskUpdates: map[string]interface{}{"last_error": perr.Error()},
			Event: &domain.TaskEvent{
				Type:          domain.EventAgentFailed,
				Agent:         pointers.String(string(domain.RoleCoder)),
				OutputSummary: pointers.String(perr.Error()),
			},
			ReleaseLock: true,
		})
	}

	return e.landDiff(ctx, t, domain.RoleCoder, coded, res, false)
}

// runFixer handles TESTS_FAILED/REVIEW_REJECTED -> CODING_DONE, consuming
// one retry attempt regardless of which branch produced the failure it is
// responding to (spec §4.3 "TESTS_FAILED -> FIXING: attemptCount++").
func (e *Engine) runFixer(ctx context.Context, t *domain.Task) error {
	// spec §8 "T.attemptCount <= T.maxAttempts" / §4.3 "Any state -> FAILED
	// if attemptCount == maxAttempts and the next step would increment
	// again": landDiff below increments attemptCount on every successful
	// fix cycle, so a task that has already exhausted its budget must fail
	// here rather than spend one more fixer call.
	if t.AttemptCount >= maxAttemptsFor(t, e.cfg) {
		msg := "max attempts exhausted"
		if t.LastError != nil && *t.LastError != "" {
			msg = "max attempts exhausted: " + *t.LastError
		}
		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:  domain.TaskFailed,
			TaskUpdates: map[string]interface{}{"last_error": msg},
			Event: &domain.TaskEvent{
				Type:          domain.EventTaskFailed,
				OutputSummary: pointers.String(msg),
			},
			ReleaseLock: true,
		})
	}

	actx, cancel := withAgentTimeout(ctx, 0)
	defer cancel()

	retryStatus := t.Status
	out, res, cc, err := e.invoke(actx, t, domain.RoleFixer)
	if err != nil {
		return e.handleAgentFailure(ctx, t, domain.RoleFixer, retryStatus, err)
	}
	fixed := out.(domain.CoderOutput)

	if perr := checkPolicy(cc.Stable, fixed); perr != nil {
		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:       domain.TaskFailed,
			TaskUpdates:      map[string]interface{}{"last_error": perr.Error()},
			IncrementAttempt: true,
			Event: &domain.TaskEvent{
				Type:          domain.EventAgentFailed,
				Agent:         pointers.String(string(domain.RoleFixer)),
				OutputSummary: pointers.String(perr.Error()),
			},
			ReleaseLock: true,
		})
	}

	return e.landDiff(ctx, t, domain.RoleFixer, fixed, res, true)
}

// landDiff records a coder/fixer's diff onto the task and transitions it to
// CODING_DONE, updating session outputs and attempt history.
func (e *Engine) landDiff(ctx context.Context, t *domain.Task, role domain.AgentRole, out domain.CoderOutput, res agent.Result, incrementAttempt bool) error {
	session, err := e.loadOrInitSession(ctx, t)
	if err != nil {
		return err
	}
	outputs := session.Outputs.Data()
	if role == domain.RoleFixer {
		outputs.Fixer = &out
	} else {
		outputs.Coder = &out
	}
	session.Outputs = datatypes.NewJSONType(outputs)
	session.Phase = domain.PhaseTesting

	ev := &domain.TaskEvent{
		Type:       domain.EventDiffApplied,
		Agent:      pointers.String(string(role)),
		TokensUsed: pointers.Int(res.TokensUsed),
		DurationMs: pointers.Int(res.DurationMs),
	}
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus: domain.TaskCodingDone,
		TaskUpdates: map[string]interface{}{
			"current_diff":   out.Diff,
			"commit_message": out.CommitMessage,
		},
		Session:          session,
		Event:            ev,
		IncrementAttempt: incrementAttempt,
		ReleaseLock:      true,
	})
}

// applyAndValidate handles CODING_DONE -> TESTS_PASSED|TESTS_FAILED: apply
// the diff via the code-hosting collaborator, then run the Validator agent
// as the CI stand-in this reimplementation uses in place of the out-of-
// scope real CI run (spec §1 Non-goals, §4.5 Validator).
func (e *Engine) applyAndValidate(ctx context.Context, t *domain.Task) error {
	if t.CurrentDiff == nil || *t.CurrentDiff == "" {
		return fmt.Errorf("taskengine: task %s entered CODING_DONE with no diff", t.ID)
	}

	branch := t.IssueRef + "-" + t.ID.String()[:8]
	commitSha := ""
	if e.host != nil {
		repoCtx, err := e.host.GetRepoContext(ctx, t.Repo)
		if err != nil {
			return e.applyTransition(ctx, t, transitionInput{
				NextStatus:       domain.TaskTestsFailed,
				TaskUpdates:      map[string]interface{}{"last_error": err.Error()},
				IncrementAttempt: true,
				ReleaseLock:      true,
			})
		}
		if err := e.host.CreateBranch(ctx, t.Repo, repoCtx.DefaultBranch, branch); err != nil {
			return e.applyTransition(ctx, t, transitionInput{
				NextStatus:       domain.TaskTestsFailed,
				TaskUpdates:      map[string]interface{}{"last_error": err.Error()},
				IncrementAttempt: true,
				ReleaseLock:      true,
			})
		}
		msg := t.IssueRef
		if t.CommitMessage != nil {
			msg = *t.CommitMessage
		}
		sha, err := e.host.ApplyDiff(ctx, t.Repo, branch, *t.CurrentDiff, msg)
		if err != nil {
			// spec §7 "Apply: treated as TESTS_FAILED when recoverable".
			return e.applyTransition(ctx, t, transitionInput{
				NextStatus:       domain.TaskTestsFailed,
				TaskUpdates:      map[string]interface{}{"last_error": "diff apply failed: " + err.Error()},
				IncrementAttempt: true,
				ReleaseLock:      true,
			})
		}
		commitSha = sha
	}

	actx, cancel := withAgentTimeout(ctx, 0)
	defer cancel()
	out, res, _, err := e.invoke(actx, t, domain.RoleValidator)
	if err != nil {
		return e.handleAgentFailure(ctx, t, domain.RoleValidator, domain.TaskCodingDone, err)
	}
	verdict := out.(domain.ValidatorOutput)

	session, err := e.loadOrInitSession(ctx, t)
	if err != nil {
		return err
	}
	outputs := session.Outputs.Data()
	outputs.Validator = &verdict
	session.Outputs = datatypes.NewJSONType(outputs)

	attempts := session.Attempts.Data()
	ev := &domain.TaskEvent{
		Agent:      pointers.String(string(domain.RoleValidator)),
		TokensUsed: pointers.Int(res.TokensUsed),
		DurationMs: pointers.Int(res.DurationMs),
	}

	updates := map[string]interface{}{"branch_name": branch}
	_ = commitSha // not persisted: no task column or event records the commit sha

	// spec §4.3 "A validator verdict=INVALID on the coder's diff is treated
	// as TESTS_FAILED for retry accounting."
	if !verdict.Passed {
		attempts.Attempts = append(attempts.Attempts, domain.AttemptRecord{
			Attempt:        t.AttemptCount + 1,
			FailureSummary: verdict.FailureSummary,
			FailedChecks:   verdict.FailedChecks,
		})
		attempts.FailurePatterns = mergeFailurePatterns(attempts.FailurePatterns, verdict.FailedChecks)
		session.Attempts = datatypes.NewJSONType(attempts)
		session.Phase = domain.PhaseFixing
		ev.Type = domain.EventAgentCompleted
		ev.OutputSummary = pointers.String("validator: INVALID — " + verdict.FailureSummary)
		updates["last_error"] = verdict.FailureSummary

		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:  domain.TaskTestsFailed,
			TaskUpdates: updates,
			Session:     session,
			Event:       ev,
			ReleaseLock: true,
		})
	}

	session.Attempts = datatypes.NewJSONType(attempts)
	session.Phase = domain.PhaseReviewing
	ev.Type = domain.EventAgentCompleted
	ev.OutputSummary = pointers.String("validator: VALID")
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:  domain.TaskTestsPassed,
		TaskUpdates: updates,
		Session:     session,
		Event:       ev,
		ReleaseLock: true,
	})
}

func mergeFailurePatterns(existing, fresh []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string{}, existing...)
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range fresh {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// runReviewer handles TESTS_PASSED -> REVIEW_APPROVED|REVIEW_REJECTED,
// applying the reviewer-downgrade tie-break (spec §4.3): REQUEST_CHANGES is
// promoted to APPROVE when tests passed and no comment is marked blocking.
func (e *Engine) runReviewer(ctx context.Context, t *domain.Task) error {
	actx, cancel := withAgentTimeout(ctx, 0)
	defer cancel()

	out, res, _, err := e.invoke(actx, t, domain.RoleReviewer)
	if err != nil {
		return e.handleAgentFailure(ctx, t, domain.RoleReviewer, domain.TaskTestsPassed, err)
	}
	review := out.(domain.ReviewerOutput)

	session, err := e.loadOrInitSession(ctx, t)
	if err != nil {
		return err
	}
	outputs := session.Outputs.Data()
	outputs.Reviewer = &review
	session.Outputs = datatypes.NewJSONType(outputs)

	effectiveApproved := review.Approved
	downgraded := false
	if !review.Approved && !hasBlockingComment(review.Comments) {
		effectiveApproved = true
		downgraded = true
	}

	ev := &domain.TaskEvent{
		Type:       domain.EventAgentCompleted,
		Agent:      pointers.String(string(domain.RoleReviewer)),
		TokensUsed: pointers.Int(res.TokensUsed),
		DurationMs: pointers.Int(res.DurationMs),
	}
	if downgraded {
		ev.OutputSummary = pointers.String("raw=REQUEST_CHANGES effective=APPROVE (tests passed, no blocking comment)")
	} else if effectiveApproved {
		ev.OutputSummary = pointers.String("APPROVE")
	} else {
		ev.OutputSummary = pointers.String("REQUEST_CHANGES")
	}

	if effectiveApproved {
		session.Phase = domain.PhaseDone
		return e.applyTransition(ctx, t, transitionInput{
			NextStatus:  domain.TaskReviewApproved,
			Session:     session,
			Event:       ev,
			ReleaseLock: true,
		})
	}

	session.Phase = domain.PhaseFixing
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:  domain.TaskReviewRejected,
		TaskUpdates: map[string]interface{}{"last_error": "reviewer requested changes"},
		Session:     session,
		Event:       ev,
		ReleaseLock: true,
	})
}

// hasBlockingComment is taskengine's own check (independent of the agent
// package) so the downgrade rule reads as pure state-machine policy.
func hasBlockingComment(comments []string) bool {
	for _, c := range comments {
		if len(c) >= len("BLOCKING:") && c[:len("BLOCKING:")] == "BLOCKING:" {
			return true
		}
	}
	return false
}

// createPR handles REVIEW_APPROVED -> PR_CREATED -> WAITING_HUMAN (spec
// §4.3: a PR is opened, then the task suspends awaiting a merge signal). The
// two arrows collapse into one Step call — PR_CREATED is recorded as an
// event, not a separate claimable status — the same way CODING_DONE already
// collapses "apply diff" and "request checks" into one iteration.
func (e *Engine) createPR(ctx context.Context, t *domain.Task) error {
	prRef := ""
	if e.host != nil && t.BranchName != nil {
		title := t.IssueRef
		body := ""
		if t.CommitMessage != nil {
			body = *t.CommitMessage
		}
		ref, err := e.host.CreatePR(ctx, t.Repo, *t.BranchName, title, body)
		if err != nil {
			return e.applyTransition(ctx, t, transitionInput{
				NextStatus:       domain.TaskFailed,
				TaskUpdates:      map[string]interface{}{"last_error": "pr creation failed: " + err.Error()},
				IncrementAttempt: true,
				ReleaseLock:      true,
			})
		}
		prRef = ref
	}

	ev := &domain.TaskEvent{
		Type:          domain.EventPRCreated,
		OutputSummary: pointers.String(prRef),
	}
	updates := map[string]interface{}{}
	if prRef != "" {
		updates["pr_ref"] = prRef
	}
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:  domain.TaskWaitingHuman,
		TaskUpdates: updates,
		Event:       ev,
		ReleaseLock: true,
	})
}

// MarkMerged resumes a task suspended at PR_CREATED/WAITING_HUMAN once the
// code host reports the PR merged (spec §6 "POST /webhooks/code-host").
func (e *Engine) MarkMerged(ctx context.Context, t *domain.Task) error {
	if t.Status != domain.TaskPRCreated && t.Status != domain.TaskWaitingHuman {
		return fmt.Errorf("taskengine: task %s is not awaiting merge (status=%s)", t.ID, t.Status)
	}
	ev := &domain.TaskEvent{Type: domain.EventHumanResolved, OutputSummary: pointers.String("merged")}
	return e.applyTransition(ctx, t, transitionInput{
		NextStatus:  domain.TaskCompleted,
		Event:       ev,
		ReleaseLock: true,
	})
}
