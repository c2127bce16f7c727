package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/http/response"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
	"github.com/devforge/orchestrator/internal/platform/logger"
	"github.com/devforge/orchestrator/internal/taskengine"
	"github.com/devforge/orchestrator/internal/temporalx/taskrun"
)

// WebhookHandler receives the code host's PR-merge signal (spec §6 "POST
// /webhooks/code-host"). CI-completion is not wired here: this module's
// concrete Validator is an LLM agent that judges the diff synchronously
// inside the Task State Machine's CODING_DONE step, so there is no
// out-of-band CI result to resume on — only the human merge decision that
// follows PR_CREATED/WAITING_HUMAN suspension needs an external signal.
type WebhookHandler struct {
	engine   *taskengine.Engine
	tasks    task.Repo
	temporal temporalsdkclient.Client
	log      *logger.Logger
}

// NewWebhookHandler builds a WebhookHandler. temporal may be nil when the
// Task State Machine is being stepped in-process instead of via
// internal/temporalx/taskrun; MarkMerged still applies the DB transition
// either way, it is only the immediate wake-up of a suspended workflow
// that is skipped.
func NewWebhookHandler(engine *taskengine.Engine, tasks task.Repo, temporal temporalsdkclient.Client, baseLog *logger.Logger) *WebhookHandler {
	return &WebhookHandler{engine: engine, tasks: tasks, temporal: temporal, log: baseLog.With("component", "WebhookHandler")}
}

type codeHostSignal struct {
	Event  string    `json:"event" binding:"required"`
	TaskID uuid.UUID `json:"taskId" binding:"required"`
}

// POST /webhooks/code-host
func (h *WebhookHandler) Receive(c *gin.Context) {
	var sig codeHostSignal
	if err := c.ShouldBindJSON(&sig); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_signal", err)
		return
	}

	if sig.Event != "pr_merged" {
		// Any other signal is logged and acknowledged but does not move the
		// state machine; this module treats CI results as the Validator
		// agent's concern, not the code host's.
		h.log.Info("ignoring non-merge code host signal", "event", sig.Event, "task_id", sig.TaskID)
		c.Status(http.StatusAccepted)
		return
	}

	t, err := h.tasks.GetByID(dbctx.Context{Ctx: c.Request.Context()}, sig.TaskID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	if t == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found", nil)
		return
	}
	if err := h.engine.MarkMerged(c.Request.Context(), t); err != nil {
		response.RespondError(c, http.StatusConflict, "mark_merged_failed", err)
		return
	}
	h.wakeWorkflow(c.Request.Context(), sig.TaskID)
	c.Status(http.StatusOK)
}

// wakeWorkflow signals a suspended per-task workflow so it resumes on the
// next tick instead of waiting out its poll interval (spec §4.3 suspension
// points). Best-effort: the workflow's own poll fallback still catches the
// merge if this signal fails or Temporal is not configured.
func (h *WebhookHandler) wakeWorkflow(ctx context.Context, taskID uuid.UUID) {
	if h.temporal == nil {
		return
	}
	if err := h.temporal.SignalWorkflow(ctx, taskID.String(), "", taskrun.SignalResume, nil); err != nil {
		h.log.Warn("failed to signal task workflow resume", "task_id", taskID, "error", err)
	}
}
