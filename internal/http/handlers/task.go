package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/devforge/orchestrator/internal/data/repos/task"
	"github.com/devforge/orchestrator/internal/http/response"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

var errMissingJobID = errors.New("job_id query parameter is required")

// TaskHandler exposes the read models spec §6 lists under GET /api/tasks
// and GET /api/tasks/{id}. Tasks are always read scoped to a job — there is
// no module-wide task listing, matching the Orchestrator's structural rule
// that a task only ever exists attached to one job.
type TaskHandler struct {
	db    *gorm.DB
	tasks task.Repo
}

func NewTaskHandler(db *gorm.DB, tasks task.Repo) *TaskHandler {
	return &TaskHandler{db: db, tasks: tasks}
}

// GET /api/tasks?job_id=...
func (h *TaskHandler) ListTasks(c *gin.Context) {
	jobIDRaw := c.Query("job_id")
	if jobIDRaw == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_job_id", errMissingJobID)
		return
	}
	jobID, err := uuid.Parse(jobIDRaw)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.db}
	tasks, err := h.tasks.ListByJobID(dbc, jobID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_tasks_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"tasks": tasks})
}

// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.db}
	t, err := h.tasks.GetByID(dbc, taskID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_task_failed", err)
		return
	}
	if t == nil {
		response.RespondError(c, http.StatusNotFound, "task_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"task": t})
}
