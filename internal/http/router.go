package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/devforge/orchestrator/internal/http/handlers"
	httpMW "github.com/devforge/orchestrator/internal/http/middleware"
	"github.com/devforge/orchestrator/internal/platform/logger"
)

// RouterConfig wires the module's entire inbound HTTP surface (spec §6
// "Inbound HTTP"): job lifecycle, read models for jobs/tasks/events, and
// the code host's merge webhook. OperatorSecret, when non-empty, guards the
// job-mutating endpoints behind a bearer JWT (SPEC_FULL.md's operator-auth
// addition; empty disables auth for local/dev use).
type RouterConfig struct {
	JobHandler     *httpH.JobHandler
	TaskHandler    *httpH.TaskHandler
	EventHandler   *httpH.EventHandler
	WebhookHandler *httpH.WebhookHandler
	HealthHandler  *httpH.HealthHandler

	OperatorSecret string
	Log            *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("orchestrator"))
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	if cfg.WebhookHandler != nil {
		r.POST("/webhooks/code-host", cfg.WebhookHandler.Receive)
	}

	api := r.Group("/api")
	{
		if cfg.JobHandler != nil {
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		}
		if cfg.TaskHandler != nil {
			api.GET("/tasks", cfg.TaskHandler.ListTasks)
			api.GET("/tasks/:id", cfg.TaskHandler.GetTask)
		}
		if cfg.EventHandler != nil {
			api.GET("/events", cfg.EventHandler.ListEvents)
		}
	}

	write := api.Group("/")
	write.Use(httpMW.RequireOperator(cfg.OperatorSecret))
	{
		if cfg.JobHandler != nil {
			write.POST("/jobs", cfg.JobHandler.CreateJob)
			write.POST("/jobs/:id/run", cfg.JobHandler.RunJob)
			write.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
		}
	}

	return r
}
