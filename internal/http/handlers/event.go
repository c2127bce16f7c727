package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/devforge/orchestrator/internal/data/repos/taskevent"
	"github.com/devforge/orchestrator/internal/http/response"
	"github.com/devforge/orchestrator/internal/pkg/dbctx"
)

// EventHandler backs the paginated event stream (spec §6 "GET
// /api/events?since=cursor"). The cursor is the RFC3339 CreatedAt of the
// last event the caller already has; it is opaque to the caller and only
// meaningful as the nextCursor this handler hands back.
type EventHandler struct {
	db     *gorm.DB
	events taskevent.Repo
}

func NewEventHandler(db *gorm.DB, events taskevent.Repo) *EventHandler {
	return &EventHandler{db: db, events: events}
}

func (h *EventHandler) ListEvents(c *gin.Context) {
	since := time.Time{}
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_cursor", err)
			return
		}
		since = parsed
	}
	limit := queryInt(c, "limit", 100)

	dbc := dbctx.Context{Ctx: c.Request.Context(), Tx: h.db}
	events, err := h.events.ListSince(dbc, since, limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_events_failed", err)
		return
	}

	nextCursor := since.Format(time.RFC3339Nano)
	if len(events) > 0 {
		nextCursor = events[len(events)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	response.RespondOK(c, gin.H{"events": events, "nextCursor": nextCursor})
}
