package handlers

import (
	"net/http"

	"otc-backend/internal/models"
	"otc-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// EventsHandler lifecycle feed, as a snapshot and as a websocket stream
type EventsHandler struct {
	tracker *services.EventTracker
}

func NewEventsHandler(tracker *services.EventTracker) *EventsHandler {
	return &EventsHandler{tracker: tracker}
}

// RecentEventsHandler GET /events?limit=&settlement_id=
func (h *EventsHandler) RecentEventsHandler(c *gin.Context) {
	if id := c.Query("settlement_id"); id != "" {
		evs := h.tracker.ForSettlement(models.NormalizeSettlementID(id))
		c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
		return
	}
	evs := h.tracker.Recent(queryInt(c, "limit", services.DefaultTrackedEvents))
	c.JSON(http.StatusOK, gin.H{
		"events":      evs,
		"count":       len(evs),
		"connections": h.tracker.Connections(),
	})
}

// WebSocketHandler GET /ws/events
func (h *EventsHandler) WebSocketHandler(c *gin.Context) {
	h.tracker.HandleWebSocket(c.Writer, c.Request)
}
