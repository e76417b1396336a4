package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/internal/dampener"
	"github.com/mohammad-safakhou/arbiter/internal/runtime"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

type eventGate interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}, correlationID, sourceID string, priority task.Priority) (dampener.Result, error)
}

// EventsHandler routes agent events through the dampening pipeline. The
// JWT subject is recorded as the emitting entity on the causality edge.
type EventsHandler struct {
	Gate eventGate
}

func (h *EventsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.publish)
}

func (h *EventsHandler) publish(c echo.Context) error {
	sourceID := c.Get("subject").(string)
	var req PublishEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.EventType == "" || req.CorrelationID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event_type and correlation_id required")
	}
	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = task.Priority(*req.Priority)
	}
	res, err := h.Gate.Publish(c.Request().Context(), req.EventType, req.Payload, req.CorrelationID, sourceID, priority)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !res.Published {
		// A duplicate is not a backoff condition: the event is already on
		// its way, so the caller subscribes instead of retrying.
		if res.Reason == dampener.ReasonDuplicate {
			return c.JSON(http.StatusOK, res)
		}
		return c.JSON(http.StatusTooManyRequests, res)
	}
	return c.JSON(http.StatusAccepted, res)
}
