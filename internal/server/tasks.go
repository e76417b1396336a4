package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/internal/decision"
	"github.com/mohammad-safakhou/arbiter/internal/runtime"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

// arbiterAPI is the slice of the arbitrator the task handlers need.
type arbiterAPI interface {
	Submit(ctx context.Context, agentID string, desc task.Descriptor, priority task.Priority, correlationID string) (decision.Decision, error)
	Complete(ctx context.Context, taskID, status string, actualCost float64, actualTokens int64, resultID string) error
	Cancel(ctx context.Context, taskID, reason string) error
}

type taskReader interface {
	GetTask(ctx context.Context, taskID string) (task.Task, bool, error)
}

// TasksHandler exposes the admission path. The JWT subject is the agent
// on whose behalf the submission is arbitrated.
type TasksHandler struct {
	Arbiter arbiterAPI
	Tasks   taskReader
}

func (h *TasksHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.submit)
	g.GET("/:id", h.get)
	g.POST("/:id/complete", h.complete)
	g.POST("/:id/cancel", h.cancel)
}

func (h *TasksHandler) submit(c echo.Context) error {
	agentID := c.Get("subject").(string)
	var req SubmitTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = task.Priority(*req.Priority)
	}
	d, err := h.Arbiter.Submit(c.Request().Context(), agentID, req.Descriptor(), priority, req.CorrelationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if hdr := retryAfterHeader(d.RetryAfter); hdr != "" {
		c.Response().Header().Set("Retry-After", hdr)
	}
	return c.JSON(decisionStatus(d), d)
}

// decisionStatus maps an admission decision to an HTTP status. The body
// always carries the full decision; the status is for clients that only
// look at the code.
func decisionStatus(d decision.Decision) int {
	switch d.Status {
	case decision.StatusApproved:
		return http.StatusCreated
	case decision.StatusDeduped:
		return http.StatusOK
	case decision.StatusDelayed:
		return http.StatusTooManyRequests
	default:
		if d.Reason == decision.ReasonValidation {
			return http.StatusBadRequest
		}
		return http.StatusForbidden
	}
}

func (h *TasksHandler) get(c echo.Context) error {
	t, ok, err := h.Tasks.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *TasksHandler) complete(c echo.Context) error {
	var req CompleteTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		req.Status = task.StatusCompleted
	}
	err := h.Arbiter.Complete(c.Request().Context(), c.Param("id"), req.Status, req.ActualCost, req.ActualTokens, req.ResultID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *TasksHandler) cancel(c echo.Context) error {
	var req CancelTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Arbiter.Cancel(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// retryAfterHeader formats the optional retry hint for 429 responses.
func retryAfterHeader(at *time.Time) string {
	if at == nil {
		return ""
	}
	secs := int(time.Until(*at).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
