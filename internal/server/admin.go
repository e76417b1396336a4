package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/internal/budget"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/runtime"
	"github.com/mohammad-safakhou/arbiter/internal/store"
)

type breakerAdmin interface {
	Reset(ctx context.Context, correlationID, reason, operatorID string) (bool, error)
}

type lineageReader interface {
	BuildLineageGraph(ctx context.Context, correlationID string) (*lineage.Graph, error)
}

type agentAdmin interface {
	GetAgent(ctx context.Context, agentID string) (store.AgentRecord, bool, error)
	UpsertAgent(ctx context.Context, rec store.AgentRecord) error
}

type usageReader interface {
	Usage(ctx context.Context, agentID string) (store.BudgetSnapshot, budget.Limits, error)
}

// AdminHandler is the operator surface: breaker resets, causality
// inspection, agent budget overrides, and usage queries.
type AdminHandler struct {
	Breaker breakerAdmin
	Lineage lineageReader
	Agents  agentAdmin
	Usage   usageReader
}

func (h *AdminHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.Use(runtime.RequireScopes(runtime.ScopeOperator))
	g.POST("/breakers/:correlation_id/reset", h.resetBreaker)
	g.GET("/causality/:correlation_id", h.causality)
	g.PUT("/agents/:agent_id/budget", h.setBudget)
	g.GET("/agents/:agent_id/usage", h.usage)
}

func (h *AdminHandler) resetBreaker(c echo.Context) error {
	operatorID := c.Get("subject").(string)
	var req BreakerResetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reset, err := h.Breaker.Reset(c.Request().Context(), c.Param("correlation_id"), req.Reason, operatorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !reset {
		return echo.NewHTTPError(http.StatusNotFound, "no open breaker for correlation")
	}
	return c.NoContent(http.StatusOK)
}

func (h *AdminHandler) causality(c echo.Context) error {
	correlationID := c.Param("correlation_id")
	g, err := h.Lineage.BuildLineageGraph(c.Request().Context(), correlationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	edges := g.Edges()
	out := CausalityResponse{
		CorrelationID:  correlationID,
		Nodes:          g.Nodes(),
		Edges:          make([]CausalityEdge, 0, len(edges)),
		DetectedCycles: g.DetectCycles(),
	}
	for _, e := range edges {
		out.Edges = append(out.Edges, CausalityEdge{
			ID:         e.ID,
			SourceID:   e.SourceID,
			TargetID:   e.TargetID,
			ActionType: e.ActionType,
			Metadata:   e.Metadata,
			CreatedAt:  e.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *AdminHandler) setBudget(c echo.Context) error {
	var req AgentBudgetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DailyCostLimit < 0 || req.MonthlyCostLimit < 0 || req.DailyTokenLimit < 0 || req.MaxConcurrentTasks < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "limits cannot be negative")
	}
	rec := store.AgentRecord{
		ID:                 c.Param("agent_id"),
		TrustLevel:         req.TrustLevel,
		DailyCostLimit:     req.DailyCostLimit,
		MonthlyCostLimit:   req.MonthlyCostLimit,
		DailyTokenLimit:    req.DailyTokenLimit,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
	}
	if err := h.Agents.UpsertAgent(c.Request().Context(), rec); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *AdminHandler) usage(c echo.Context) error {
	agentID := c.Param("agent_id")
	snap, limits, err := h.Usage.Usage(c.Request().Context(), agentID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	now := time.Now().UTC()
	return c.JSON(http.StatusOK, UsageResponse{
		AgentID:          agentID,
		DailyCost:        snap.DailyCost,
		DailyCostLimit:   limits.DailyCost,
		MonthlyCost:      snap.MonthlyCost,
		MonthlyCostLimit: limits.MonthlyCost,
		DailyTokens:      snap.DailyTokens,
		DailyTokenLimit:  limits.DailyTokens,
		ActiveTasks:      snap.Inflight,
		MaxConcurrent:    limits.MaxConcurrent,
		DailyResetAt:     store.NextDailyReset(now),
		MonthlyResetAt:   store.NextMonthlyReset(now),
	})
}
