package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/internal/budget"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/store"
)

type breakerAdminStub struct {
	reset        bool
	err          error
	seenCorr     string
	seenOperator string
}

func (s *breakerAdminStub) Reset(_ context.Context, correlationID, _, operatorID string) (bool, error) {
	s.seenCorr = correlationID
	s.seenOperator = operatorID
	return s.reset, s.err
}

type lineageReaderStub struct {
	edges []store.EdgeRecord
	err   error
}

func (s *lineageReaderStub) BuildLineageGraph(_ context.Context, _ string) (*lineage.Graph, error) {
	if s.err != nil {
		return nil, s.err
	}
	return lineage.BuildGraph(s.edges), nil
}

type agentAdminStub struct {
	saved store.AgentRecord
	err   error
}

func (s *agentAdminStub) GetAgent(_ context.Context, _ string) (store.AgentRecord, bool, error) {
	return s.saved, s.saved.ID != "", nil
}

func (s *agentAdminStub) UpsertAgent(_ context.Context, rec store.AgentRecord) error {
	if s.err != nil {
		return s.err
	}
	s.saved = rec
	return nil
}

type usageReaderStub struct {
	snap   store.BudgetSnapshot
	limits budget.Limits
	err    error
}

func (s *usageReaderStub) Usage(_ context.Context, _ string) (store.BudgetSnapshot, budget.Limits, error) {
	return s.snap, s.limits, s.err
}

func TestAdminResetBreaker(t *testing.T) {
	stub := &breakerAdminStub{reset: true}
	h := &AdminHandler{Breaker: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/admin/breakers/corr-1/reset", `{"reason":"verified fix"}`)
	ctx.SetParamNames("correlation_id")
	ctx.SetParamValues("corr-1")

	if err := h.resetBreaker(ctx); err != nil {
		t.Fatalf("resetBreaker returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.seenCorr != "corr-1" || stub.seenOperator != "agent-a" {
		t.Fatalf("reset not forwarded: corr=%q operator=%q", stub.seenCorr, stub.seenOperator)
	}
}

func TestAdminResetBreakerNotOpen(t *testing.T) {
	h := &AdminHandler{Breaker: &breakerAdminStub{reset: false}}

	e := echo.New()
	ctx, _ := newTaskContext(e, http.MethodPost, "/api/admin/breakers/corr-1/reset", `{}`)
	ctx.SetParamNames("correlation_id")
	ctx.SetParamValues("corr-1")

	err := h.resetBreaker(ctx)
	if err == nil {
		t.Fatalf("expected error when no breaker is open")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 http error, got %#v", err)
	}
}

func TestAdminCausalityReportsCycles(t *testing.T) {
	stub := &lineageReaderStub{edges: []store.EdgeRecord{
		{ID: 1, SourceID: "a", TargetID: "b", ActionType: "submit"},
		{ID: 2, SourceID: "b", TargetID: "c", ActionType: "result"},
		{ID: 3, SourceID: "c", TargetID: "a", ActionType: "submit"},
	}}
	h := &AdminHandler{Lineage: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodGet, "/api/admin/causality/corr-1", "")
	ctx.SetParamNames("correlation_id")
	ctx.SetParamValues("corr-1")

	if err := h.causality(ctx); err != nil {
		t.Fatalf("causality returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp CausalityResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Nodes) != 3 || len(resp.Edges) != 3 {
		t.Fatalf("unexpected graph size: %d nodes %d edges", len(resp.Nodes), len(resp.Edges))
	}
	if len(resp.DetectedCycles) != 1 {
		t.Fatalf("expected one detected cycle, got %v", resp.DetectedCycles)
	}
}

func TestAdminSetBudgetRejectsNegativeLimits(t *testing.T) {
	h := &AdminHandler{Agents: &agentAdminStub{}}

	e := echo.New()
	ctx, _ := newTaskContext(e, http.MethodPut, "/api/admin/agents/agent-a/budget", `{"daily_cost_limit":-1}`)
	ctx.SetParamNames("agent_id")
	ctx.SetParamValues("agent-a")

	err := h.setBudget(ctx)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 http error, got %#v", err)
	}
}

func TestAdminSetBudgetPersists(t *testing.T) {
	stub := &agentAdminStub{}
	h := &AdminHandler{Agents: stub}

	e := echo.New()
	payload := `{"trust_level":2,"daily_cost_limit":20,"monthly_cost_limit":200,"daily_token_limit":100000,"max_concurrent_tasks":3}`
	ctx, rec := newTaskContext(e, http.MethodPut, "/api/admin/agents/agent-a/budget", payload)
	ctx.SetParamNames("agent_id")
	ctx.SetParamValues("agent-a")

	if err := h.setBudget(ctx); err != nil {
		t.Fatalf("setBudget returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.saved.ID != "agent-a" || stub.saved.TrustLevel != 2 || stub.saved.DailyCostLimit != 20 {
		t.Fatalf("unexpected saved record: %+v", stub.saved)
	}
}

func TestAdminUsageReportsWindows(t *testing.T) {
	stub := &usageReaderStub{
		snap:   store.BudgetSnapshot{DailyCost: 12.5, MonthlyCost: 80, DailyTokens: 4000, Inflight: 2},
		limits: budget.Limits{DailyCost: 50, MonthlyCost: 1000, DailyTokens: 100000, MaxConcurrent: 5},
	}
	h := &AdminHandler{Usage: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodGet, "/api/admin/agents/agent-a/usage", "")
	ctx.SetParamNames("agent_id")
	ctx.SetParamValues("agent-a")

	if err := h.usage(ctx); err != nil {
		t.Fatalf("usage returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp UsageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.AgentID != "agent-a" || resp.DailyCost != 12.5 || resp.ActiveTasks != 2 {
		t.Fatalf("unexpected usage body: %+v", resp)
	}
	if resp.DailyResetAt.IsZero() || resp.MonthlyResetAt.IsZero() {
		t.Fatalf("reset times must be populated")
	}
}
