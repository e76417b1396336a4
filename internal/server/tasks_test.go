package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/internal/decision"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

type arbiterStub struct {
	decision       decision.Decision
	submitErr      error
	completeErr    error
	cancelErr      error
	seenAgent      string
	seenDesc       task.Descriptor
	seenPriority   task.Priority
	seenCorr       string
	completeTaskID string
	completeStatus string
	cancelTaskID   string
}

func (s *arbiterStub) Submit(_ context.Context, agentID string, desc task.Descriptor, priority task.Priority, correlationID string) (decision.Decision, error) {
	s.seenAgent = agentID
	s.seenDesc = desc
	s.seenPriority = priority
	s.seenCorr = correlationID
	return s.decision, s.submitErr
}

func (s *arbiterStub) Complete(_ context.Context, taskID, status string, _ float64, _ int64, _ string) error {
	s.completeTaskID = taskID
	s.completeStatus = status
	return s.completeErr
}

func (s *arbiterStub) Cancel(_ context.Context, taskID, _ string) error {
	s.cancelTaskID = taskID
	return s.cancelErr
}

type taskReaderStub struct {
	task  task.Task
	found bool
	err   error
}

func (s *taskReaderStub) GetTask(_ context.Context, _ string) (task.Task, bool, error) {
	return s.task, s.found, s.err
}

func newTaskContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("subject", "agent-a")
	return ctx, rec
}

func TestTasksSubmitApproved(t *testing.T) {
	stub := &arbiterStub{decision: decision.Approved("task-1")}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	payload := `{"kind":"collect","params":{"source":"rss"},"estimated_cost":1.5,"correlation_id":"corr-1"}`
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks", payload)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if stub.seenAgent != "agent-a" || stub.seenCorr != "corr-1" {
		t.Fatalf("request fields not forwarded: agent=%q corr=%q", stub.seenAgent, stub.seenCorr)
	}
	if stub.seenPriority != task.PriorityNormal {
		t.Fatalf("missing priority must default to normal, got %d", stub.seenPriority)
	}
	var d decision.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.TaskID != "task-1" {
		t.Fatalf("unexpected body: %+v", d)
	}
}

func TestTasksSubmitDelayedSetsRetryAfter(t *testing.T) {
	retry := time.Now().Add(40 * time.Second)
	stub := &arbiterStub{decision: decision.Delayed(decision.ReasonRateLimited, "slow down", retry)}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks",
		`{"kind":"collect","params":{"source":"rss"},"correlation_id":"corr-1"}`)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on a delayed decision")
	}
}

func TestTasksSubmitValidationRejection(t *testing.T) {
	stub := &arbiterStub{decision: decision.Rejected(decision.ReasonValidation, "kind: must be provided")}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks", `{"correlation_id":"corr-1"}`)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for validation rejection, got %d", rec.Code)
	}
}

func TestTasksSubmitPolicyRejection(t *testing.T) {
	stub := &arbiterStub{decision: decision.Rejected(decision.ReasonLoopDetected, "cycle")}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks",
		`{"kind":"collect","params":{"source":"rss"},"correlation_id":"corr-1"}`)

	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for policy rejection, got %d", rec.Code)
	}
}

func TestTasksGetNotFound(t *testing.T) {
	h := &TasksHandler{Tasks: &taskReaderStub{}}

	e := echo.New()
	ctx, _ := newTaskContext(e, http.MethodGet, "/api/tasks/t-1", "")
	ctx.SetParamNames("id")
	ctx.SetParamValues("t-1")

	err := h.get(ctx)
	if err == nil {
		t.Fatalf("expected error for missing task")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 http error, got %#v", err)
	}
}

func TestTasksCompleteDefaultsStatus(t *testing.T) {
	stub := &arbiterStub{}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks/t-1/complete", `{"actual_cost":2.5}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("t-1")

	if err := h.complete(ctx); err != nil {
		t.Fatalf("complete returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.completeTaskID != "t-1" || stub.completeStatus != task.StatusCompleted {
		t.Fatalf("complete not forwarded: id=%q status=%q", stub.completeTaskID, stub.completeStatus)
	}
}

func TestTasksCancelForwardsReason(t *testing.T) {
	stub := &arbiterStub{}
	h := &TasksHandler{Arbiter: stub}

	e := echo.New()
	ctx, rec := newTaskContext(e, http.MethodPost, "/api/tasks/t-1/cancel", `{"reason":"operator abort"}`)
	ctx.SetParamNames("id")
	ctx.SetParamValues("t-1")

	if err := h.cancel(ctx); err != nil {
		t.Fatalf("cancel returned error: %v", err)
	}
	if rec.Code != http.StatusOK || stub.cancelTaskID != "t-1" {
		t.Fatalf("cancel not forwarded: code=%d id=%q", rec.Code, stub.cancelTaskID)
	}
}

func TestRetryAfterHeaderFloorsToOneSecond(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	if got := retryAfterHeader(&past); got != "1" {
		t.Fatalf("expected floor of 1, got %q", got)
	}
	if got := retryAfterHeader(nil); got != "" {
		t.Fatalf("nil retry hint must produce no header, got %q", got)
	}
}
