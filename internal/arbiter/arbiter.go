package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/arbiter/internal/breaker"
	"github.com/mohammad-safakhou/arbiter/internal/budget"
	"github.com/mohammad-safakhou/arbiter/internal/decision"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/loop"
	"github.com/mohammad-safakhou/arbiter/internal/rate"
	"github.com/mohammad-safakhou/arbiter/internal/store"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

// TaskStore is the slice of the durable store the arbitrator needs.
type TaskStore interface {
	CreateTask(ctx context.Context, t task.Task, window time.Duration) (store.ClaimResult, error)
	DeleteTask(ctx context.Context, taskID, fingerprint string) error
	GetAgent(ctx context.Context, agentID string) (store.AgentRecord, bool, error)
	GetTask(ctx context.Context, taskID string) (task.Task, bool, error)
	SetTaskStatus(ctx context.Context, taskID, status string) (bool, error)
	RecordDecision(ctx context.Context, rec store.DecisionRecord) error
}

// BudgetEngine reserves and releases multi-dimensional quota.
type BudgetEngine interface {
	Reserve(ctx context.Context, agentID, taskID string, estCost float64, estTokens int64) (budget.CheckResult, error)
	TrackActualUsage(ctx context.Context, agentID, taskID string, actualCost float64, actualTokens int64) error
	Cancel(ctx context.Context, taskID string) error
}

// RateChecker guards short-window throughput per (agent, resource).
type RateChecker interface {
	Check(ctx context.Context, agentID, resource string, trustLevel int) (rate.Result, error)
}

// LoopChecker answers whether a candidate submission would loop.
type LoopChecker interface {
	CheckCausalityChain(ctx context.Context, correlationID string, cand loop.Candidate) (loop.Verdict, error)
}

// BreakerGate exposes the breaker operations used on the admission path.
type BreakerGate interface {
	IsTripped(ctx context.Context, correlationID string) (breaker.State, error)
	Trip(ctx context.Context, correlationID, reason string, details map[string]interface{}) error
}

// EdgeRecorder records causality edges.
type EdgeRecorder interface {
	RecordAction(ctx context.Context, correlationID, actionType, sourceID, targetID string, metadata map[string]interface{}) (int64, error)
}

// Arbitrator turns a task submission into a single admission decision.
// Checks run in fixed, cheapest-first order (dedup, budget, rate, breaker,
// loop), short-circuiting on the first failure. Every check-then-act step
// runs as an atomic conditional write in the shared store, so stateless
// replicas race safely.
type Arbitrator struct {
	store       TaskStore
	budget      BudgetEngine
	rate        RateChecker
	loops       LoopChecker
	breaker     BreakerGate
	lineage     EdgeRecorder
	dedupWindow time.Duration
	logger      *log.Logger
}

// New builds an arbitrator.
func New(st TaskStore, be BudgetEngine, rc RateChecker, lc LoopChecker, bg BreakerGate, er EdgeRecorder, dedupWindow time.Duration, logger *log.Logger) *Arbitrator {
	if dedupWindow <= 0 {
		dedupWindow = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[ARBITER] ", log.LstdFlags)
	}
	return &Arbitrator{
		store:       st,
		budget:      be,
		rate:        rc,
		loops:       lc,
		breaker:     bg,
		lineage:     er,
		dedupWindow: dedupWindow,
		logger:      logger,
	}
}

// Submit arbitrates one task submission. The returned error indicates a
// store or transport failure (the caller retries with backoff); every
// admission verdict, including rejections, arrives as a Decision.
func (a *Arbitrator) Submit(ctx context.Context, agentID string, desc task.Descriptor, priority task.Priority, correlationID string) (decision.Decision, error) {
	if agentID == "" {
		return a.reject(ctx, agentID, "", decision.ReasonValidation, "agent_id must be provided"), nil
	}
	if correlationID == "" {
		return a.reject(ctx, agentID, "", decision.ReasonValidation, "correlation_id must be provided"), nil
	}
	if err := desc.Validate(); err != nil {
		var verr *task.ValidationError
		if errors.As(err, &verr) {
			return a.reject(ctx, agentID, "", decision.ReasonValidation, verr.Error()), nil
		}
		return a.reject(ctx, agentID, "", decision.ReasonValidation, err.Error()), nil
	}

	kind := strings.TrimSpace(strings.ToLower(desc.Kind))
	params := task.Normalize(desc.Params)
	fingerprint := task.Fingerprint(kind, params)
	t := task.Task{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		Kind:          kind,
		Params:        params,
		Fingerprint:   fingerprint,
		EstimatedCost: desc.EstimatedCost,
		EstimatedToks: desc.EstimatedToks,
		Priority:      priority,
		CorrelationID: correlationID,
		Status:        task.StatusQueued,
	}

	// Dedup: atomic conditional claim on the fingerprint key. Exactly one
	// of any concurrent identical submissions wins.
	claim, err := a.store.CreateTask(ctx, t, a.dedupWindow)
	if err != nil {
		return decision.Decision{}, fmt.Errorf("claim task: %w", err)
	}
	if !claim.Winner {
		d := decision.Deduped(claim.ExistingTaskID)
		a.audit(ctx, agentID, fingerprint, d)
		recordDecisionMetrics(ctx, d)
		return d, nil
	}

	// Budget: optimistic reservation against the agent's windows.
	check, err := a.budget.Reserve(ctx, agentID, t.ID, t.EstimatedCost, t.EstimatedToks)
	if err != nil {
		a.compensate(ctx, t, false)
		return decision.Decision{}, fmt.Errorf("reserve budget: %w", err)
	}
	if !check.Approved {
		a.compensate(ctx, t, false)
		d := decision.RejectedUntil(decision.ReasonBudgetExceeded,
			fmt.Sprintf("%s limit would be exceeded", check.Kind), check.ResetAt)
		a.audit(ctx, agentID, fingerprint, d)
		recordDecisionMetrics(ctx, d)
		return d, nil
	}

	// Rate: short-window throughput per (agent, task kind).
	trust := a.trustLevel(ctx, agentID)
	rres, err := a.rate.Check(ctx, agentID, t.Kind, trust)
	if err != nil {
		a.compensate(ctx, t, true)
		return decision.Decision{}, fmt.Errorf("rate check: %w", err)
	}
	if !rres.Allowed {
		a.compensate(ctx, t, true)
		d := decision.Delayed(decision.ReasonRateLimited,
			fmt.Sprintf("rate limit for %s/%s", agentID, t.Kind), rres.RetryAfter)
		a.audit(ctx, agentID, fingerprint, d)
		recordDecisionMetrics(ctx, d)
		return d, nil
	}

	// Breaker: an open correlation blocks everything under it.
	state, err := a.breaker.IsTripped(ctx, correlationID)
	if err != nil {
		a.compensate(ctx, t, true)
		return decision.Decision{}, fmt.Errorf("breaker check: %w", err)
	}
	if state.Open {
		a.compensate(ctx, t, true)
		d := decision.RejectedUntil(decision.ReasonCircuitOpen, state.Reason, state.ResetAt)
		a.audit(ctx, agentID, fingerprint, d)
		recordDecisionMetrics(ctx, d)
		return d, nil
	}

	// Loop detection over the graph as it would be with the candidate edge.
	verdict, err := a.loops.CheckCausalityChain(ctx, correlationID, loop.Candidate{
		SourceID:    agentID,
		TaskID:      t.ID,
		Fingerprint: fingerprint,
	})
	if err != nil {
		a.compensate(ctx, t, true)
		return decision.Decision{}, fmt.Errorf("loop check: %w", err)
	}
	if verdict.IsLoop {
		a.compensate(ctx, t, true)
		if err := a.breaker.Trip(ctx, correlationID, verdict.Detail, map[string]interface{}{
			"pattern": verdict.Pattern,
			"depth":   verdict.Depth,
			"agent":   agentID,
		}); err != nil {
			a.logger.Printf("trip breaker %s: %v", correlationID, err)
		}
		d := decision.Rejected(decision.ReasonLoopDetected,
			fmt.Sprintf("%s: %s", verdict.Pattern, verdict.Detail))
		a.audit(ctx, agentID, fingerprint, d)
		recordDecisionMetrics(ctx, d)
		return d, nil
	}

	// Approved: record the provisional agent→task edge synchronously so
	// submissions racing behind this one observe it.
	if _, err := a.lineage.RecordAction(ctx, correlationID, lineage.ActionSubmit, agentID, t.ID, map[string]interface{}{
		"kind":        t.Kind,
		"fingerprint": fingerprint,
	}); err != nil {
		a.compensate(ctx, t, true)
		return decision.Decision{}, fmt.Errorf("record submission edge: %w", err)
	}

	d := decision.Approved(t.ID)
	recordDecisionMetrics(ctx, d)
	return d, nil
}

// compensate unwinds a provisionally admitted task after a downstream
// check failed: release the reservation (when one was taken), then drop
// the task row and its fingerprint claim.
func (a *Arbitrator) compensate(ctx context.Context, t task.Task, reserved bool) {
	if reserved {
		if err := a.budget.Cancel(ctx, t.ID); err != nil {
			a.logger.Printf("release reservation %s: %v", t.ID, err)
		}
	}
	if err := a.store.DeleteTask(ctx, t.ID, t.Fingerprint); err != nil {
		a.logger.Printf("delete provisional task %s: %v", t.ID, err)
	}
}

func (a *Arbitrator) trustLevel(ctx context.Context, agentID string) int {
	rec, ok, err := a.store.GetAgent(ctx, agentID)
	if err != nil {
		a.logger.Printf("load agent %s: %v", agentID, err)
		return 0
	}
	if !ok {
		return 0
	}
	return rec.TrustLevel
}

// reject produces a validation rejection. Nothing was written, so there is
// nothing to unwind; the decision log is the only trace.
func (a *Arbitrator) reject(ctx context.Context, agentID, fingerprint string, reason decision.Reason, detail string) decision.Decision {
	d := decision.Rejected(reason, detail)
	a.audit(ctx, agentID, fingerprint, d)
	recordDecisionMetrics(ctx, d)
	return d
}

// audit appends the non-approved decision to the decision log. Best
// effort: the verdict stands even if the audit row is lost.
func (a *Arbitrator) audit(ctx context.Context, agentID, fingerprint string, d decision.Decision) {
	err := a.store.RecordDecision(ctx, store.DecisionRecord{
		AgentID:     agentID,
		Fingerprint: fingerprint,
		Status:      string(d.Status),
		Reason:      string(d.Reason),
		Detail:      d.Detail,
	})
	if err != nil {
		a.logger.Printf("record decision for %s: %v", agentID, err)
	}
}

// Complete reconciles a finished task: releases the reservation, records
// actual usage idempotently, flips the task status, and appends the result
// edge. resultID optionally names the produced artifact for the graph.
func (a *Arbitrator) Complete(ctx context.Context, taskID, status string, actualCost float64, actualTokens int64, resultID string) error {
	t, ok, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if status != task.StatusCompleted && status != task.StatusFailed {
		return fmt.Errorf("completion status must be %s or %s", task.StatusCompleted, task.StatusFailed)
	}
	if err := a.budget.TrackActualUsage(ctx, t.AgentID, taskID, actualCost, actualTokens); err != nil {
		return err
	}
	transitioned, err := a.store.SetTaskStatus(ctx, taskID, status)
	if err != nil {
		return err
	}
	// A replayed completion signal finds the row already terminal; the
	// first delivery recorded the edge, so replays must not pad the log.
	if !transitioned {
		return nil
	}
	if resultID != "" {
		if _, err := a.lineage.RecordAction(ctx, t.CorrelationID, lineage.ActionResult, taskID, resultID, map[string]interface{}{
			"status": status,
		}); err != nil {
			a.logger.Printf("record result edge %s: %v", taskID, err)
		}
	} else {
		if _, err := a.lineage.RecordAction(ctx, t.CorrelationID, lineage.ActionComplete, taskID, t.AgentID, map[string]interface{}{
			"status": status,
		}); err != nil {
			a.logger.Printf("record completion edge %s: %v", taskID, err)
		}
	}
	return nil
}

// Cancel releases a queued or running task's reservation as a compensating
// action and marks it failed so its fingerprint no longer blocks redo.
func (a *Arbitrator) Cancel(ctx context.Context, taskID, reason string) error {
	t, ok, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.Status == task.StatusCompleted || t.Status == task.StatusFailed {
		return nil
	}
	if err := a.budget.Cancel(ctx, taskID); err != nil {
		return err
	}
	transitioned, err := a.store.SetTaskStatus(ctx, taskID, task.StatusFailed)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	if _, err := a.lineage.RecordAction(ctx, t.CorrelationID, lineage.ActionCancel, taskID, t.AgentID, map[string]interface{}{
		"reason": reason,
	}); err != nil {
		a.logger.Printf("record cancel edge %s: %v", taskID, err)
	}
	return nil
}
