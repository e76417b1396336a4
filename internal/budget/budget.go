package budget

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/alert"
	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Limit kinds reported on rejection.
const (
	KindDailyCost   = "daily_cost"
	KindMonthlyCost = "monthly_cost"
	KindDailyTokens = "daily_tokens"
	KindConcurrency = "concurrency"
)

// Limits are the effective multi-dimensional quotas for one agent.
type Limits struct {
	DailyCost     float64
	MonthlyCost   float64
	DailyTokens   int64
	MaxConcurrent int
}

// LimitsFromAgent maps a registry row onto effective limits.
func LimitsFromAgent(rec store.AgentRecord) Limits {
	return Limits{
		DailyCost:     rec.DailyCostLimit,
		MonthlyCost:   rec.MonthlyCostLimit,
		DailyTokens:   rec.DailyTokenLimit,
		MaxConcurrent: rec.MaxConcurrentTasks,
	}
}

func (l Limits) toStore() store.BudgetLimits {
	return store.BudgetLimits{
		DailyCost:     l.DailyCost,
		MonthlyCost:   l.MonthlyCost,
		DailyTokens:   l.DailyTokens,
		MaxConcurrent: l.MaxConcurrent,
	}
}

// Store is the slice of the durable store the engine needs.
type Store interface {
	GetAgent(ctx context.Context, agentID string) (store.AgentRecord, bool, error)
	ReserveBudget(ctx context.Context, agentID, taskID string, estCost float64, estTokens int64, limits store.BudgetLimits, now time.Time) (store.ReserveResult, error)
	ReleaseReservation(ctx context.Context, taskID string, now time.Time) (bool, error)
	RecordUsage(ctx context.Context, agentID, taskID string, actualCost float64, actualTokens int64, now time.Time) (bool, error)
	GetBudgetSnapshot(ctx context.Context, agentID string, now time.Time) (store.BudgetSnapshot, error)
}

// Engine performs quota bookkeeping on the admission path. All counter
// mutations happen through guarded store statements, so parallel callers
// serialize on the agent row rather than in this process.
type Engine struct {
	store     Store
	defaults  Limits
	warnRatio float64
	alerts    alert.Sink
	logger    *log.Logger
	now       func() time.Time
}

// NewEngine builds a budget engine. defaults apply to agents without a
// registry row; warnRatio is the advisory warning threshold (e.g. 0.8).
func NewEngine(st Store, defaults Limits, warnRatio float64, alerts alert.Sink, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[BUDGET] ", log.LstdFlags)
	}
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.8
	}
	return &Engine{
		store:     st,
		defaults:  defaults,
		warnRatio: warnRatio,
		alerts:    alerts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the engine's time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// CheckResult is the outcome of a reservation attempt.
type CheckResult struct {
	Approved bool
	Kind     string
	ResetAt  time.Time
	Snapshot store.BudgetSnapshot
	Limits   Limits
}

// EffectiveLimits resolves the limits applied to an agent: its registry row
// when present, the configured defaults otherwise.
func (e *Engine) EffectiveLimits(ctx context.Context, agentID string) (Limits, error) {
	rec, ok, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return Limits{}, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if !ok {
		return e.defaults, nil
	}
	return LimitsFromAgent(rec), nil
}

// Reserve holds the estimate against the agent's windows. On rejection the
// result names the exhausted dimension and when its window resets.
func (e *Engine) Reserve(ctx context.Context, agentID, taskID string, estCost float64, estTokens int64) (CheckResult, error) {
	limits, err := e.EffectiveLimits(ctx, agentID)
	if err != nil {
		return CheckResult{}, err
	}
	now := e.now()
	res, err := e.store.ReserveBudget(ctx, agentID, taskID, estCost, estTokens, limits.toStore(), now)
	if err != nil {
		return CheckResult{}, err
	}
	out := CheckResult{Approved: res.Reserved, Snapshot: res.Snapshot, Limits: limits}
	if !res.Reserved {
		out.Kind, out.ResetAt = e.classify(res.Snapshot, limits, estCost, estTokens, now)
		return out, nil
	}
	e.maybeWarn(ctx, agentID, res.Snapshot, limits)
	return out, nil
}

// classify names the first limit the attempt would have breached, in the
// same order the reservation predicate evaluates them.
func (e *Engine) classify(snap store.BudgetSnapshot, limits Limits, estCost float64, estTokens int64, now time.Time) (string, time.Time) {
	switch {
	case snap.DailyCost+estCost > limits.DailyCost:
		return KindDailyCost, store.NextDailyReset(now)
	case snap.MonthlyCost+estCost > limits.MonthlyCost:
		return KindMonthlyCost, store.NextMonthlyReset(now)
	case snap.DailyTokens+estTokens > limits.DailyTokens:
		return KindDailyTokens, store.NextDailyReset(now)
	default:
		// Concurrency frees up as running tasks reconcile; suggest a short
		// retry rather than a window boundary.
		return KindConcurrency, now.Add(15 * time.Second)
	}
}

// maybeWarn raises the advisory 80% warning. Never blocks the reservation.
func (e *Engine) maybeWarn(ctx context.Context, agentID string, snap store.BudgetSnapshot, limits Limits) {
	var crossed []string
	if limits.DailyCost > 0 && snap.DailyCost >= e.warnRatio*limits.DailyCost {
		crossed = append(crossed, KindDailyCost)
	}
	if limits.MonthlyCost > 0 && snap.MonthlyCost >= e.warnRatio*limits.MonthlyCost {
		crossed = append(crossed, KindMonthlyCost)
	}
	if limits.DailyTokens > 0 && float64(snap.DailyTokens) >= e.warnRatio*float64(limits.DailyTokens) {
		crossed = append(crossed, KindDailyTokens)
	}
	if len(crossed) == 0 || e.alerts == nil {
		return
	}
	evt := alert.Event{
		Kind:    alert.KindBudgetWarning,
		AgentID: agentID,
		Message: fmt.Sprintf("agent %s above %.0f%% of budget: %v", agentID, e.warnRatio*100, crossed),
		Details: map[string]interface{}{
			"dimensions":   crossed,
			"daily_cost":   snap.DailyCost,
			"monthly_cost": snap.MonthlyCost,
			"daily_tokens": snap.DailyTokens,
		},
		At: e.now(),
	}
	if err := e.alerts.Notify(ctx, evt); err != nil {
		e.logger.Printf("budget warning for %s: %v", agentID, err)
	}
}

// TrackActualUsage releases the reservation for taskID and records the
// reconciled usage. Idempotent per task id: duplicate completion signals
// neither double-release nor double-count.
func (e *Engine) TrackActualUsage(ctx context.Context, agentID, taskID string, actualCost float64, actualTokens int64) error {
	now := e.now()
	if _, err := e.store.ReleaseReservation(ctx, taskID, now); err != nil {
		return fmt.Errorf("release reservation for %s: %w", taskID, err)
	}
	if _, err := e.store.RecordUsage(ctx, agentID, taskID, actualCost, actualTokens, now); err != nil {
		return err
	}
	return nil
}

// Cancel releases a reservation without recording usage. This is the
// compensating action for tasks invalidated after reservation or cancelled
// outright.
func (e *Engine) Cancel(ctx context.Context, taskID string) error {
	_, err := e.store.ReleaseReservation(ctx, taskID, e.now())
	return err
}

// Usage reads the agent's current-window counters and effective limits.
func (e *Engine) Usage(ctx context.Context, agentID string) (store.BudgetSnapshot, Limits, error) {
	limits, err := e.EffectiveLimits(ctx, agentID)
	if err != nil {
		return store.BudgetSnapshot{}, Limits{}, err
	}
	snap, err := e.store.GetBudgetSnapshot(ctx, agentID, e.now())
	if err != nil {
		return store.BudgetSnapshot{}, Limits{}, err
	}
	return snap, limits, nil
}
