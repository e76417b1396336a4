package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BudgetLimits are the effective limits applied to one reservation attempt.
type BudgetLimits struct {
	DailyCost     float64
	MonthlyCost   float64
	DailyTokens   int64
	MaxConcurrent int
}

// BudgetSnapshot is the window state after (or at the point of) an attempt.
type BudgetSnapshot struct {
	DailyCost   float64
	MonthlyCost float64
	DailyTokens int64
	Inflight    int
}

// ReserveResult reports whether the reservation was applied and the window
// counters observed by the attempt.
type ReserveResult struct {
	Reserved bool
	Snapshot BudgetSnapshot
}

// dayStart truncates to the UTC day boundary; monthStart to the first of
// the month. Window resets are computed from these on every access, never
// by a background sweep.
func dayStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextDailyReset returns the upcoming UTC midnight after now.
func NextDailyReset(now time.Time) time.Time {
	return dayStart(now).Add(24 * time.Hour)
}

// NextMonthlyReset returns the first instant of the following month.
func NextMonthlyReset(now time.Time) time.Time {
	return monthStart(now).AddDate(0, 1, 0)
}

// rollWindows lazily zeroes any counter whose window boundary has passed.
// Runs inside the reservation/usage transactions so the guarded updates
// below always see current-window counters.
func rollWindows(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) error {
	day := dayStart(now)
	month := monthStart(now)
	if _, err := tx.ExecContext(ctx, `
INSERT INTO agent_budgets (agent_id, day_start, month_start)
VALUES ($1, $2, $3)
ON CONFLICT (agent_id) DO UPDATE SET
  daily_cost   = CASE WHEN agent_budgets.day_start   < EXCLUDED.day_start   THEN 0 ELSE agent_budgets.daily_cost   END,
  daily_tokens = CASE WHEN agent_budgets.day_start   < EXCLUDED.day_start   THEN 0 ELSE agent_budgets.daily_tokens END,
  day_start    = GREATEST(agent_budgets.day_start, EXCLUDED.day_start),
  monthly_cost = CASE WHEN agent_budgets.month_start < EXCLUDED.month_start THEN 0 ELSE agent_budgets.monthly_cost END,
  month_start  = GREATEST(agent_budgets.month_start, EXCLUDED.month_start),
  updated_at   = NOW();
`, agentID, day, month); err != nil {
		return fmt.Errorf("roll budget windows: %w", err)
	}
	return nil
}

// ReserveBudget atomically holds the estimate against the agent's windows
// and records the reservation keyed by task id. The guarded UPDATE applies
// only when every limit still holds, so parallel callers serialize on the
// agent row and can never jointly overshoot.
func (s *Store) ReserveBudget(ctx context.Context, agentID, taskID string, estCost float64, estTokens int64, limits BudgetLimits, now time.Time) (ReserveResult, error) {
	if agentID == "" || taskID == "" {
		return ReserveResult{}, fmt.Errorf("agent_id and task_id must be provided")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReserveResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := rollWindows(ctx, tx, agentID, now); err != nil {
		return ReserveResult{}, err
	}

	var snap BudgetSnapshot
	err = tx.QueryRowContext(ctx, `
UPDATE agent_budgets SET
  daily_cost   = daily_cost + $2,
  monthly_cost = monthly_cost + $2,
  daily_tokens = daily_tokens + $3,
  inflight     = inflight + 1,
  updated_at   = NOW()
WHERE agent_id = $1
  AND daily_cost + $2   <= $4
  AND monthly_cost + $2 <= $5
  AND daily_tokens + $3 <= $6
  AND inflight + 1      <= $7
RETURNING daily_cost, monthly_cost, daily_tokens, inflight`,
		agentID, estCost, estTokens,
		limits.DailyCost, limits.MonthlyCost, limits.DailyTokens, limits.MaxConcurrent,
	).Scan(&snap.DailyCost, &snap.MonthlyCost, &snap.DailyTokens, &snap.Inflight)
	if err == sql.ErrNoRows {
		// Over a limit: report the counters the attempt saw.
		row := tx.QueryRowContext(ctx,
			`SELECT daily_cost, monthly_cost, daily_tokens, inflight FROM agent_budgets WHERE agent_id = $1`, agentID)
		if err := row.Scan(&snap.DailyCost, &snap.MonthlyCost, &snap.DailyTokens, &snap.Inflight); err != nil {
			return ReserveResult{}, fmt.Errorf("read budget counters: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ReserveResult{}, err
		}
		return ReserveResult{Reserved: false, Snapshot: snap}, nil
	}
	if err != nil {
		return ReserveResult{}, fmt.Errorf("reserve budget: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO budget_reservations (task_id, agent_id, cost, tokens)
VALUES ($1,$2,$3,$4)
ON CONFLICT (task_id) DO NOTHING`, taskID, agentID, estCost, estTokens); err != nil {
		return ReserveResult{}, fmt.Errorf("record reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Reserved: true, Snapshot: snap}, nil
}

// ReleaseReservation releases the hold exactly once per task id. The CAS on
// the released flag makes duplicate completion and cancellation signals
// harmless. Returns whether this call performed the release.
func (s *Store) ReleaseReservation(ctx context.Context, taskID string, now time.Time) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task_id must be provided")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		agentID string
		cost    float64
		tokens  int64
	)
	err = tx.QueryRowContext(ctx, `
UPDATE budget_reservations SET released = TRUE, released_at = NOW()
WHERE task_id = $1 AND released = FALSE
RETURNING agent_id, cost, tokens`, taskID).Scan(&agentID, &cost, &tokens)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release reservation: %w", err)
	}

	// Clamp at zero: if a window rolled between reserve and release the
	// counters were already zeroed for the new window.
	if _, err := tx.ExecContext(ctx, `
UPDATE agent_budgets SET
  daily_cost   = GREATEST(daily_cost - $2, 0),
  monthly_cost = GREATEST(monthly_cost - $2, 0),
  daily_tokens = GREATEST(daily_tokens - $3, 0),
  inflight     = GREATEST(inflight - 1, 0),
  updated_at   = NOW()
WHERE agent_id = $1`, agentID, cost, tokens); err != nil {
		return false, fmt.Errorf("return reservation to windows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// RecordUsage appends the reconciled actual usage for a completed task and
// charges it to the agent's windows. Keyed by task id: replaying the same
// completion signal never double-counts.
func (s *Store) RecordUsage(ctx context.Context, agentID, taskID string, actualCost float64, actualTokens int64, now time.Time) (bool, error) {
	if agentID == "" || taskID == "" {
		return false, fmt.Errorf("agent_id and task_id must be provided")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var applied bool
	err = tx.QueryRowContext(ctx, `
INSERT INTO budget_usage (task_id, agent_id, cost, tokens)
VALUES ($1,$2,$3,$4)
ON CONFLICT (task_id) DO NOTHING
RETURNING TRUE`, taskID, agentID, actualCost, actualTokens).Scan(&applied)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}

	if err := rollWindows(ctx, tx, agentID, now); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE agent_budgets SET
  daily_cost   = daily_cost + $2,
  monthly_cost = monthly_cost + $2,
  daily_tokens = daily_tokens + $3,
  updated_at   = NOW()
WHERE agent_id = $1`, agentID, actualCost, actualTokens); err != nil {
		return false, fmt.Errorf("charge actual usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetBudgetSnapshot reads the agent's current-window counters, rolling
// stale windows first so callers never see a previous day's usage.
func (s *Store) GetBudgetSnapshot(ctx context.Context, agentID string, now time.Time) (BudgetSnapshot, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return BudgetSnapshot{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := rollWindows(ctx, tx, agentID, now); err != nil {
		return BudgetSnapshot{}, err
	}
	var snap BudgetSnapshot
	row := tx.QueryRowContext(ctx,
		`SELECT daily_cost, monthly_cost, daily_tokens, inflight FROM agent_budgets WHERE agent_id = $1`, agentID)
	if err := row.Scan(&snap.DailyCost, &snap.MonthlyCost, &snap.DailyTokens, &snap.Inflight); err != nil {
		return BudgetSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return BudgetSnapshot{}, err
	}
	return snap, nil
}
