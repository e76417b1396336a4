package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/task"
)

// Store wraps the Postgres connection backing the control plane. Every
// check-then-act sequence is a single guarded SQL statement or a short
// transaction so stateless replicas can race safely.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// NewWithDSN opens a connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// AgentRecord carries an agent's trust tier and budget overrides.
type AgentRecord struct {
	ID                 string
	TrustLevel         int
	DailyCostLimit     float64
	MonthlyCostLimit   float64
	DailyTokenLimit    int64
	MaxConcurrentTasks int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GetAgent fetches an agent's registry row. The bool reports existence.
func (s *Store) GetAgent(ctx context.Context, agentID string) (AgentRecord, bool, error) {
	var rec AgentRecord
	row := s.DB.QueryRowContext(ctx, `
SELECT id, trust_level, daily_cost_limit, monthly_cost_limit, daily_token_limit, max_concurrent_tasks, created_at, updated_at
FROM agents WHERE id = $1`, agentID)
	err := row.Scan(&rec.ID, &rec.TrustLevel, &rec.DailyCostLimit, &rec.MonthlyCostLimit,
		&rec.DailyTokenLimit, &rec.MaxConcurrentTasks, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return AgentRecord{}, false, nil
	}
	if err != nil {
		return AgentRecord{}, false, err
	}
	return rec, true, nil
}

// UpsertAgent creates or replaces an agent's limits and trust tier.
func (s *Store) UpsertAgent(ctx context.Context, rec AgentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("agent id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agents (id, trust_level, daily_cost_limit, monthly_cost_limit, daily_token_limit, max_concurrent_tasks)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
  trust_level          = EXCLUDED.trust_level,
  daily_cost_limit     = EXCLUDED.daily_cost_limit,
  monthly_cost_limit   = EXCLUDED.monthly_cost_limit,
  daily_token_limit    = EXCLUDED.daily_token_limit,
  max_concurrent_tasks = EXCLUDED.max_concurrent_tasks,
  updated_at           = NOW();
`, rec.ID, rec.TrustLevel, rec.DailyCostLimit, rec.MonthlyCostLimit, rec.DailyTokenLimit, rec.MaxConcurrentTasks)
	return err
}

// ClaimResult reports the outcome of a fingerprint claim.
type ClaimResult struct {
	Winner         bool
	ExistingTaskID string
}

// CreateTask atomically claims the task fingerprint and inserts the task
// row in one transaction, so racing submissions with the same fingerprint
// resolve to exactly one winner. The winner's causality edge is recorded
// separately once the remaining checks pass; a loser never touches lineage.
func (s *Store) CreateTask(ctx context.Context, t task.Task, window time.Duration) (ClaimResult, error) {
	if t.ID == "" || t.AgentID == "" || t.Fingerprint == "" {
		return ClaimResult{}, fmt.Errorf("task id, agent_id, and fingerprint are required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var claimed string
	err = tx.QueryRowContext(ctx, `
INSERT INTO task_fingerprints (fingerprint, task_id, expires_at)
VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
ON CONFLICT (fingerprint) DO UPDATE SET
  task_id    = EXCLUDED.task_id,
  expires_at = EXCLUDED.expires_at
WHERE task_fingerprints.expires_at <= NOW()
   OR EXISTS (SELECT 1 FROM tasks WHERE tasks.id = task_fingerprints.task_id AND tasks.status = 'failed')
RETURNING task_id`, t.Fingerprint, t.ID, int64(window.Seconds())).Scan(&claimed)
	if err == sql.ErrNoRows {
		// Lost the claim: surface the holder so the caller can subscribe.
		var existing string
		if err := tx.QueryRowContext(ctx,
			`SELECT task_id FROM task_fingerprints WHERE fingerprint = $1`, t.Fingerprint).Scan(&existing); err != nil {
			return ClaimResult{}, fmt.Errorf("lookup fingerprint holder: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Winner: false, ExistingTaskID: existing}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim fingerprint: %w", err)
	}

	params, err := json.Marshal(t.Params)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("marshal task params: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, agent_id, kind, params, fingerprint, estimated_cost, estimated_tokens, priority, correlation_id, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.AgentID, t.Kind, params, t.Fingerprint, t.EstimatedCost, t.EstimatedToks,
		int(t.Priority), t.CorrelationID, task.StatusQueued); err != nil {
		return ClaimResult{}, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Winner: true, ExistingTaskID: t.ID}, nil
}

// DeleteTask removes a provisionally created task row after a downstream
// check rejected it, releasing its fingerprint claim in the same
// transaction. A compensating action, not part of normal lifecycle.
func (s *Store) DeleteTask(ctx context.Context, taskID, fingerprint string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_fingerprints WHERE fingerprint = $1 AND task_id = $2`, fingerprint, taskID); err != nil {
		return fmt.Errorf("release fingerprint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// GetTask fetches a task row by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (task.Task, bool, error) {
	var (
		t        task.Task
		params   []byte
		priority int
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT id::text, agent_id, kind, params, fingerprint, estimated_cost, estimated_tokens, priority, correlation_id, status, created_at, updated_at
FROM tasks WHERE id = $1`, taskID)
	err := row.Scan(&t.ID, &t.AgentID, &t.Kind, &params, &t.Fingerprint, &t.EstimatedCost,
		&t.EstimatedToks, &priority, &t.CorrelationID, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return task.Task{}, false, nil
	}
	if err != nil {
		return task.Task{}, false, err
	}
	t.Priority = task.Priority(priority)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &t.Params)
	}
	return t, true, nil
}

// SetTaskStatus moves a non-terminal task to the given status and reports
// whether this call performed the transition. A replayed completion or
// cancel signal finds the row already terminal and changes nothing.
func (s *Store) SetTaskStatus(ctx context.Context, taskID, status string) (bool, error) {
	if taskID == "" {
		return false, fmt.Errorf("task_id must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE tasks SET status = $2, updated_at = NOW()
WHERE id = $1 AND status NOT IN ($3, $4)`, taskID, status, task.StatusCompleted, task.StatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DecisionRecord is an audit row for non-approved decisions.
type DecisionRecord struct {
	AgentID     string
	Fingerprint string
	Status      string
	Reason      string
	Detail      string
}

// RecordDecision appends a decision audit row. Failures here must not fail
// the submission, so callers log and continue.
func (s *Store) RecordDecision(ctx context.Context, rec DecisionRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO decision_log (agent_id, fingerprint, status, reason, detail)
VALUES ($1,$2,$3,$4,$5)`, rec.AgentID, rec.Fingerprint, rec.Status, rec.Reason, rec.Detail)
	return err
}

// SweepExpiredFingerprints deletes fingerprint rows whose window elapsed.
// Memory hygiene only; expiry is always re-checked on read.
func (s *Store) SweepExpiredFingerprints(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_fingerprints WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
