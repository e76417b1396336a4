package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Breaker transition labels persisted to the audit table. Automatic and
// manual resets are audited distinctly.
const (
	BreakerTripped     = "tripped"
	BreakerAutoReset   = "auto_reset"
	BreakerManualReset = "manual_reset"
)

// BreakerRecord is the persisted state of one correlation's breaker.
type BreakerRecord struct {
	CorrelationID string
	TrippedAt     time.Time
	ResetAt       time.Time
	Reason        string
}

// TripBreaker opens the breaker for a correlation via compare-and-swap:
// an already-open breaker is left untouched (trip is monotonic within the
// cooldown), an expired or absent one is (re)opened. Returns whether this
// call performed the trip.
func (s *Store) TripBreaker(ctx context.Context, correlationID, reason string, resetAt time.Time) (bool, error) {
	if correlationID == "" {
		return false, fmt.Errorf("correlation_id must be provided")
	}
	var tripped bool
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO circuit_breakers (correlation_id, tripped_at, reset_at, reason)
VALUES ($1, NOW(), $2, $3)
ON CONFLICT (correlation_id) DO UPDATE SET
  tripped_at     = NOW(),
  reset_at       = EXCLUDED.reset_at,
  reason         = EXCLUDED.reason,
  reset_observed = FALSE
WHERE circuit_breakers.reset_at <= NOW()
RETURNING TRUE`, correlationID, resetAt, reason).Scan(&tripped)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("trip breaker: %w", err)
	}
	return tripped, nil
}

// GetBreaker fetches the breaker row for a correlation. Expired rows are
// still returned; callers treat reset_at <= now as CLOSED.
func (s *Store) GetBreaker(ctx context.Context, correlationID string) (BreakerRecord, bool, error) {
	var rec BreakerRecord
	row := s.DB.QueryRowContext(ctx, `
SELECT correlation_id, tripped_at, reset_at, reason
FROM circuit_breakers WHERE correlation_id = $1`, correlationID)
	err := row.Scan(&rec.CorrelationID, &rec.TrippedAt, &rec.ResetAt, &rec.Reason)
	if err == sql.ErrNoRows {
		return BreakerRecord{}, false, nil
	}
	if err != nil {
		return BreakerRecord{}, false, err
	}
	return rec, true, nil
}

// ResetBreaker force-closes an open breaker. Returns whether a still-open
// breaker was actually closed by this call.
func (s *Store) ResetBreaker(ctx context.Context, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, fmt.Errorf("correlation_id must be provided")
	}
	var reset bool
	err := s.DB.QueryRowContext(ctx, `
UPDATE circuit_breakers SET reset_at = NOW()
WHERE correlation_id = $1 AND reset_at > NOW()
RETURNING TRUE`, correlationID).Scan(&reset)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reset breaker: %w", err)
	}
	return reset, nil
}

// ObserveAutoReset flips the reset_observed flag on an expired breaker row
// exactly once, so the lazy CLOSED transition is audited a single time even
// when many replicas notice the expiry concurrently.
func (s *Store) ObserveAutoReset(ctx context.Context, correlationID string) (bool, error) {
	var observed bool
	err := s.DB.QueryRowContext(ctx, `
UPDATE circuit_breakers SET reset_observed = TRUE
WHERE correlation_id = $1 AND reset_at <= NOW() AND NOT reset_observed
RETURNING TRUE`, correlationID).Scan(&observed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("observe auto reset: %w", err)
	}
	return observed, nil
}

// RecordBreakerEvent appends a breaker transition to the audit log.
func (s *Store) RecordBreakerEvent(ctx context.Context, correlationID, transition, reason, operatorID string) error {
	if correlationID == "" || transition == "" {
		return fmt.Errorf("correlation_id and transition must be provided")
	}
	var op interface{}
	if operatorID != "" {
		op = operatorID
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO breaker_events (correlation_id, transition, reason, operator_id)
VALUES ($1,$2,$3,$4)`, correlationID, transition, reason, op)
	return err
}

// SweepExpiredBreakers removes breaker rows long past their reset time.
// Hygiene only: expiry is evaluated lazily on every read.
func (s *Store) SweepExpiredBreakers(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM circuit_breakers WHERE reset_at <= NOW() - $1 * INTERVAL '1 second'`, int64(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateOperator registers an operator account with a bcrypt hash.
func (s *Store) CreateOperator(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO operators (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

// GetOperatorByEmail returns an operator's id and password hash.
func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id::text, password_hash FROM operators WHERE email = $1`, email).Scan(&id, &hash)
	return id, hash, err
}
