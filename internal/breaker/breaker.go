package breaker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/alert"
	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Store is the slice of the durable store the breaker needs.
type Store interface {
	TripBreaker(ctx context.Context, correlationID, reason string, resetAt time.Time) (bool, error)
	GetBreaker(ctx context.Context, correlationID string) (store.BreakerRecord, bool, error)
	ResetBreaker(ctx context.Context, correlationID string) (bool, error)
	ObserveAutoReset(ctx context.Context, correlationID string) (bool, error)
	RecordBreakerEvent(ctx context.Context, correlationID, transition, reason, operatorID string) error
	SweepExpiredBreakers(ctx context.Context, olderThan time.Duration) (int64, error)
}

// State reports whether a correlation's breaker currently blocks
// submissions.
type State struct {
	Open    bool
	ResetAt time.Time
	Reason  string
}

// Breaker is the per-correlation trip/cooldown/reset state machine.
// CLOSED -> OPEN on trip; OPEN -> CLOSED lazily once the cooldown elapses
// or on explicit operator reset. Trip is monotonic within the cooldown via
// the store's compare-and-swap.
type Breaker struct {
	store    Store
	cooldown time.Duration
	alerts   alert.Sink
	logger   *log.Logger
	now      func() time.Time
}

// New builds a circuit breaker over the shared store.
func New(st Store, cooldown time.Duration, alerts alert.Sink, logger *log.Logger) *Breaker {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
	}
	return &Breaker{
		store:    st,
		cooldown: cooldown,
		alerts:   alerts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the breaker's time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) { b.now = now }

// Cooldown returns the configured cooldown duration.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }

// Trip opens the breaker for a correlation and alerts operators with the
// detected pattern and graph size. An already-open breaker stays untouched.
func (b *Breaker) Trip(ctx context.Context, correlationID, reason string, details map[string]interface{}) error {
	resetAt := b.now().Add(b.cooldown)
	tripped, err := b.store.TripBreaker(ctx, correlationID, reason, resetAt)
	if err != nil {
		return err
	}
	if !tripped {
		return nil
	}
	if err := b.store.RecordBreakerEvent(ctx, correlationID, store.BreakerTripped, reason, ""); err != nil {
		b.logger.Printf("audit trip %s: %v", correlationID, err)
	}
	if b.alerts != nil {
		evt := alert.Event{
			Kind:          alert.KindBreakerTrip,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("circuit breaker opened for %s until %s: %s", correlationID, resetAt.Format(time.RFC3339), reason),
			Details:       details,
			At:            b.now(),
		}
		if err := b.alerts.Notify(ctx, evt); err != nil {
			b.logger.Printf("alert trip %s: %v", correlationID, err)
		}
	}
	return nil
}

// IsTripped reports the breaker state for a correlation, lazily treating
// expired entries as CLOSED. No background sweep is required; the first
// reader past reset_at audits the automatic transition.
func (b *Breaker) IsTripped(ctx context.Context, correlationID string) (State, error) {
	rec, ok, err := b.store.GetBreaker(ctx, correlationID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, nil
	}
	if !rec.ResetAt.After(b.now()) {
		observed, err := b.store.ObserveAutoReset(ctx, correlationID)
		if err != nil {
			b.logger.Printf("observe auto reset %s: %v", correlationID, err)
		} else if observed {
			if err := b.store.RecordBreakerEvent(ctx, correlationID, store.BreakerAutoReset, rec.Reason, ""); err != nil {
				b.logger.Printf("audit auto reset %s: %v", correlationID, err)
			}
		}
		return State{}, nil
	}
	return State{Open: true, ResetAt: rec.ResetAt, Reason: rec.Reason}, nil
}

// Reset force-closes an open breaker on operator request. Returns whether
// anything was actually open.
func (b *Breaker) Reset(ctx context.Context, correlationID, reason, operatorID string) (bool, error) {
	reset, err := b.store.ResetBreaker(ctx, correlationID)
	if err != nil {
		return false, err
	}
	if !reset {
		return false, nil
	}
	if err := b.store.RecordBreakerEvent(ctx, correlationID, store.BreakerManualReset, reason, operatorID); err != nil {
		b.logger.Printf("audit manual reset %s: %v", correlationID, err)
	}
	if b.alerts != nil {
		evt := alert.Event{
			Kind:          alert.KindBreakerReset,
			CorrelationID: correlationID,
			Message:       fmt.Sprintf("circuit breaker for %s reset by %s: %s", correlationID, operatorID, reason),
			At:            b.now(),
		}
		if err := b.alerts.Notify(ctx, evt); err != nil {
			b.logger.Printf("alert reset %s: %v", correlationID, err)
		}
	}
	return true, nil
}

// Sweep removes breaker rows long past their reset time. Memory hygiene
// only; correctness never depends on it running.
func (b *Breaker) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	return b.store.SweepExpiredBreakers(ctx, olderThan)
}
