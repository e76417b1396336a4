package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxBurstTier caps how far trust can widen the burst allowance.
const maxBurstTier = 5

// Controller is a sliding-window throughput guard per (agent, resource)
// pair, backed by Redis so stateless replicas share one window.
type Controller struct {
	rdb          *redis.Client
	window       time.Duration
	steady       int
	burstPerTier int
	now          func() time.Time
}

// Result is the outcome of a rate check.
type Result struct {
	Allowed    bool
	RetryAfter time.Time
}

// NewController builds a rate controller. steady is the per-window
// allowance; trust widens it by burstPerTier per tier, bounded.
func NewController(rdb *redis.Client, window time.Duration, steady, burstPerTier int) *Controller {
	if window <= 0 {
		window = time.Minute
	}
	if steady <= 0 {
		steady = 30
	}
	return &Controller{
		rdb:          rdb,
		window:       window,
		steady:       steady,
		burstPerTier: burstPerTier,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the controller's time source. Tests only.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Limit returns the effective per-window allowance for a trust tier.
func (c *Controller) Limit(trustLevel int) int {
	if trustLevel < 0 {
		trustLevel = 0
	}
	if trustLevel > maxBurstTier {
		trustLevel = maxBurstTier
	}
	return c.steady + c.burstPerTier*trustLevel
}

func key(agentID, resource string) string {
	return fmt.Sprintf("arbiter:rate:%s:%s", agentID, resource)
}

// Check admits or delays one request for the (agent, resource) pair. The
// request is optimistically added to the window and removed again when it
// overflows, so racing replicas can never jointly exceed the allowance.
func (c *Controller) Check(ctx context.Context, agentID, resource string, trustLevel int) (Result, error) {
	if agentID == "" || resource == "" {
		return Result{}, fmt.Errorf("agent_id and resource must be provided")
	}
	now := c.now()
	cutoff := now.Add(-c.window)
	k := key(agentID, resource)
	member := uuid.NewString()
	limit := c.Limit(trustLevel)

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, c.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate window update: %w", err)
	}

	if card.Val() <= int64(limit) {
		return Result{Allowed: true}, nil
	}

	// Over the allowance: withdraw our entry and compute when the oldest
	// occupant slides out of the window.
	if err := c.rdb.ZRem(ctx, k, member).Err(); err != nil {
		return Result{}, fmt.Errorf("rate window withdraw: %w", err)
	}
	retry := now.Add(c.window)
	oldest, err := c.rdb.ZRangeWithScores(ctx, k, 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		retry = time.Unix(0, int64(oldest[0].Score)).Add(c.window)
	}
	if retry.Before(now) {
		retry = now.Add(time.Second)
	}
	return Result{Allowed: false, RetryAfter: retry}, nil
}
