package rate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/arbiter/internal/rate"
)

func TestCheckSlidingWindow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = client.Close() }()

	const window = time.Minute
	base := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	now := base
	c := rate.NewController(client, window, 3, 2)
	c.SetClock(func() time.Time { return now })

	// Trust tier 1 widens the allowance to 5 per window.
	for i := 0; i < 5; i++ {
		res, err := c.Check(ctx, "agent-x", "collect", 1)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d must fit the allowance", i)
		}
	}

	// The next request overflows; retry_after points one window past the
	// oldest occupant.
	now = base.Add(10 * time.Second)
	res, err := c.Check(ctx, "agent-x", "collect", 1)
	if err != nil {
		t.Fatalf("overflow check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("sixth request must be delayed")
	}
	want := base.Add(window)
	if diff := res.RetryAfter.Sub(want); diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("retry_after must land a window past the oldest entry: got %s, want %s", res.RetryAfter, want)
	}

	// The refused request withdrew its optimistic entry.
	card, err := client.ZCard(ctx, "arbiter:rate:agent-x:collect").Result()
	if err != nil {
		t.Fatalf("zcard: %v", err)
	}
	if card != 5 {
		t.Fatalf("window must hold the 5 admitted entries, got %d", card)
	}

	// Once the oldest entries slide out of the window, capacity returns.
	now = base.Add(window + time.Second)
	res, err = c.Check(ctx, "agent-x", "collect", 1)
	if err != nil {
		t.Fatalf("check after slide: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expired entries must free the allowance")
	}
}

func TestCheckRequiresAgentAndResource(t *testing.T) {
	c := rate.NewController(nil, time.Minute, 3, 2)
	if _, err := c.Check(context.Background(), "", "collect", 0); err == nil {
		t.Fatalf("empty agent_id must be refused")
	}
	if _, err := c.Check(context.Background(), "agent-x", "", 0); err == nil {
		t.Fatalf("empty resource must be refused")
	}
}
