package dampener_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/arbiter/internal/alert"
	"github.com/mohammad-safakhou/arbiter/internal/breaker"
	"github.com/mohammad-safakhou/arbiter/internal/dampener"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/rate"
	"github.com/mohammad-safakhou/arbiter/internal/store"
	"github.com/mohammad-safakhou/arbiter/internal/streams"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

type memEdgeStore struct {
	mu    sync.Mutex
	edges []store.EdgeRecord
}

func (m *memEdgeStore) AppendEdge(_ context.Context, rec store.EdgeRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.ID = int64(len(m.edges) + 1)
	m.edges = append(m.edges, rec)
	return rec.ID, nil
}

func (m *memEdgeStore) ListEdges(_ context.Context, correlationID string) ([]store.EdgeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.EdgeRecord
	for _, e := range m.edges {
		if e.CorrelationID == correlationID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEdgeStore) ListEdgesSince(_ context.Context, correlationID string, cutoff time.Time) ([]store.EdgeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.EdgeRecord
	for _, e := range m.edges {
		if e.CorrelationID == correlationID && !e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memBreakerStore struct {
	mu   sync.Mutex
	recs map[string]store.BreakerRecord
}

func newMemBreakerStore() *memBreakerStore {
	return &memBreakerStore{recs: make(map[string]store.BreakerRecord)}
}

func (m *memBreakerStore) TripBreaker(_ context.Context, correlationID, reason string, resetAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[correlationID]; ok && rec.ResetAt.After(time.Now().UTC()) {
		return false, nil
	}
	m.recs[correlationID] = store.BreakerRecord{
		CorrelationID: correlationID,
		TrippedAt:     time.Now().UTC(),
		ResetAt:       resetAt,
		Reason:        reason,
	}
	return true, nil
}

func (m *memBreakerStore) GetBreaker(_ context.Context, correlationID string) (store.BreakerRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[correlationID]
	return rec, ok, nil
}

func (m *memBreakerStore) ResetBreaker(_ context.Context, correlationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[correlationID]; !ok {
		return false, nil
	}
	delete(m.recs, correlationID)
	return true, nil
}

func (m *memBreakerStore) ObserveAutoReset(_ context.Context, correlationID string) (bool, error) {
	return m.ResetBreaker(context.Background(), correlationID)
}

func (m *memBreakerStore) RecordBreakerEvent(_ context.Context, _, _, _, _ string) error {
	return nil
}

func (m *memBreakerStore) SweepExpiredBreakers(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

type memSink struct {
	mu     sync.Mutex
	events []alert.Event
}

func (s *memSink) Notify(_ context.Context, evt alert.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *memSink) byKind(kind string) []alert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alert.Event
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestDampenerPipeline(t *testing.T) {
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

	t.Run("dedup_window", func(t *testing.T) { testDedupWindow(ctx, t, client) })
	t.Run("rate_limited", func(t *testing.T) { testEventRateLimit(ctx, t, client) })
	t.Run("cascade_trip", func(t *testing.T) { testCascadeTrip(ctx, t, client) })
	t.Run("backpressure", func(t *testing.T) { testBackpressure(ctx, t, client) })
}

func testDedupWindow(ctx context.Context, t *testing.T, client *redis.Client) {
	pub := streams.NewPublisher(client)
	cfg := dampener.Config{
		DedupTTL:         time.Second,
		CascadeMinEvents: 1 << 30,
		Stream:           "arbiter:events:dedup",
		StreamMaxLen:     1000,
	}
	brk := breaker.New(newMemBreakerStore(), 10*time.Minute, nil, nil)
	d := dampener.New(cfg, client, pub, rate.NewController(client, time.Minute, 100, 0),
		lineage.NewTracker(&memEdgeStore{}, nil, nil), brk, nil, nil)

	payload := map[string]interface{}{"task_id": "dedup-t1"}
	res, err := d.Publish(ctx, "evt.dedup", payload, "corr-dedup", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if !res.Published {
		t.Fatalf("first publish must go out, got %+v", res)
	}

	res, err = d.Publish(ctx, "evt.dedup", payload, "corr-dedup", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonDuplicate {
		t.Fatalf("identical event inside the window must be a duplicate, got %+v", res)
	}

	time.Sleep(1100 * time.Millisecond)
	res, err = d.Publish(ctx, "evt.dedup", payload, "corr-dedup", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("publish after window: %v", err)
	}
	if !res.Published {
		t.Fatalf("identical event after the window must go out, got %+v", res)
	}

	n, err := pub.Len(ctx, cfg.Stream)
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two stream entries, got %d", n)
	}
}

func testEventRateLimit(ctx context.Context, t *testing.T, client *redis.Client) {
	cfg := dampener.Config{
		DedupTTL:         time.Minute,
		CascadeMinEvents: 1 << 30,
		Stream:           "arbiter:events:rate",
		StreamMaxLen:     1000,
	}
	brk := breaker.New(newMemBreakerStore(), 10*time.Minute, nil, nil)
	d := dampener.New(cfg, client, streams.NewPublisher(client), rate.NewController(client, time.Minute, 1, 0),
		lineage.NewTracker(&memEdgeStore{}, nil, nil), brk, nil, nil)

	res, err := d.Publish(ctx, "evt.rate", map[string]interface{}{"n": 1}, "corr-rate", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if !res.Published {
		t.Fatalf("first publish must pass the limiter, got %+v", res)
	}

	res, err = d.Publish(ctx, "evt.rate", map[string]interface{}{"n": 2}, "corr-rate", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonRateLimited {
		t.Fatalf("limiter overflow must refuse with rate_limited, got %+v", res)
	}

	// A refused event surrenders its fingerprint claim, so the retry is
	// judged by the limiter again, not mistaken for a duplicate.
	res, err = d.Publish(ctx, "evt.rate", map[string]interface{}{"n": 2}, "corr-rate", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("retry publish: %v", err)
	}
	if res.Reason != dampener.ReasonRateLimited {
		t.Fatalf("retry must be rate_limited, not %q", res.Reason)
	}
}

func testCascadeTrip(ctx context.Context, t *testing.T, client *redis.Client) {
	base := time.Now().UTC().Truncate(time.Minute)
	edgeStore := &memEdgeStore{}
	for minute, count := range map[int]int{3: 1, 2: 2, 1: 4} {
		for i := 0; i < count; i++ {
			_, _ = edgeStore.AppendEdge(ctx, store.EdgeRecord{
				CorrelationID: "corr-cascade",
				SourceID:      fmt.Sprintf("agent-%d", minute),
				TargetID:      fmt.Sprintf("event:%d-%d", minute, i),
				ActionType:    lineage.ActionEvent,
				CreatedAt:     base.Add(-time.Duration(minute) * time.Minute),
			})
		}
	}

	brkStore := newMemBreakerStore()
	sink := &memSink{}
	cfg := dampener.Config{
		DedupTTL:         time.Minute,
		CascadeWindow:    5 * time.Minute,
		CascadeGrowth:    2,
		CascadeMinEvents: 5,
		Stream:           "arbiter:events:cascade",
		StreamMaxLen:     1000,
	}
	d := dampener.New(cfg, client, streams.NewPublisher(client), rate.NewController(client, time.Minute, 100, 0),
		lineage.NewTracker(edgeStore, nil, nil), breaker.New(brkStore, 10*time.Minute, sink, nil), sink, nil)
	d.SetClock(func() time.Time { return base })

	res, err := d.Publish(ctx, "evt.cascade", map[string]interface{}{"n": 1}, "corr-cascade", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonCascade {
		t.Fatalf("growing event rate must refuse with cascade_detected, got %+v", res)
	}
	if rec, ok, _ := brkStore.GetBreaker(ctx, "corr-cascade"); !ok || rec.Reason == "" {
		t.Fatalf("cascade must trip the correlation's breaker")
	}
	if len(sink.byKind(alert.KindCascade)) == 0 {
		t.Fatalf("cascade must raise an operator alert")
	}

	// The open breaker now blocks the correlation before the cascade check.
	res, err = d.Publish(ctx, "evt.cascade", map[string]interface{}{"n": 2}, "corr-cascade", "agent-a", task.PriorityNormal)
	if err != nil {
		t.Fatalf("publish after trip: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonCircuitOpen {
		t.Fatalf("tripped correlation must refuse with circuit_open, got %+v", res)
	}
}

func testBackpressure(ctx context.Context, t *testing.T, client *redis.Client) {
	pub := streams.NewPublisher(client)
	cfg := dampener.Config{
		DedupTTL:         time.Minute,
		CascadeMinEvents: 1 << 30,
		Stream:           "arbiter:events:bp",
		StreamMaxLen:     1000,
		BackpressureHigh: 1,
		RetryAttempts:    2,
		RetryBackoff:     5 * time.Millisecond,
	}
	brk := breaker.New(newMemBreakerStore(), 10*time.Minute, nil, nil)
	d := dampener.New(cfg, client, pub, rate.NewController(client, time.Minute, 100, 0),
		lineage.NewTracker(&memEdgeStore{}, nil, nil), brk, nil, nil)

	for i := 0; i < 2; i++ {
		if _, err := pub.PublishRaw(ctx, cfg.Stream, "evt.bp", "corr-bp",
			map[string]interface{}{"seed": i}); err != nil {
			t.Fatalf("seed stream: %v", err)
		}
	}

	res, err := d.Publish(ctx, "evt.bp", map[string]interface{}{"n": 1}, "corr-bp", "agent-a", task.PriorityLow)
	if err != nil {
		t.Fatalf("low-priority publish: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonBackpressure {
		t.Fatalf("low priority under lag must drop immediately, got %+v", res)
	}

	res, err = d.Publish(ctx, "evt.bp", map[string]interface{}{"n": 2}, "corr-bp", "agent-a", task.PriorityHigh)
	if err != nil {
		t.Fatalf("high-priority publish: %v", err)
	}
	if res.Published || res.Reason != dampener.ReasonBackpressure {
		t.Fatalf("high priority must give up after bounded retries, got %+v", res)
	}

	// Once the lag clears, the dropped event is publishable again.
	if err := client.Del(ctx, cfg.Stream).Err(); err != nil {
		t.Fatalf("clear stream: %v", err)
	}
	res, err = d.Publish(ctx, "evt.bp", map[string]interface{}{"n": 1}, "corr-bp", "agent-a", task.PriorityLow)
	if err != nil {
		t.Fatalf("publish after drain: %v", err)
	}
	if !res.Published {
		t.Fatalf("cleared lag must admit the event, got %+v", res)
	}
}
