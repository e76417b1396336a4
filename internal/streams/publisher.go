package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher wraps Redis Stream appends for dampened events and alerts.
type Publisher struct {
	client *redis.Client
}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox caps the stream at an approximate max length so the
// transport stays bounded under sustained load.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher instance.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish validates the envelope and appends it to the given stream,
// returning the stream entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordPublishMetrics(ctx, stream, envelope.EventType)
	return id, nil
}

// PublishRaw wraps an arbitrary payload in an envelope before publishing.
func (p *Publisher) PublishRaw(ctx context.Context, stream, eventType, correlationID string, payload interface{}, opts ...PublishOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		EventType:     eventType,
		CorrelationID: correlationID,
		Data:          data,
	}
	return p.Publish(ctx, stream, env, opts...)
}

// Len returns the current length of a stream. The dampener uses it as its
// downstream-lag signal for backpressure.
func (p *Publisher) Len(ctx context.Context, stream string) (int64, error) {
	n, err := p.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen: %w", err)
	}
	return n, nil
}
