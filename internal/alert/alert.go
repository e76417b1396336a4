package alert

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/streams"
)

// Alert kinds operators observe.
const (
	KindBreakerTrip   = "breaker_trip"
	KindBreakerReset  = "breaker_reset"
	KindBudgetWarning = "budget_warning"
	KindCascade       = "cascade_detected"
)

// Event is an operator notification. Advisory: losing one never fails the
// operation that raised it.
type Event struct {
	Kind          string                 `json:"kind"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	AgentID       string                 `json:"agent_id,omitempty"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details,omitempty"`
	At            time.Time              `json:"at"`
}

// Sink delivers operator alerts.
type Sink interface {
	Notify(ctx context.Context, evt Event) error
}

// LogSink writes alerts to the process log.
type LogSink struct {
	Logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[ALERT] ", log.LstdFlags)
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Notify(_ context.Context, evt Event) error {
	s.Logger.Printf("%s correlation=%s agent=%s: %s", evt.Kind, evt.CorrelationID, evt.AgentID, evt.Message)
	return nil
}

// StreamSink publishes alerts onto a Redis stream for operator tooling.
type StreamSink struct {
	Publisher *streams.Publisher
	Stream    string
	MaxLen    int64
}

func NewStreamSink(pub *streams.Publisher, stream string, maxLen int64) *StreamSink {
	return &StreamSink{Publisher: pub, Stream: stream, MaxLen: maxLen}
}

func (s *StreamSink) Notify(ctx context.Context, evt Event) error {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	correlation := evt.CorrelationID
	if correlation == "" {
		correlation = "operator"
	}
	_, err := s.Publisher.PublishRaw(ctx, s.Stream, "alert."+evt.Kind, correlation, evt,
		streams.WithMaxLenApprox(s.MaxLen))
	return err
}

// MultiSink fans one alert out to several sinks, returning the first error
// after attempting all of them.
type MultiSink []Sink

func (m MultiSink) Notify(ctx context.Context, evt Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
