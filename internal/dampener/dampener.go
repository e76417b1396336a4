package dampener

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/arbiter/internal/alert"
	"github.com/mohammad-safakhou/arbiter/internal/breaker"
	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/rate"
	"github.com/mohammad-safakhou/arbiter/internal/streams"
	"github.com/mohammad-safakhou/arbiter/internal/task"
)

// Rejection reasons surfaced to publishers.
const (
	ReasonDuplicate    = "duplicate"
	ReasonRateLimited  = "rate_limited"
	ReasonCircuitOpen  = "circuit_open"
	ReasonCascade      = "cascade_detected"
	ReasonBackpressure = "backpressure"
)

// Config tunes the dampening pipeline.
type Config struct {
	DedupTTL         time.Duration
	CascadeWindow    time.Duration
	CascadeGrowth    float64
	CascadeFanout    float64
	CascadeMinEvents int
	Stream           string
	StreamMaxLen     int64
	BackpressureHigh int64
	RetryAttempts    int
	RetryBackoff     time.Duration
}

// Result reports whether the event went out and, if not, why.
type Result struct {
	Published bool   `json:"published"`
	Reason    string `json:"reason,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
}

// Dampener gates outbound events: dedup, per-type rate limit, cascade
// detection, then backpressure, short-circuiting on the first failure. A
// successful publish records the event's fingerprint and causality edge,
// feeding future loop-detector runs.
type Dampener struct {
	cfg     Config
	rdb     *redis.Client
	pub     *streams.Publisher
	limiter *rate.Controller
	tracker *lineage.Tracker
	brk     *breaker.Breaker
	alerts  alert.Sink
	logger  *log.Logger
	now     func() time.Time
	sleep   func(time.Duration)
}

// New builds a dampener. limiter should be configured with the per-type
// event rate; tracker and brk connect cascade detection to the causality
// graph and the correlation's breaker.
func New(cfg Config, rdb *redis.Client, pub *streams.Publisher, limiter *rate.Controller, tracker *lineage.Tracker, brk *breaker.Breaker, alerts alert.Sink, logger *log.Logger) *Dampener {
	if logger == nil {
		logger = log.New(log.Writer(), "[DAMPENER] ", log.LstdFlags)
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Dampener{
		cfg:     cfg,
		rdb:     rdb,
		pub:     pub,
		limiter: limiter,
		tracker: tracker,
		brk:     brk,
		alerts:  alerts,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   time.Sleep,
	}
}

// SetClock overrides the dampener's time source. Tests only.
func (d *Dampener) SetClock(now func() time.Time) { d.now = now }

// Fingerprint hashes (event_type, normalized payload); the payload reuses
// task normalization so key order and whitespace never defeat dedup.
func Fingerprint(eventType string, payload map[string]interface{}) string {
	normalized := task.Normalize(payload)
	raw, err := json.Marshal(normalized)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", normalized))
	}
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{'\n'})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprintKey(fp string) string { return "arbiter:evfp:" + fp }

// Publish runs the event through the dampening pipeline. sourceID names the
// entity emitting the event (agent or task id) for the causality edge.
func (d *Dampener) Publish(ctx context.Context, eventType string, payload map[string]interface{}, correlationID, sourceID string, priority task.Priority) (Result, error) {
	if eventType == "" || correlationID == "" {
		return Result{}, fmt.Errorf("event_type and correlation_id must be provided")
	}

	// Dedup: the SetNX is the atomic claim on the fingerprint.
	fp := Fingerprint(eventType, payload)
	claimed, err := d.rdb.SetNX(ctx, fingerprintKey(fp), d.now().Format(time.RFC3339Nano), d.cfg.DedupTTL).Result()
	if err != nil {
		return Result{}, fmt.Errorf("event dedup claim: %w", err)
	}
	if !claimed {
		return Result{Published: false, Reason: ReasonDuplicate}, nil
	}
	// Any later gate that refuses the event must surrender the claim so a
	// retry is not mistaken for a duplicate.
	release := func() {
		if err := d.rdb.Del(ctx, fingerprintKey(fp)).Err(); err != nil {
			d.logger.Printf("release event fingerprint %s: %v", fp, err)
		}
	}

	// Per-event-type rate limit.
	res, err := d.limiter.Check(ctx, "events", eventType, 0)
	if err != nil {
		release()
		return Result{}, err
	}
	if !res.Allowed {
		release()
		return Result{Published: false, Reason: ReasonRateLimited}, nil
	}

	// Cascade detection over the correlation's trailing event window.
	state, err := d.brk.IsTripped(ctx, correlationID)
	if err != nil {
		release()
		return Result{}, err
	}
	if state.Open {
		release()
		return Result{Published: false, Reason: ReasonCircuitOpen}, nil
	}
	if reason, detected, err := d.cascading(ctx, correlationID); err != nil {
		release()
		return Result{}, err
	} else if detected {
		release()
		if err := d.brk.Trip(ctx, correlationID, reason, map[string]interface{}{
			"event_type": eventType,
			"detail":     reason,
		}); err != nil {
			d.logger.Printf("trip breaker %s: %v", correlationID, err)
		}
		if d.alerts != nil {
			_ = d.alerts.Notify(ctx, alert.Event{
				Kind:          alert.KindCascade,
				CorrelationID: correlationID,
				Message:       fmt.Sprintf("event cascade on %s: %s", correlationID, reason),
				At:            d.now(),
			})
		}
		return Result{Published: false, Reason: ReasonCascade}, nil
	}

	// Backpressure against downstream lag, with bounded retry for
	// higher-priority events. Publication never blocks indefinitely.
	attempts := d.cfg.RetryAttempts
	for attempt := 0; ; attempt++ {
		lag, err := d.pub.Len(ctx, d.cfg.Stream)
		if err != nil {
			release()
			return Result{}, err
		}
		if d.cfg.BackpressureHigh <= 0 || lag < d.cfg.BackpressureHigh {
			break
		}
		if priority <= task.PriorityLow {
			release()
			return Result{Published: false, Reason: ReasonBackpressure}, nil
		}
		if attempt >= attempts {
			release()
			return Result{Published: false, Reason: ReasonBackpressure}, nil
		}
		d.sleep(d.cfg.RetryBackoff << uint(attempt))
	}

	eventID := uuid.NewString()
	data, err := json.Marshal(payload)
	if err != nil {
		release()
		return Result{}, fmt.Errorf("marshal event payload: %w", err)
	}
	env := streams.Envelope{
		EventID:       eventID,
		EventType:     eventType,
		CorrelationID: correlationID,
		Priority:      priorityLabel(priority),
		Data:          data,
	}
	streamID, err := d.pub.Publish(ctx, d.cfg.Stream, env, streams.WithMaxLenApprox(d.cfg.StreamMaxLen))
	if err != nil {
		release()
		return Result{}, err
	}

	if _, err := d.tracker.RecordAction(ctx, correlationID, lineage.ActionEvent, sourceID, "event:"+eventID, map[string]interface{}{
		"event_type":  eventType,
		"fingerprint": fp,
	}); err != nil {
		// The event is already on the wire; losing the edge degrades loop
		// detection but must not fail the publish.
		d.logger.Printf("record event edge %s: %v", correlationID, err)
	}
	return Result{Published: true, EventID: eventID, StreamID: streamID}, nil
}

func priorityLabel(p task.Priority) string {
	switch {
	case p >= task.PriorityHigh:
		return "high"
	case p <= task.PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// cascading inspects the correlation's trailing event edges for runaway
// growth (per-minute counts multiplying) or fan-out (many events per
// distinct source).
func (d *Dampener) cascading(ctx context.Context, correlationID string) (string, bool, error) {
	now := d.now()
	edges, err := d.tracker.RecentEdges(ctx, correlationID, d.cfg.CascadeWindow, now)
	if err != nil {
		return "", false, fmt.Errorf("load cascade window %s: %w", correlationID, err)
	}

	total := 0
	sources := make(map[string]struct{})
	buckets := make(map[int64]int)
	for _, e := range edges {
		if e.ActionType != lineage.ActionEvent {
			continue
		}
		total++
		sources[e.SourceID] = struct{}{}
		buckets[e.CreatedAt.Unix()/60]++
	}
	if total+1 < d.cfg.CascadeMinEvents {
		return "", false, nil
	}

	if len(sources) > 0 && d.cfg.CascadeFanout > 0 {
		ratio := float64(total+1) / float64(len(sources))
		if ratio >= d.cfg.CascadeFanout {
			return fmt.Sprintf("fan-out ratio %.1f over %d sources", ratio, len(sources)), true, nil
		}
	}

	if d.cfg.CascadeGrowth > 1 {
		// Walk the trailing minute buckets; sustained multiplication across
		// three consecutive buckets is a cascade.
		current := now.Unix() / 60
		var counts []int
		for m := current - int64(d.cfg.CascadeWindow/time.Minute); m <= current; m++ {
			if c, ok := buckets[m]; ok {
				counts = append(counts, c)
			}
		}
		growing := 0
		for i := 1; i < len(counts); i++ {
			if float64(counts[i]) >= d.cfg.CascadeGrowth*float64(counts[i-1]) {
				growing++
				if growing >= 2 {
					return fmt.Sprintf("event rate growing >= %.1fx per minute", d.cfg.CascadeGrowth), true, nil
				}
			} else {
				growing = 0
			}
		}
	}
	return "", false, nil
}
