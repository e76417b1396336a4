package lineage

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Action types recorded on causality edges.
const (
	ActionSubmit   = "submit"
	ActionResult   = "result"
	ActionEvent    = "event"
	ActionComplete = "complete"
	ActionCancel   = "cancel"
)

// EdgeStore is the slice of the durable store the tracker needs.
type EdgeStore interface {
	AppendEdge(ctx context.Context, rec store.EdgeRecord) (int64, error)
	ListEdges(ctx context.Context, correlationID string) ([]store.EdgeRecord, error)
	ListEdgesSince(ctx context.Context, correlationID string, cutoff time.Time) ([]store.EdgeRecord, error)
}

// Tracker appends to the causality log and reconstructs graphs from it.
// Appends for one correlation are observable in append order; readers are
// safely concurrent because the log is never mutated.
type Tracker struct {
	store  EdgeStore
	rdb    *redis.Client
	logger *log.Logger
}

// NewTracker builds a tracker. rdb is optional; when present, recorded
// actions are announced on a pub/sub channel as an advisory signal (not
// required for correctness).
func NewTracker(st EdgeStore, rdb *redis.Client, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(log.Writer(), "[LINEAGE] ", log.LstdFlags)
	}
	return &Tracker{store: st, rdb: rdb, logger: logger}
}

// RecordAction durably appends one causality edge and fires the advisory
// notification.
func (t *Tracker) RecordAction(ctx context.Context, correlationID, actionType, sourceID, targetID string, metadata map[string]interface{}) (int64, error) {
	id, err := t.store.AppendEdge(ctx, store.EdgeRecord{
		CorrelationID: correlationID,
		SourceID:      sourceID,
		TargetID:      targetID,
		ActionType:    actionType,
		Metadata:      metadata,
	})
	if err != nil {
		return 0, err
	}
	t.notify(ctx, correlationID, actionType, sourceID, targetID, id)
	return id, nil
}

func (t *Tracker) notify(ctx context.Context, correlationID, actionType, sourceID, targetID string, edgeID int64) {
	if t.rdb == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"edge_id":     edgeID,
		"action_type": actionType,
		"source_id":   sourceID,
		"target_id":   targetID,
	})
	if err := t.rdb.Publish(ctx, "arbiter:lineage:"+correlationID, payload).Err(); err != nil {
		t.logger.Printf("lineage notify %s: %v", correlationID, err)
	}
}

// CausalityChain returns the full edge log for a correlation in append order.
func (t *Tracker) CausalityChain(ctx context.Context, correlationID string) ([]store.EdgeRecord, error) {
	return t.store.ListEdges(ctx, correlationID)
}

// BuildLineageGraph reconstructs the directed graph for a correlation.
// Deterministic for a given log regardless of read interleaving.
func (t *Tracker) BuildLineageGraph(ctx context.Context, correlationID string) (*Graph, error) {
	edges, err := t.store.ListEdges(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return BuildGraph(edges), nil
}

// RecentEdges returns the trailing window of the log used by oscillation
// and cascade checks.
func (t *Tracker) RecentEdges(ctx context.Context, correlationID string, window time.Duration, now time.Time) ([]store.EdgeRecord, error) {
	return t.store.ListEdgesSince(ctx, correlationID, now.Add(-window))
}

// DetectCycles reconstructs the graph and reports the cycles present in the
// recorded log.
func (t *Tracker) DetectCycles(ctx context.Context, correlationID string) ([][]string, error) {
	g, err := t.BuildLineageGraph(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return g.DetectCycles(), nil
}

// FindAllPaths enumerates bounded simple paths between two nodes of a
// correlation's recorded graph.
func (t *Tracker) FindAllPaths(ctx context.Context, correlationID, from, to string, maxPaths, maxDepth int) ([][]string, error) {
	g, err := t.BuildLineageGraph(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return g.FindAllPaths(from, to, maxPaths, maxDepth), nil
}
