package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EdgeRecord is one row of the append-only causality log. Rows are never
// mutated or deleted by the control plane.
type EdgeRecord struct {
	ID            int64
	CorrelationID string
	SourceID      string
	TargetID      string
	ActionType    string
	Metadata      map[string]interface{}
	CreatedAt     time.Time
}

// AppendEdge durably appends a causality edge. The serial id provides the
// per-correlation append order readers observe.
func (s *Store) AppendEdge(ctx context.Context, rec EdgeRecord) (int64, error) {
	if rec.CorrelationID == "" || rec.SourceID == "" || rec.TargetID == "" || rec.ActionType == "" {
		return 0, fmt.Errorf("correlation_id, source_id, target_id, and action_type are required")
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal edge metadata: %w", err)
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO lineage_edges (correlation_id, source_id, target_id, action_type, metadata)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`, rec.CorrelationID, rec.SourceID, rec.TargetID, rec.ActionType, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append lineage edge: %w", err)
	}
	return id, nil
}

// ListEdges returns all edges for a correlation in append order.
func (s *Store) ListEdges(ctx context.Context, correlationID string) ([]EdgeRecord, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation_id must be provided")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, correlation_id, source_id, target_id, action_type, metadata, created_at
FROM lineage_edges
WHERE correlation_id = $1
ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EdgeRecord
	for rows.Next() {
		var (
			rec  EdgeRecord
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.SourceID, &rec.TargetID,
			&rec.ActionType, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListEdgesSince returns edges for a correlation created after the cutoff,
// in append order. Used by the oscillation and cascade windows.
func (s *Store) ListEdgesSince(ctx context.Context, correlationID string, cutoff time.Time) ([]EdgeRecord, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation_id must be provided")
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, correlation_id, source_id, target_id, action_type, metadata, created_at
FROM lineage_edges
WHERE correlation_id = $1 AND created_at > $2
ORDER BY id ASC`, correlationID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EdgeRecord
	for rows.Next() {
		var (
			rec  EdgeRecord
			meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.SourceID, &rec.TargetID,
			&rec.ActionType, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &rec.Metadata)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
