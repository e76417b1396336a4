package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/lineage"
	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Patterns a verdict can carry.
const (
	PatternCycle       = "cycle"
	PatternOscillation = "oscillation"
	PatternDepth       = "depth"
)

// Candidate describes the submission being tested. The checks run against
// the graph as it would be after adding the candidate edge; the real graph
// is never mutated here.
type Candidate struct {
	SourceID    string
	TaskID      string
	Fingerprint string
}

// Verdict is the loop-detection outcome for one candidate.
type Verdict struct {
	IsLoop  bool
	Pattern string
	Depth   int
	Detail  string
}

// Tracker is the slice of the lineage tracker the detector needs.
type Tracker interface {
	CausalityChain(ctx context.Context, correlationID string) ([]store.EdgeRecord, error)
}

// Detector runs the cycle, oscillation, and depth checks over a
// correlation's reconstructed causality graph.
type Detector struct {
	tracker   Tracker
	maxDepth  int
	oscWindow time.Duration
	oscTasks  int
	minPeriod int
	now       func() time.Time
}

// NewDetector builds a loop detector.
func NewDetector(tracker Tracker, maxDepth int, oscWindow time.Duration, oscTasks, minPeriod int) *Detector {
	if maxDepth <= 0 {
		maxDepth = 25
	}
	if oscWindow <= 0 {
		oscWindow = 5 * time.Minute
	}
	if oscTasks <= 0 {
		oscTasks = 20
	}
	if minPeriod < 2 {
		minPeriod = 2
	}
	return &Detector{
		tracker:   tracker,
		maxDepth:  maxDepth,
		oscWindow: oscWindow,
		oscTasks:  oscTasks,
		minPeriod: minPeriod,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the detector's time source. Tests only.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

// CheckCausalityChain reconstructs the correlation's graph and answers
// whether admitting the candidate would create a cycle, continue an
// oscillation, or exceed the depth guard. All three run before scheduling.
func (d *Detector) CheckCausalityChain(ctx context.Context, correlationID string, cand Candidate) (Verdict, error) {
	edges, err := d.tracker.CausalityChain(ctx, correlationID)
	if err != nil {
		return Verdict{}, fmt.Errorf("load causality chain %s: %w", correlationID, err)
	}

	canonical := canonicalize(edges)
	g := lineage.BuildGraph(canonical)
	candNode := taskNode(cand.Fingerprint)

	if g.WouldCycle(cand.SourceID, candNode) {
		nodes, edgeCount := g.Size()
		return Verdict{
			IsLoop:  true,
			Pattern: PatternCycle,
			Depth:   g.Depth(cand.SourceID) + 1,
			Detail: fmt.Sprintf("edge %s->%s closes a cycle (graph: %d nodes, %d edges)",
				cand.SourceID, candNode, nodes, edgeCount),
		}, nil
	}

	if period, ok := d.oscillates(edges, cand.Fingerprint); ok {
		return Verdict{
			IsLoop:  true,
			Pattern: PatternOscillation,
			Depth:   g.Depth(cand.SourceID) + 1,
			Detail:  fmt.Sprintf("fingerprint sequence repeats with period %d", period),
		}, nil
	}

	depth := g.Depth(cand.SourceID) + 1
	if depth > d.maxDepth {
		return Verdict{
			IsLoop:  true,
			Pattern: PatternDepth,
			Depth:   depth,
			Detail:  fmt.Sprintf("causal depth %d exceeds maximum %d", depth, d.maxDepth),
		}, nil
	}

	return Verdict{Depth: depth}, nil
}

// taskNode is the canonical node label for a task: its fingerprint, so that
// resubmissions of the same work land on the same graph node.
func taskNode(fingerprint string) string {
	return "task:" + fingerprint
}

// canonicalize rewrites task ids to fingerprint-based node labels using the
// submission edges' metadata, so cycle detection sees recurring work as a
// revisited node rather than a fresh one.
func canonicalize(edges []store.EdgeRecord) []store.EdgeRecord {
	rename := make(map[string]string)
	for _, e := range edges {
		if e.ActionType != lineage.ActionSubmit {
			continue
		}
		if fp, ok := e.Metadata["fingerprint"].(string); ok && fp != "" {
			rename[e.TargetID] = taskNode(fp)
		}
	}
	out := make([]store.EdgeRecord, len(edges))
	for i, e := range edges {
		if to, ok := rename[e.SourceID]; ok {
			e.SourceID = to
		}
		if to, ok := rename[e.TargetID]; ok {
			e.TargetID = to
		}
		out[i] = e
	}
	return out
}

// oscillates checks the trailing submission window for a repeating
// fingerprint subsequence of period >= minPeriod occurring more than once,
// with the candidate appended as the newest element.
func (d *Detector) oscillates(edges []store.EdgeRecord, candFingerprint string) (int, bool) {
	cutoff := d.now().Add(-d.oscWindow)
	var seq []string
	for _, e := range edges {
		if e.ActionType != lineage.ActionSubmit || e.CreatedAt.Before(cutoff) {
			continue
		}
		if fp, ok := e.Metadata["fingerprint"].(string); ok && fp != "" {
			seq = append(seq, fp)
		}
	}
	if len(seq) > d.oscTasks {
		seq = seq[len(seq)-d.oscTasks:]
	}
	seq = append(seq, candFingerprint)

	for period := d.minPeriod; period*2 <= len(seq); period++ {
		tail := seq[len(seq)-2*period:]
		match := true
		for i := 0; i < period; i++ {
			if tail[i] != tail[i+period] {
				match = false
				break
			}
		}
		// A run of identical fingerprints is dedup territory, not an
		// oscillation; require at least two distinct values in the period.
		if match && distinct(tail[:period]) > 1 {
			return period, true
		}
	}
	return 0, false
}

func distinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}
