package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Task statuses persisted in the store. Rows outlive completion so
// fingerprint dedup and auditing can see past work.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Priority orders approved tasks for scheduling. It never changes what gets
// admitted, only when an approved task runs.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Known task kinds. Unknown kinds are rejected at the boundary.
const (
	KindCollect  = "collect"
	KindAnalyze  = "analyze"
	KindPublish  = "publish"
	KindDelegate = "delegate"
	KindNotify   = "notify"
)

// Descriptor is the caller-supplied description of work to admit.
type Descriptor struct {
	Kind          string                 `json:"kind"`
	Params        map[string]interface{} `json:"params"`
	EstimatedCost float64                `json:"estimated_cost"`
	EstimatedToks int64                  `json:"estimated_tokens"`
}

// Task is an admitted unit of work tracked by the control plane.
type Task struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	Kind          string                 `json:"kind"`
	Params        map[string]interface{} `json:"params"`
	Fingerprint   string                 `json:"fingerprint"`
	EstimatedCost float64                `json:"estimated_cost"`
	EstimatedToks int64                  `json:"estimated_tokens"`
	Priority      Priority               `json:"priority"`
	CorrelationID string                 `json:"correlation_id"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ValidationError marks a descriptor rejected before arbitration. It is
// never logged to lineage.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// requiredParams lists the string parameters each kind must carry. Per-kind
// schema stays deliberately small; collection plugins validate the rest.
var requiredParams = map[string][]string{
	KindCollect:  {"source"},
	KindAnalyze:  {"target_id"},
	KindPublish:  {"channel"},
	KindDelegate: {"target_agent", "task_kind"},
	KindNotify:   {"recipient", "message"},
}

// Validate checks the descriptor against the known-kind schemas.
func (d Descriptor) Validate() error {
	kind := strings.TrimSpace(strings.ToLower(d.Kind))
	if kind == "" {
		return &ValidationError{Field: "kind", Msg: "must be provided"}
	}
	required, ok := requiredParams[kind]
	if !ok {
		return &ValidationError{Field: "kind", Msg: fmt.Sprintf("unknown task kind %q", d.Kind)}
	}
	for _, field := range required {
		v, ok := d.Params[field]
		if !ok {
			return &ValidationError{Field: "params." + field, Msg: "required"}
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return &ValidationError{Field: "params." + field, Msg: "must be a non-empty string"}
		}
	}
	if d.EstimatedCost < 0 {
		return &ValidationError{Field: "estimated_cost", Msg: "cannot be negative"}
	}
	if d.EstimatedToks < 0 {
		return &ValidationError{Field: "estimated_tokens", Msg: "cannot be negative"}
	}
	return nil
}

// Normalize returns a canonical copy of the parameters: keys lowercased and
// trimmed, string values trimmed, nulls dropped, nested maps normalized
// recursively. Two descriptors that differ only in these respects hash to
// the same fingerprint.
func Normalize(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			continue
		}
		out[key] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		return Normalize(t)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return v
	}
}

// Fingerprint hashes the kind plus normalized parameters. encoding/json
// writes map keys in sorted order, so the serialization is deterministic.
func Fingerprint(kind string, params map[string]interface{}) string {
	normalized := Normalize(params)
	payload, err := json.Marshal(normalized)
	if err != nil {
		// Normalized params only contain JSON-decodable values; a marshal
		// failure here means the caller bypassed the HTTP boundary.
		payload = []byte(fmt.Sprintf("%v", normalized))
	}
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(strings.ToLower(kind))))
	h.Write([]byte{'\n'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
