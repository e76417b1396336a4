package server

import (
	"time"

	"github.com/mohammad-safakhou/arbiter/internal/task"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the operator signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the operator login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// SubmitTaskRequest is an agent's task submission.
type SubmitTaskRequest struct {
	Kind            string                 `json:"kind"`
	Params          map[string]interface{} `json:"params"`
	EstimatedCost   float64                `json:"estimated_cost"`
	EstimatedTokens int64                  `json:"estimated_tokens"`
	Priority        *int                   `json:"priority,omitempty"`
	CorrelationID   string                 `json:"correlation_id"`
}

// Descriptor maps the request onto the internal task descriptor.
func (r SubmitTaskRequest) Descriptor() task.Descriptor {
	return task.Descriptor{
		Kind:          r.Kind,
		Params:        r.Params,
		EstimatedCost: r.EstimatedCost,
		EstimatedToks: r.EstimatedTokens,
	}
}

// CompleteTaskRequest reports a task's terminal state and actual usage.
type CompleteTaskRequest struct {
	Status       string  `json:"status"`
	ActualCost   float64 `json:"actual_cost"`
	ActualTokens int64   `json:"actual_tokens"`
	ResultID     string  `json:"result_id,omitempty"`
}

// CancelTaskRequest abandons a queued or running task.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PublishEventRequest is an agent's outbound event.
type PublishEventRequest struct {
	EventType     string                 `json:"event_type"`
	Payload       map[string]interface{} `json:"payload"`
	CorrelationID string                 `json:"correlation_id"`
	Priority      *int                   `json:"priority,omitempty"`
}

// AgentBudgetRequest sets an agent's budget override and trust level.
type AgentBudgetRequest struct {
	TrustLevel         int     `json:"trust_level"`
	DailyCostLimit     float64 `json:"daily_cost_limit"`
	MonthlyCostLimit   float64 `json:"monthly_cost_limit"`
	DailyTokenLimit    int64   `json:"daily_token_limit"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
}

// UsageResponse reports an agent's current-window consumption against its
// effective limits.
type UsageResponse struct {
	AgentID          string    `json:"agent_id"`
	DailyCost        float64   `json:"daily_cost"`
	DailyCostLimit   float64   `json:"daily_cost_limit"`
	MonthlyCost      float64   `json:"monthly_cost"`
	MonthlyCostLimit float64   `json:"monthly_cost_limit"`
	DailyTokens      int64     `json:"daily_tokens"`
	DailyTokenLimit  int64     `json:"daily_token_limit"`
	ActiveTasks      int       `json:"active_tasks"`
	MaxConcurrent    int       `json:"max_concurrent_tasks"`
	DailyResetAt     time.Time `json:"daily_reset_at"`
	MonthlyResetAt   time.Time `json:"monthly_reset_at"`
}

// BreakerResetRequest is an operator's manual reset.
type BreakerResetRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CausalityEdge is one edge of the reconstructed graph.
type CausalityEdge struct {
	ID         int64                  `json:"id"`
	SourceID   string                 `json:"source_id"`
	TargetID   string                 `json:"target_id"`
	ActionType string                 `json:"action_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CausalityResponse is the reconstructed graph for a correlation.
type CausalityResponse struct {
	CorrelationID  string          `json:"correlation_id"`
	Nodes          []string        `json:"nodes"`
	Edges          []CausalityEdge `json:"edges"`
	DetectedCycles [][]string      `json:"detected_cycles"`
}
