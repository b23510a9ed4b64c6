package stategraph

import (
	"context"
	"time"

	"go.jetify.com/typeid"
)

// NewStepID returns a new identifier for a step record.
func NewStepID() string {
	id, err := typeid.WithPrefix("step")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Step record statuses.
const (
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// StepRecord captures one node execution within a superstep: what ran,
// what it wrote, and what it cost.
type StepRecord struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	NodeName    string    `json:"node_name"`
	Superstep   int       `json:"superstep"`
	Status      string    `json:"status"`
	Delta       State     `json:"delta,omitempty"`
	Route       string    `json:"route,omitempty"`
	Error       string    `json:"error,omitempty"`
	TokensUsed  int       `json:"tokens_used,omitempty"`
	CostUSD     float64   `json:"cost_usd,omitempty"`
	StartTime   time.Time `json:"start_time"`
	Duration    float64   `json:"duration"`
}

// StepLogger records node executions
type StepLogger interface {
	// LogStep logs a completed node execution
	LogStep(ctx context.Context, record *StepRecord) error

	// GetStepHistory retrieves the step records for an execution
	GetStepHistory(ctx context.Context, executionID string) ([]*StepRecord, error)
}
