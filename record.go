package stategraph

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrExecutionNotFound is returned when an execution record does not exist.
var ErrExecutionNotFound = errors.New("execution not found")

// ExecutionRecord is the durable view of one execution: its identity,
// lifecycle, final state, and usage accounting.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	WorkflowName string          `json:"workflow_name"`
	TemplateType string          `json:"template_type,omitempty"`
	ThreadID     string          `json:"thread_id"`
	Status       ExecutionStatus `json:"status"`
	CurrentNode  string          `json:"current_node,omitempty"`
	InitialState State           `json:"initial_state,omitempty"`
	FinalState   State           `json:"final_state,omitempty"`
	Error        string          `json:"error,omitempty"`
	TotalTokens  int             `json:"total_tokens"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	StartTime    time.Time       `json:"start_time,omitzero"`
	EndTime      time.Time       `json:"end_time,omitzero"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Summary returns the condensed view of the record.
func (r *ExecutionRecord) Summary() *ExecutionSummary {
	duration := time.Duration(0)
	if !r.StartTime.IsZero() {
		if !r.EndTime.IsZero() {
			duration = r.EndTime.Sub(r.StartTime)
		} else {
			duration = time.Since(r.StartTime)
		}
	}
	return &ExecutionSummary{
		ExecutionID:  r.ID,
		WorkflowName: r.WorkflowName,
		TemplateType: r.TemplateType,
		ThreadID:     r.ThreadID,
		Status:       string(r.Status),
		CurrentNode:  r.CurrentNode,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Duration:     duration,
		TotalTokens:  r.TotalTokens,
		TotalCostUSD: r.TotalCostUSD,
		Error:        r.Error,
	}
}

// Clone returns a deep copy of the record.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	clone := *r
	clone.InitialState = r.InitialState.Clone()
	clone.FinalState = r.FinalState.Clone()
	return &clone
}

// ExecutionSummary provides a summary view of an execution
type ExecutionSummary struct {
	ExecutionID  string        `json:"execution_id"`
	WorkflowName string        `json:"workflow_name"`
	TemplateType string        `json:"template_type,omitempty"`
	ThreadID     string        `json:"thread_id,omitempty"`
	Status       string        `json:"status"`
	CurrentNode  string        `json:"current_node,omitempty"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitempty"`
	Duration     time.Duration `json:"duration"`
	TotalTokens  int           `json:"total_tokens"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Error        string        `json:"error,omitempty"`
}

// ExecutionFilter narrows ListExecutions results. Zero values match
// everything.
type ExecutionFilter struct {
	WorkflowName string
	Status       ExecutionStatus
	Limit        int
}

// ExecutionRepository persists execution records.
type ExecutionRepository interface {
	// CreateExecution stores a new record.
	CreateExecution(ctx context.Context, record *ExecutionRecord) error

	// UpdateExecution replaces an existing record.
	UpdateExecution(ctx context.Context, record *ExecutionRecord) error

	// GetExecution returns a record by ID, or ErrExecutionNotFound.
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// ListExecutions returns matching records, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error)

	// CostSummary aggregates token and cost totals across executions
	// created within the last days days. Non-positive days covers all time.
	CostSummary(ctx context.Context, days int) (*CostSummary, error)
}

// CostSummary aggregates usage accounting across executions.
type CostSummary struct {
	TotalExecutions int                      `json:"total_executions"`
	TotalTokens     int                      `json:"total_tokens"`
	TotalCostUSD    float64                  `json:"total_cost_usd"`
	ByWorkflow      map[string]*WorkflowCost `json:"by_workflow"`
}

// WorkflowCost is the per-workflow slice of a cost summary.
type WorkflowCost struct {
	Executions   int     `json:"executions"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// MemoryExecutionRepository is an in-memory ExecutionRepository, safe for
// concurrent use.
type MemoryExecutionRepository struct {
	mutex   sync.RWMutex
	records map[string]*ExecutionRecord
}

// NewMemoryExecutionRepository creates an empty in-memory repository.
func NewMemoryExecutionRepository() *MemoryExecutionRepository {
	return &MemoryExecutionRepository{records: map[string]*ExecutionRecord{}}
}

func (r *MemoryExecutionRepository) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.records[record.ID]; exists {
		return NewPersistenceError("create execution", errors.New("execution already exists"))
	}
	r.records[record.ID] = record.Clone()
	return nil
}

func (r *MemoryExecutionRepository) UpdateExecution(ctx context.Context, record *ExecutionRecord) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.records[record.ID]; !exists {
		return ErrExecutionNotFound
	}
	r.records[record.ID] = record.Clone()
	return nil
}

func (r *MemoryExecutionRepository) GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	record, exists := r.records[executionID]
	if !exists {
		return nil, ErrExecutionNotFound
	}
	return record.Clone(), nil
}

func (r *MemoryExecutionRepository) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var records []*ExecutionRecord
	for _, record := range r.records {
		if filter.WorkflowName != "" && record.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		records = append(records, record.Clone())
	}

	// Newest first
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	if filter.Limit > 0 && len(records) > filter.Limit {
		records = records[:filter.Limit]
	}
	return records, nil
}

func (r *MemoryExecutionRepository) CostSummary(ctx context.Context, days int) (*CostSummary, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var cutoff time.Time
	if days > 0 {
		cutoff = time.Now().AddDate(0, 0, -days)
	}
	summary := &CostSummary{ByWorkflow: map[string]*WorkflowCost{}}
	for _, record := range r.records {
		if !cutoff.IsZero() && record.CreatedAt.Before(cutoff) {
			continue
		}
		summary.TotalExecutions++
		summary.TotalTokens += record.TotalTokens
		summary.TotalCostUSD += record.TotalCostUSD

		cost, ok := summary.ByWorkflow[record.WorkflowName]
		if !ok {
			cost = &WorkflowCost{}
			summary.ByWorkflow[record.WorkflowName] = cost
		}
		cost.Executions++
		cost.TotalTokens += record.TotalTokens
		cost.TotalCostUSD += record.TotalCostUSD
	}
	return summary, nil
}
