package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/deepnoodle-ai/stategraph"
)

const executionColumns = `
	id, workflow_name, template_type, thread_id, status, current_node,
	initial_state, final_state, error, total_tokens, total_cost_usd,
	start_time, end_time, created_at`

// CreateExecution stores a new execution record.
func (s *Store) CreateExecution(ctx context.Context, record *stategraph.ExecutionRecord) error {
	initialState, err := marshalState(record.InitialState)
	if err != nil {
		return stategraph.NewPersistenceError("create execution", err)
	}
	finalState, err := marshalState(record.FinalState)
	if err != nil {
		return stategraph.NewPersistenceError("create execution", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO stategraph_executions (`+executionColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.ID, record.WorkflowName, record.TemplateType, record.ThreadID,
		string(record.Status), record.CurrentNode,
		initialState, finalState, record.Error,
		record.TotalTokens, record.TotalCostUSD,
		nullTime(record.StartTime), nullTime(record.EndTime), record.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stategraph.NewPersistenceError("create execution", errors.New("execution already exists"))
		}
		return stategraph.NewPersistenceError("create execution", err)
	}
	return nil
}

// UpdateExecution replaces an existing execution record.
func (s *Store) UpdateExecution(ctx context.Context, record *stategraph.ExecutionRecord) error {
	initialState, err := marshalState(record.InitialState)
	if err != nil {
		return stategraph.NewPersistenceError("update execution", err)
	}
	finalState, err := marshalState(record.FinalState)
	if err != nil {
		return stategraph.NewPersistenceError("update execution", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE stategraph_executions SET
			workflow_name = $2, template_type = $3, thread_id = $4,
			status = $5, current_node = $6, initial_state = $7,
			final_state = $8, error = $9, total_tokens = $10,
			total_cost_usd = $11, start_time = $12, end_time = $13
		WHERE id = $1`,
		record.ID, record.WorkflowName, record.TemplateType, record.ThreadID,
		string(record.Status), record.CurrentNode,
		initialState, finalState, record.Error,
		record.TotalTokens, record.TotalCostUSD,
		nullTime(record.StartTime), nullTime(record.EndTime),
	)
	if err != nil {
		return stategraph.NewPersistenceError("update execution", err)
	}
	if tag.RowsAffected() == 0 {
		return stategraph.ErrExecutionNotFound
	}
	return nil
}

// GetExecution returns an execution record by ID.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*stategraph.ExecutionRecord, error) {
	record, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT`+executionColumns+` FROM stategraph_executions WHERE id = $1`,
		executionID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, stategraph.ErrExecutionNotFound
		}
		return nil, stategraph.NewPersistenceError("get execution", err)
	}
	return record, nil
}

// ListExecutions returns matching records, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter stategraph.ExecutionFilter) ([]*stategraph.ExecutionRecord, error) {
	query := `SELECT` + executionColumns + ` FROM stategraph_executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.WorkflowName != "" {
		query += fmt.Sprintf(" AND workflow_name = $%d", argIdx)
		args = append(args, filter.WorkflowName)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, stategraph.NewPersistenceError("list executions", err)
	}
	defer rows.Close()

	records := []*stategraph.ExecutionRecord{}
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, stategraph.NewPersistenceError("list executions", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, stategraph.NewPersistenceError("list executions", err)
	}
	return records, nil
}

// CostSummary aggregates token and cost totals across executions created
// within the last days days. Non-positive days covers all time.
func (s *Store) CostSummary(ctx context.Context, days int) (*stategraph.CostSummary, error) {
	query := `
		SELECT workflow_name, COUNT(*)::bigint,
		       COALESCE(SUM(total_tokens), 0)::bigint,
		       COALESCE(SUM(total_cost_usd), 0)
		FROM stategraph_executions`
	args := []any{}
	if days > 0 {
		query += ` WHERE created_at >= NOW() - make_interval(days => $1)`
		args = append(args, days)
	}
	query += ` GROUP BY workflow_name`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, stategraph.NewPersistenceError("cost summary", err)
	}
	defer rows.Close()

	summary := &stategraph.CostSummary{ByWorkflow: map[string]*stategraph.WorkflowCost{}}
	for rows.Next() {
		var (
			name string
			cost stategraph.WorkflowCost
		)
		if err := rows.Scan(&name, &cost.Executions, &cost.TotalTokens, &cost.TotalCostUSD); err != nil {
			return nil, stategraph.NewPersistenceError("cost summary", err)
		}
		summary.TotalExecutions += cost.Executions
		summary.TotalTokens += cost.TotalTokens
		summary.TotalCostUSD += cost.TotalCostUSD
		summary.ByWorkflow[name] = &cost
	}
	if err := rows.Err(); err != nil {
		return nil, stategraph.NewPersistenceError("cost summary", err)
	}
	return summary, nil
}

// scanExecution scans a single execution row.
func scanExecution(row pgx.Row) (*stategraph.ExecutionRecord, error) {
	var (
		record       stategraph.ExecutionRecord
		status       string
		initialState []byte
		finalState   []byte
		startTime    *time.Time
		endTime      *time.Time
	)
	err := row.Scan(
		&record.ID, &record.WorkflowName, &record.TemplateType, &record.ThreadID,
		&status, &record.CurrentNode,
		&initialState, &finalState, &record.Error,
		&record.TotalTokens, &record.TotalCostUSD,
		&startTime, &endTime, &record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Status = stategraph.ExecutionStatus(status)
	if err := unmarshalState(initialState, &record.InitialState); err != nil {
		return nil, err
	}
	if err := unmarshalState(finalState, &record.FinalState); err != nil {
		return nil, err
	}
	if startTime != nil {
		record.StartTime = *startTime
	}
	if endTime != nil {
		record.EndTime = *endTime
	}
	return &record, nil
}

// marshalState encodes a state map as JSON, mapping nil to SQL NULL.
func marshalState(state stategraph.State) ([]byte, error) {
	if state == nil {
		return nil, nil
	}
	return json.Marshal(state)
}

func unmarshalState(data []byte, state *stategraph.State) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, state)
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
