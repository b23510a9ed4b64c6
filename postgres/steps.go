package postgres

import (
	"context"

	"github.com/deepnoodle-ai/stategraph"
)

// LogStep records one node execution.
func (s *Store) LogStep(ctx context.Context, record *stategraph.StepRecord) error {
	delta, err := marshalState(record.Delta)
	if err != nil {
		return stategraph.NewPersistenceError("log step", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO stategraph_steps (
			id, execution_id, node_name, superstep, status, delta, route,
			error, tokens_used, cost_usd, start_time, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		record.ID, record.ExecutionID, record.NodeName, record.Superstep,
		record.Status, delta, record.Route, record.Error,
		record.TokensUsed, record.CostUSD, record.StartTime, record.Duration,
	); err != nil {
		return stategraph.NewPersistenceError("log step", err)
	}
	return nil
}

// GetStepHistory returns an execution's step records in superstep order,
// node name breaking ties within a superstep.
func (s *Store) GetStepHistory(ctx context.Context, executionID string) ([]*stategraph.StepRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, node_name, superstep, status, delta, route,
		       error, tokens_used, cost_usd, start_time, duration_seconds
		FROM stategraph_steps
		WHERE execution_id = $1
		ORDER BY superstep ASC, node_name ASC`,
		executionID,
	)
	if err != nil {
		return nil, stategraph.NewPersistenceError("get step history", err)
	}
	defer rows.Close()

	records := []*stategraph.StepRecord{}
	for rows.Next() {
		var (
			record stategraph.StepRecord
			delta  []byte
		)
		if err := rows.Scan(
			&record.ID, &record.ExecutionID, &record.NodeName, &record.Superstep,
			&record.Status, &delta, &record.Route, &record.Error,
			&record.TokensUsed, &record.CostUSD, &record.StartTime, &record.Duration,
		); err != nil {
			return nil, stategraph.NewPersistenceError("get step history", err)
		}
		if err := unmarshalState(delta, &record.Delta); err != nil {
			return nil, stategraph.NewPersistenceError("get step history", err)
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, stategraph.NewPersistenceError("get step history", err)
	}
	return records, nil
}
