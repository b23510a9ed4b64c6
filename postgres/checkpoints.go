package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/deepnoodle-ai/stategraph"
)

// Put appends a checkpoint to its thread's chain. A transaction-scoped
// advisory lock keyed on the thread serializes writers within a thread;
// writes to other threads proceed concurrently.
func (s *Store) Put(ctx context.Context, checkpoint *stategraph.Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, checkpoint.ThreadID,
	); err != nil {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}

	head, err := scanCheckpoint(tx.QueryRow(ctx, `
		SELECT payload FROM stategraph_checkpoints
		WHERE thread_id = $1
		ORDER BY seq DESC
		LIMIT 1`,
		checkpoint.ThreadID,
	))
	if err != nil && !isNoRows(err) {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}
	if err := stategraph.ValidateCheckpointAppend(checkpoint, head); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stategraph_checkpoints (thread_id, checkpoint_id, parent_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		checkpoint.ThreadID, checkpoint.ID, checkpoint.ParentID, payload, checkpoint.CreatedAt,
	); err != nil {
		if isDuplicateKey(err) {
			return stategraph.NewPersistenceError("put checkpoint",
				fmt.Errorf("checkpoint %s already exists in thread %s", checkpoint.ID, checkpoint.ThreadID))
		}
		return stategraph.NewPersistenceError("put checkpoint", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}
	return nil
}

// Head returns the latest checkpoint for a thread.
func (s *Store) Head(ctx context.Context, threadID string) (*stategraph.Checkpoint, error) {
	checkpoint, err := scanCheckpoint(s.pool.QueryRow(ctx, `
		SELECT payload FROM stategraph_checkpoints
		WHERE thread_id = $1
		ORDER BY seq DESC
		LIMIT 1`,
		threadID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, stategraph.ErrCheckpointNotFound
		}
		return nil, stategraph.NewPersistenceError("get checkpoint head", err)
	}
	return checkpoint, nil
}

// Get returns a checkpoint by ID.
func (s *Store) Get(ctx context.Context, threadID, checkpointID string) (*stategraph.Checkpoint, error) {
	checkpoint, err := scanCheckpoint(s.pool.QueryRow(ctx, `
		SELECT payload FROM stategraph_checkpoints
		WHERE thread_id = $1 AND checkpoint_id = $2`,
		threadID, checkpointID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, stategraph.ErrCheckpointNotFound
		}
		return nil, stategraph.NewPersistenceError("get checkpoint", err)
	}
	return checkpoint, nil
}

// List returns a thread's chain in order, oldest first.
func (s *Store) List(ctx context.Context, threadID string) ([]*stategraph.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM stategraph_checkpoints
		WHERE thread_id = $1
		ORDER BY seq ASC`,
		threadID,
	)
	if err != nil {
		return nil, stategraph.NewPersistenceError("list checkpoints", err)
	}
	defer rows.Close()

	chain := []*stategraph.Checkpoint{}
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, stategraph.NewPersistenceError("list checkpoints", err)
		}
		chain = append(chain, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, stategraph.NewPersistenceError("list checkpoints", err)
	}
	return chain, nil
}

// Delete removes all checkpoints for a thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM stategraph_checkpoints WHERE thread_id = $1`, threadID,
	); err != nil {
		return stategraph.NewPersistenceError("delete checkpoints", err)
	}
	return nil
}

// scanCheckpoint decodes the payload column of a checkpoint row.
func scanCheckpoint(row pgx.Row) (*stategraph.Checkpoint, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var checkpoint stategraph.Checkpoint
	if err := json.Unmarshal(payload, &checkpoint); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}
