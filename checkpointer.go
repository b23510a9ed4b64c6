package stategraph

import (
	"context"
	"errors"
)

// ErrCheckpointNotFound is returned when a thread has no checkpoints or a
// requested checkpoint ID does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists checkpoint chains. Implementations must
// serialize writes within a thread; writes to different threads may
// proceed concurrently.
type CheckpointStore interface {
	// Put appends a checkpoint to its thread's chain. The checkpoint's
	// ParentID must name the current head (or be empty for the first
	// checkpoint of the thread).
	Put(ctx context.Context, checkpoint *Checkpoint) error

	// Head returns the most recent checkpoint for a thread, or
	// ErrCheckpointNotFound if the thread has none.
	Head(ctx context.Context, threadID string) (*Checkpoint, error)

	// Get returns a specific checkpoint by ID within a thread.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// List returns a thread's full chain in order, oldest first.
	List(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// Delete removes all checkpoints for a thread.
	Delete(ctx context.Context, threadID string) error
}

// ValidateCheckpointAppend enforces the append-only chain invariant.
// Store implementations call it with the thread's current head before
// writing a new checkpoint.
func ValidateCheckpointAppend(checkpoint *Checkpoint, head *Checkpoint) error {
	if checkpoint.ID == "" {
		return NewPersistenceError("put checkpoint", errors.New("checkpoint id required"))
	}
	if checkpoint.ThreadID == "" {
		return NewPersistenceError("put checkpoint", errors.New("thread id required"))
	}
	if head == nil {
		if checkpoint.ParentID != "" {
			return NewPersistenceError("put checkpoint",
				errors.New("first checkpoint of a thread must have no parent"))
		}
		return nil
	}
	if checkpoint.ParentID != head.ID {
		return NewPersistenceError("put checkpoint",
			errors.New("checkpoint parent does not match thread head"))
	}
	return nil
}
