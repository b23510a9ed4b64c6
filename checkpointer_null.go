package stategraph

import "context"

// NullCheckpointStore discards writes and never finds anything. Useful
// for executions that don't need durability.
type NullCheckpointStore struct{}

func NewNullCheckpointStore() *NullCheckpointStore {
	return &NullCheckpointStore{}
}

func (s *NullCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (s *NullCheckpointStore) Head(ctx context.Context, threadID string) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}

func (s *NullCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	return nil, ErrCheckpointNotFound
}

func (s *NullCheckpointStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	return []*Checkpoint{}, nil
}

func (s *NullCheckpointStore) Delete(ctx context.Context, threadID string) error {
	return nil
}
