package stategraph

import (
	"context"
	"sync"
)

// MemoryCheckpointStore is an in-memory CheckpointStore. It is safe for
// concurrent use and is the default store for executions that don't
// configure persistence.
type MemoryCheckpointStore struct {
	mutex  sync.RWMutex
	chains map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{chains: map[string][]*Checkpoint{}}
}

// Put appends a checkpoint to its thread's chain.
func (s *MemoryCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	chain := s.chains[checkpoint.ThreadID]
	var head *Checkpoint
	if len(chain) > 0 {
		head = chain[len(chain)-1]
	}
	if err := ValidateCheckpointAppend(checkpoint, head); err != nil {
		return err
	}
	s.chains[checkpoint.ThreadID] = append(chain, checkpoint.Clone())
	return nil
}

// Head returns the latest checkpoint for a thread.
func (s *MemoryCheckpointStore) Head(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	chain := s.chains[threadID]
	if len(chain) == 0 {
		return nil, ErrCheckpointNotFound
	}
	return chain[len(chain)-1].Clone(), nil
}

// Get returns a checkpoint by ID.
func (s *MemoryCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, checkpoint := range s.chains[threadID] {
		if checkpoint.ID == checkpointID {
			return checkpoint.Clone(), nil
		}
	}
	return nil, ErrCheckpointNotFound
}

// List returns a thread's chain in order, oldest first.
func (s *MemoryCheckpointStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	chain := s.chains[threadID]
	out := make([]*Checkpoint, 0, len(chain))
	for _, checkpoint := range chain {
		out = append(out, checkpoint.Clone())
	}
	return out, nil
}

// Delete removes all checkpoints for a thread.
func (s *MemoryCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.chains, threadID)
	return nil
}
