// Package redis implements stategraph.CheckpointStore on Redis. Each
// checkpoint is stored as a JSON string keyed by thread and checkpoint
// ID, with a per-thread list tracking chain order. An optional TTL
// expires idle threads.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deepnoodle-ai/stategraph"
)

var _ stategraph.CheckpointStore = (*Store)(nil)

// Store is a Redis-backed checkpoint store. The caller owns the client
// lifecycle.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithPrefix sets the key prefix. The default is "stategraph:".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithTTL expires a thread's checkpoint data after the given idle time.
// Every append refreshes the expiry. Zero means no expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New creates a checkpoint store on an existing Redis client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "stategraph:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) checkpointKey(threadID, checkpointID string) string {
	return s.prefix + "thread:" + threadID + ":checkpoint:" + checkpointID
}

func (s *Store) chainKey(threadID string) string {
	return s.prefix + "thread:" + threadID + ":chain"
}

// Put appends a checkpoint to its thread's chain. The chain key is
// watched so concurrent appends to the same thread cannot both commit
// against the same head.
func (s *Store) Put(ctx context.Context, checkpoint *stategraph.Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return stategraph.NewPersistenceError("put checkpoint", err)
	}
	chainKey := s.chainKey(checkpoint.ThreadID)

	txn := func(tx *redis.Tx) error {
		head, err := s.headIn(ctx, tx, checkpoint.ThreadID)
		if err != nil {
			return err
		}
		if err := stategraph.ValidateCheckpointAppend(checkpoint, head); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.checkpointKey(checkpoint.ThreadID, checkpoint.ID), payload, s.ttl)
			pipe.RPush(ctx, chainKey, checkpoint.ID)
			if s.ttl > 0 {
				pipe.Expire(ctx, chainKey, s.ttl)
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txn, chainKey); err != nil {
		var typed *stategraph.Error
		if errors.As(err, &typed) {
			return typed
		}
		return stategraph.NewPersistenceError("put checkpoint", err)
	}
	return nil
}

// headIn reads the current head through cmd, which is either the store's
// client or a transaction watching the chain.
func (s *Store) headIn(ctx context.Context, cmd redis.Cmdable, threadID string) (*stategraph.Checkpoint, error) {
	headID, err := cmd.LIndex(ctx, s.chainKey(threadID), -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := cmd.Get(ctx, s.checkpointKey(threadID, headID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var head stategraph.Checkpoint
	if err := json.Unmarshal([]byte(data), &head); err != nil {
		return nil, err
	}
	return &head, nil
}

// Head returns the latest checkpoint for a thread.
func (s *Store) Head(ctx context.Context, threadID string) (*stategraph.Checkpoint, error) {
	head, err := s.headIn(ctx, s.client, threadID)
	if err != nil {
		return nil, stategraph.NewPersistenceError("get checkpoint head", err)
	}
	if head == nil {
		return nil, stategraph.ErrCheckpointNotFound
	}
	return head, nil
}

// Get returns a checkpoint by ID.
func (s *Store) Get(ctx context.Context, threadID, checkpointID string) (*stategraph.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(threadID, checkpointID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, stategraph.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, stategraph.NewPersistenceError("get checkpoint", err)
	}
	var checkpoint stategraph.Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, stategraph.NewPersistenceError("get checkpoint", err)
	}
	return &checkpoint, nil
}

// List returns a thread's chain in order, oldest first.
func (s *Store) List(ctx context.Context, threadID string) ([]*stategraph.Checkpoint, error) {
	ids, err := s.client.LRange(ctx, s.chainKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, stategraph.NewPersistenceError("list checkpoints", err)
	}
	if len(ids) == 0 {
		return []*stategraph.Checkpoint{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.checkpointKey(threadID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, stategraph.NewPersistenceError("list checkpoints", err)
	}

	chain := make([]*stategraph.Checkpoint, 0, len(values))
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			// Expired entry still referenced by the chain list.
			continue
		}
		var checkpoint stategraph.Checkpoint
		if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
			return nil, stategraph.NewPersistenceError("list checkpoints", err)
		}
		chain = append(chain, &checkpoint)
	}
	return chain, nil
}

// Delete removes all checkpoints for a thread.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	chainKey := s.chainKey(threadID)
	ids, err := s.client.LRange(ctx, chainKey, 0, -1).Result()
	if err != nil {
		return stategraph.NewPersistenceError("delete checkpoints", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.checkpointKey(threadID, id))
	}
	pipe.Del(ctx, chainKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return stategraph.NewPersistenceError("delete checkpoints", err)
	}
	return nil
}
