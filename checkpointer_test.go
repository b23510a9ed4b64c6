package stategraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCheckpoint(threadID, id, parentID string, superstep int) *Checkpoint {
	return &Checkpoint{
		ID:            id,
		ThreadID:      threadID,
		ParentID:      parentID,
		WorkflowName:  "chain-test",
		Status:        ExecutionStatusRunning,
		State:         State{"superstep": superstep},
		Superstep:     superstep,
		LastCompleted: []string{"node"},
		StartTime:     time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
}

// checkpointStores returns every store implementation under test.
func checkpointStores(t *testing.T) map[string]CheckpointStore {
	t.Helper()
	fileStore, err := NewFileCheckpointStore(t.TempDir())
	require.NoError(t, err)
	return map[string]CheckpointStore{
		"memory": NewMemoryCheckpointStore(),
		"file":   fileStore,
	}
}

func TestCheckpointStoreAppendsChain(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Head(ctx, "thread-1")
			require.ErrorIs(t, err, ErrCheckpointNotFound)

			first := testCheckpoint("thread-1", "ckpt-1", "", 0)
			require.NoError(t, store.Put(ctx, first))

			second := testCheckpoint("thread-1", "ckpt-2", "ckpt-1", 1)
			require.NoError(t, store.Put(ctx, second))

			head, err := store.Head(ctx, "thread-1")
			require.NoError(t, err)
			assert.Equal(t, "ckpt-2", head.ID)
			assert.Equal(t, "ckpt-1", head.ParentID)

			got, err := store.Get(ctx, "thread-1", "ckpt-1")
			require.NoError(t, err)
			assert.Equal(t, 0, got.Superstep)

			chain, err := store.List(ctx, "thread-1")
			require.NoError(t, err)
			require.Len(t, chain, 2)
			assert.Equal(t, "ckpt-1", chain[0].ID)
			assert.Equal(t, "ckpt-2", chain[1].ID)
		})
	}
}

func TestCheckpointStoreRejectsBrokenChain(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// First checkpoint must not claim a parent.
			orphan := testCheckpoint("thread-2", "ckpt-1", "ckpt-0", 0)
			require.Error(t, store.Put(ctx, orphan))

			require.NoError(t, store.Put(ctx, testCheckpoint("thread-2", "ckpt-1", "", 0)))

			// Parent must be the current head, not an older checkpoint.
			skewed := testCheckpoint("thread-2", "ckpt-3", "ckpt-0", 1)
			require.Error(t, store.Put(ctx, skewed))

			// Missing required identifiers.
			require.Error(t, store.Put(ctx, testCheckpoint("thread-2", "", "ckpt-1", 1)))
			require.Error(t, store.Put(ctx, testCheckpoint("", "ckpt-2", "ckpt-1", 1)))

			// The failed writes left the chain untouched.
			chain, err := store.List(ctx, "thread-2")
			require.NoError(t, err)
			require.Len(t, chain, 1)
		})
	}
}

func TestCheckpointStoreIsolatesThreads(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, testCheckpoint("thread-a", "ckpt-a", "", 0)))
			require.NoError(t, store.Put(ctx, testCheckpoint("thread-b", "ckpt-b", "", 0)))

			headA, err := store.Head(ctx, "thread-a")
			require.NoError(t, err)
			assert.Equal(t, "ckpt-a", headA.ID)

			_, err = store.Get(ctx, "thread-a", "ckpt-b")
			require.ErrorIs(t, err, ErrCheckpointNotFound)
		})
	}
}

func TestCheckpointStoreDelete(t *testing.T) {
	for name, store := range checkpointStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, testCheckpoint("thread-del", "ckpt-1", "", 0)))
			require.NoError(t, store.Delete(ctx, "thread-del"))

			_, err := store.Head(ctx, "thread-del")
			require.ErrorIs(t, err, ErrCheckpointNotFound)
			chain, err := store.List(ctx, "thread-del")
			require.NoError(t, err)
			assert.Empty(t, chain)

			// The thread can start a fresh chain after deletion.
			require.NoError(t, store.Put(ctx, testCheckpoint("thread-del", "ckpt-2", "", 0)))
		})
	}
}

func TestMemoryCheckpointStoreHandsOutCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	original := testCheckpoint("thread-copy", "ckpt-1", "", 0)
	require.NoError(t, store.Put(ctx, original))

	// Mutating what Put received or what Head returned must not affect
	// what the store holds.
	original.State["superstep"] = 99
	head, err := store.Head(ctx, "thread-copy")
	require.NoError(t, err)
	assert.Equal(t, 0, head.State["superstep"])

	head.State["superstep"] = 42
	again, err := store.Head(ctx, "thread-copy")
	require.NoError(t, err)
	assert.Equal(t, 0, again.State["superstep"])
}

func TestFileCheckpointStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, testCheckpoint("thread-reopen", "ckpt-1", "", 0)))
	require.NoError(t, store.Put(ctx, testCheckpoint("thread-reopen", "ckpt-2", "ckpt-1", 1)))

	reopened, err := NewFileCheckpointStore(dir)
	require.NoError(t, err)
	head, err := reopened.Head(ctx, "thread-reopen")
	require.NoError(t, err)
	assert.Equal(t, "ckpt-2", head.ID)

	chain, err := reopened.List(ctx, "thread-reopen")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, "ckpt-1", chain[0].ID)
}

func TestNullCheckpointStoreDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	store := NewNullCheckpointStore()
	require.NoError(t, store.Put(ctx, testCheckpoint("thread-null", "ckpt-1", "", 0)))

	_, err := store.Head(ctx, "thread-null")
	require.ErrorIs(t, err, ErrCheckpointNotFound)
	chain, err := store.List(ctx, "thread-null")
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestCheckpointCloneIsDeep(t *testing.T) {
	checkpoint := testCheckpoint("thread-clone", "ckpt-1", "", 0)
	checkpoint.Satisfied = map[string][]string{"join": {"b"}}
	checkpoint.IterationCounts = map[string]int{"loop": 2}

	clone := checkpoint.Clone()
	clone.State["superstep"] = 99
	clone.Satisfied["join"] = append(clone.Satisfied["join"], "c")
	clone.IterationCounts["loop"] = 5
	clone.LastCompleted[0] = "changed"

	assert.Equal(t, 0, checkpoint.State["superstep"])
	assert.Equal(t, []string{"b"}, checkpoint.Satisfied["join"])
	assert.Equal(t, 2, checkpoint.IterationCounts["loop"])
	assert.Equal(t, []string{"node"}, checkpoint.LastCompleted)
}
