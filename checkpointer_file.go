package stategraph

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileCheckpointStore persists checkpoint chains to disk, one directory
// per thread with one JSON file per checkpoint. A head.json link tracks
// the chain head.
type FileCheckpointStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileCheckpointStore creates a file-based checkpoint store rooted at
// dataDir. An empty dataDir defaults to a directory under the user's home.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".stategraph", "threads")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

// Put appends a checkpoint to its thread's chain on disk.
func (s *FileCheckpointStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	head, err := s.readHead(checkpoint.ThreadID)
	if err != nil {
		return err
	}
	if err := ValidateCheckpointAppend(checkpoint, head); err != nil {
		return err
	}

	threadDir := filepath.Join(s.dataDir, checkpoint.ThreadID)
	if err := os.MkdirAll(threadDir, 0755); err != nil {
		return NewPersistenceError("put checkpoint", err)
	}

	checkpointPath := filepath.Join(threadDir, fmt.Sprintf("checkpoint-%s.json", checkpoint.ID))
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return NewPersistenceError("put checkpoint", err)
	}
	if err := os.WriteFile(checkpointPath, data, 0644); err != nil {
		return NewPersistenceError("put checkpoint", err)
	}

	headPath := filepath.Join(threadDir, "head.json")
	if err := s.updateHeadLink(checkpointPath, headPath); err != nil {
		return NewPersistenceError("put checkpoint", err)
	}
	return nil
}

// Head returns the latest checkpoint for a thread.
func (s *FileCheckpointStore) Head(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	head, err := s.readHead(threadID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ErrCheckpointNotFound
	}
	return head, nil
}

// Get returns a checkpoint by ID.
func (s *FileCheckpointStore) Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	path := filepath.Join(s.dataDir, threadID, fmt.Sprintf("checkpoint-%s.json", checkpointID))
	checkpoint, err := s.readCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, ErrCheckpointNotFound
	}
	return checkpoint, nil
}

// List returns a thread's chain in order, oldest first.
func (s *FileCheckpointStore) List(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	threadDir := filepath.Join(s.dataDir, threadID)
	entries, err := os.ReadDir(threadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Checkpoint{}, nil
		}
		return nil, NewPersistenceError("list checkpoints", err)
	}

	var chain []*Checkpoint
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "checkpoint-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		checkpoint, err := s.readCheckpoint(filepath.Join(threadDir, name))
		if err != nil || checkpoint == nil {
			continue
		}
		chain = append(chain, checkpoint)
	}

	// Supersteps increase monotonically within a thread, so they order
	// the chain without walking parent links.
	sort.Slice(chain, func(i, j int) bool {
		return chain[i].Superstep < chain[j].Superstep
	})
	return chain, nil
}

// Delete removes all checkpoint data for a thread.
func (s *FileCheckpointStore) Delete(ctx context.Context, threadID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.RemoveAll(filepath.Join(s.dataDir, threadID)); err != nil {
		return NewPersistenceError("delete checkpoints", err)
	}
	return nil
}

func (s *FileCheckpointStore) readHead(threadID string) (*Checkpoint, error) {
	return s.readCheckpoint(filepath.Join(s.dataDir, threadID, "head.json"))
}

func (s *FileCheckpointStore) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewPersistenceError("read checkpoint", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, NewPersistenceError("read checkpoint", err)
	}
	return &checkpoint, nil
}

// updateHeadLink points head.json at the latest checkpoint file.
func (s *FileCheckpointStore) updateHeadLink(checkpointPath, headPath string) error {
	if _, err := os.Lstat(headPath); err == nil {
		if err := os.Remove(headPath); err != nil {
			return fmt.Errorf("failed to remove existing head link: %w", err)
		}
	}

	// On Windows, copy the file instead of creating a symlink.
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(checkpointPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		return os.WriteFile(headPath, data, 0644)
	}

	rel, err := filepath.Rel(filepath.Dir(headPath), checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, headPath)
}
