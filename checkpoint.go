package stategraph

import (
	"time"

	"go.jetify.com/typeid"
)

// NewThreadID returns a new identifier for a checkpoint thread.
func NewThreadID() string {
	id, err := typeid.WithPrefix("thread")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a new identifier for a checkpoint.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Checkpoint is one immutable record in a thread's history. Checkpoints
// form a chain: each record names the checkpoint it extends via ParentID,
// and the head of the chain is the thread's current state.
type Checkpoint struct {
	ID           string          `json:"id"`
	ThreadID     string          `json:"thread_id"`
	ParentID     string          `json:"parent_id,omitempty"`
	WorkflowName string          `json:"workflow_name"`
	Status       ExecutionStatus `json:"status"`
	State        State           `json:"state"`
	Superstep    int             `json:"superstep"`

	// Scheduling bookkeeping. The ready set itself is never stored; a
	// resumed execution recomputes it from the graph's edges plus the
	// fields below. LastCompleted holds the nodes that finished in the
	// superstep this checkpoint closed, whose outgoing edges have not
	// fired yet. FailedNodes is non-empty only on a failure checkpoint.
	LastCompleted   []string            `json:"last_completed,omitempty"`
	FailedNodes     []string            `json:"failed_nodes,omitempty"`
	Satisfied       map[string][]string `json:"satisfied,omitempty"`
	IterationCounts map[string]int      `json:"iteration_counts,omitempty"`

	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the checkpoint. Stores hand out clones so
// callers can't mutate persisted history.
func (c *Checkpoint) Clone() *Checkpoint {
	clone := *c
	clone.State = c.State.Clone()
	clone.LastCompleted = append([]string(nil), c.LastCompleted...)
	clone.FailedNodes = append([]string(nil), c.FailedNodes...)
	if c.Satisfied != nil {
		clone.Satisfied = make(map[string][]string, len(c.Satisfied))
		for target, sources := range c.Satisfied {
			clone.Satisfied[target] = append([]string(nil), sources...)
		}
	}
	if c.IterationCounts != nil {
		clone.IterationCounts = make(map[string]int, len(c.IterationCounts))
		for name, count := range c.IterationCounts {
			clone.IterationCounts[name] = count
		}
	}
	return &clone
}
