// Package events fans execution lifecycle events out to observers. The
// broadcaster never blocks the execution path: slow observers lose events
// and learn about the loss through the Dropped count on keepalives.
package events

import (
	"time"
)

// Kind identifies an event's type on the wire.
type Kind string

const (
	// KindConnected acknowledges a new subscription.
	KindConnected Kind = "connected"

	// KindStatus reports an execution status transition.
	KindStatus Kind = "status"

	// KindNodeStart reports that a node began executing.
	KindNodeStart Kind = "node_start"

	// KindNodeComplete reports that a node finished, successfully or not.
	KindNodeComplete Kind = "node_complete"

	// KindOutput carries incremental output produced by a node.
	KindOutput Kind = "output"

	// KindError reports an execution-level failure.
	KindError Kind = "error"

	// KindKeepalive is emitted periodically on idle streams. Its Dropped
	// field reports how many events the subscriber lost since the last
	// delivery, so clients can tell silence from loss.
	KindKeepalive Kind = "keepalive"
)

// Event is a single observation of a running execution.
type Event struct {
	Seq         uint64         `json:"seq"`
	Kind        Kind           `json:"kind"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Node        string         `json:"node,omitempty"`
	Superstep   int            `json:"superstep,omitempty"`
	Status      string         `json:"status,omitempty"`
	Error       string         `json:"error,omitempty"`
	Dropped     int64          `json:"dropped,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewConnected builds the subscription acknowledgement event.
func NewConnected(executionID string) *Event {
	return &Event{
		Kind:        KindConnected,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewStatus builds a status transition event.
func NewStatus(executionID, status string) *Event {
	return &Event{
		Kind:        KindStatus,
		ExecutionID: executionID,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	}
}

// NewNodeStart builds a node start event.
func NewNodeStart(executionID, node string, superstep int) *Event {
	return &Event{
		Kind:        KindNodeStart,
		ExecutionID: executionID,
		Node:        node,
		Superstep:   superstep,
		Timestamp:   time.Now().UTC(),
	}
}

// NewNodeComplete builds a node completion event. A non-empty errText
// marks the node as failed.
func NewNodeComplete(executionID, node string, superstep int, data map[string]any, errText string) *Event {
	return &Event{
		Kind:        KindNodeComplete,
		ExecutionID: executionID,
		Node:        node,
		Superstep:   superstep,
		Error:       errText,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}

// NewOutput builds an incremental output event.
func NewOutput(executionID, node string, data map[string]any) *Event {
	return &Event{
		Kind:        KindOutput,
		ExecutionID: executionID,
		Node:        node,
		Data:        data,
		Timestamp:   time.Now().UTC(),
	}
}

// NewError builds an execution failure event.
func NewError(executionID, errText string) *Event {
	return &Event{
		Kind:        KindError,
		ExecutionID: executionID,
		Error:       errText,
		Timestamp:   time.Now().UTC(),
	}
}

// NewKeepalive builds a keepalive carrying the number of events the
// subscriber lost since its last delivery.
func NewKeepalive(executionID string, dropped int64) *Event {
	return &Event{
		Kind:        KindKeepalive,
		ExecutionID: executionID,
		Dropped:     dropped,
		Timestamp:   time.Now().UTC(),
	}
}
