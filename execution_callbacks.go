package stategraph

import (
	"context"
	"time"
)

// ExecutionCallbacks defines the callback interface for execution events
type ExecutionCallbacks interface {
	// Execution-level callbacks
	BeforeExecution(ctx context.Context, event *ExecutionEvent)
	AfterExecution(ctx context.Context, event *ExecutionEvent)

	// Superstep-level callbacks
	BeforeSuperstep(ctx context.Context, event *SuperstepEvent)
	AfterSuperstep(ctx context.Context, event *SuperstepEvent)

	// Node-level callbacks
	BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent)
	AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent)
}

// ExecutionEvent provides context for execution-level events
type ExecutionEvent struct {
	ExecutionID  string
	WorkflowName string
	ThreadID     string
	Status       ExecutionStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	State        State
	Error        error
}

// SuperstepEvent provides context for superstep-level events
type SuperstepEvent struct {
	ExecutionID  string
	WorkflowName string
	Superstep    int
	ReadyNodes   []string
	CheckpointID string
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Error        error
}

// NodeExecutionEvent provides context for node execution events
type NodeExecutionEvent struct {
	ExecutionID  string
	WorkflowName string
	NodeName     string
	Superstep    int
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Delta        State
	Route        string
	TokensUsed   int
	CostUSD      float64
	Error        error
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeSuperstep(ctx context.Context, event *SuperstepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	// noop
}

func (n *BaseExecutionCallbacks) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	// noop
}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed this in your own callbacks to get a default implementation that does nothing.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeSuperstep(ctx context.Context, event *SuperstepEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeSuperstep(ctx, event)
	}
}

func (c *CallbackChain) AfterSuperstep(ctx context.Context, event *SuperstepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterSuperstep(ctx, event)
	}
}

func (c *CallbackChain) BeforeNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeNodeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	for _, callback := range c.callbacks {
		callback.AfterNodeExecution(ctx, event)
	}
}
