package stategraph

import (
	"context"
)

// RouteEnd is the route a router node returns to mark its branch of the
// graph as finished without naming a successor.
const RouteEnd = "end"

// NodeResult is what a node hands back to the scheduler: a partial state
// delta to merge, an optional route chosen by a router node, and usage
// accounting for model-backed nodes.
type NodeResult struct {
	// Delta holds the fields the node wants written into shared state.
	// A nil Delta is a valid no-op.
	Delta State

	// Route names the successor chosen by a router node, or RouteEnd to
	// finish the branch. Non-router nodes leave it empty and the graph's
	// edges decide what runs next.
	Route string

	// TokensUsed and CostUSD accumulate onto the execution's totals.
	TokensUsed int
	CostUSD    float64
}

// Node is a unit of work in a graph. Execute receives a snapshot of the
// merged state as of the start of the node's superstep. The snapshot must
// be treated as read-only; all writes go through the returned Delta.
type Node interface {
	Name() string
	Execute(ctx context.Context, state State) (NodeResult, error)
}

// NodeFunc adapts a plain function to the Node interface.
type NodeFunc struct {
	name string
	fn   func(ctx context.Context, state State) (NodeResult, error)
}

// NewNodeFunc creates a named node from a function.
func NewNodeFunc(name string, fn func(ctx context.Context, state State) (NodeResult, error)) *NodeFunc {
	return &NodeFunc{name: name, fn: fn}
}

func (f *NodeFunc) Name() string {
	return f.name
}

func (f *NodeFunc) Execute(ctx context.Context, state State) (NodeResult, error) {
	return f.fn(ctx, state)
}
