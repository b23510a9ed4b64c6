package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/script"
)

// RouteFunc selects the next route from state. Routing functions must be
// pure: the scheduler re-invokes them during replay, so any side effect
// would run more than once.
type RouteFunc func(state stategraph.State) (string, error)

// RouterConfig configures a router node with either a script expression
// that evaluates to a route name or the name of a registered routing
// function. Exactly one of the two must be set.
type RouterConfig struct {
	Expression string `mapstructure:"expression"`
	Function   string `mapstructure:"function"`
}

// RouterNode selects the next edge from state. It never mutates state
// and never calls external systems.
type RouterNode struct {
	name       string
	expression script.Script
	fn         RouteFunc
}

// NewRouterNode builds a router from its configuration.
func NewRouterNode(name string, compiler script.Compiler, config RouterConfig, functions map[string]RouteFunc) (*RouterNode, error) {
	if (config.Expression == "") == (config.Function == "") {
		return nil, fmt.Errorf("router node %q requires exactly one of expression or function", name)
	}
	if config.Function != "" {
		fn, ok := functions[config.Function]
		if !ok {
			return nil, fmt.Errorf("router node %q references unknown function %q", name, config.Function)
		}
		return &RouterNode{name: name, fn: fn}, nil
	}
	if compiler == nil {
		compiler = script.NewRisorScriptingEngine(script.SafeRisorGlobals())
	}
	expression, err := compiler.Compile(context.Background(), config.Expression)
	if err != nil {
		return nil, fmt.Errorf("router node %q: %w", name, err)
	}
	return &RouterNode{name: name, expression: expression}, nil
}

// NewRouterFunc wraps a routing function directly as a router node.
func NewRouterFunc(name string, fn RouteFunc) *RouterNode {
	return &RouterNode{name: name, fn: fn}
}

func (n *RouterNode) Name() string {
	return n.name
}

func (n *RouterNode) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	if n.fn != nil {
		route, err := n.fn(state)
		if err != nil {
			return stategraph.NodeResult{}, err
		}
		return stategraph.NodeResult{Route: route}, nil
	}
	value, err := n.expression.Evaluate(ctx, scriptGlobals(state))
	if err != nil {
		return stategraph.NodeResult{}, fmt.Errorf("failed to evaluate route: %w", err)
	}
	return stategraph.NodeResult{Route: value.String()}, nil
}
