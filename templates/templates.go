// Package templates provides the built-in agent workflow templates:
// pre-wired graphs for research, iterative coding, and data analysis.
// Each template couples a workflow definition with the node
// implementations behind it, built against the caller's model and tool
// clients. Most nodes are the typed adapters from the nodes package;
// the rest are custom nodes for behavior the adapters do not cover,
// such as multi-file reads and conditional prompt assembly.
package templates

import (
	"context"
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/nodes"
	"github.com/deepnoodle-ai/stategraph/script"
)

// Registered template types.
const (
	TypeResearch     = "research"
	TypeCoding       = "coding"
	TypeDataAnalysis = "data_analysis"
)

// Clients carries the external collaborators every template is built
// against.
type Clients struct {
	LLM      nodes.LLMClient
	Tools    nodes.ToolClient
	Compiler script.Compiler
}

// Template couples a runnable workflow with the node implementations
// behind it.
type Template struct {
	Type        string
	Name        string
	Description string
	Workflow    *stategraph.Workflow
	Nodes       []stategraph.Node
}

// BuildFunc constructs one template with the given clients.
type BuildFunc func(clients Clients) (*Template, error)

// Builders returns the built-in template builders keyed by type.
func Builders() map[string]BuildFunc {
	return map[string]BuildFunc{
		TypeResearch:     Research,
		TypeCoding:       Coding,
		TypeDataAnalysis: DataAnalysis,
	}
}

// Build constructs the template registered under the given type.
func Build(templateType string, clients Clients) (*Template, error) {
	builder, ok := Builders()[templateType]
	if !ok {
		return nil, fmt.Errorf("unknown template type %q", templateType)
	}
	return builder(clients)
}

// Types lists the registered template types in sorted order.
func Types() []string {
	builders := Builders()
	types := make([]string, 0, len(builders))
	for templateType := range builders {
		types = append(types, templateType)
	}
	sort.Strings(types)
	return types
}

func deps(clients Clients, routers map[string]nodes.RouteFunc) nodes.Dependencies {
	return nodes.Dependencies{
		LLM:      clients.LLM,
		Tools:    clients.Tools,
		Compiler: clients.Compiler,
		Routers:  routers,
	}
}

// postStep decorates a node with a delta rewrite that runs after a
// successful execution. Templates use it to tag tool results with their
// source and to assemble the output field on terminal nodes.
type postStep struct {
	inner stategraph.Node
	apply func(state stategraph.State, result *stategraph.NodeResult)
}

func (n *postStep) Name() string {
	return n.inner.Name()
}

func (n *postStep) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	result, err := n.inner.Execute(ctx, state)
	if err != nil {
		return result, err
	}
	if result.Delta == nil {
		result.Delta = stategraph.State{}
	}
	n.apply(state, &result)
	return result, nil
}

// skipStep short-circuits a node when its work is moot, merging a
// substitute delta instead of executing the inner node.
type skipStep struct {
	inner stategraph.Node
	when  func(state stategraph.State) bool
	delta func(state stategraph.State) stategraph.State
}

func (n *skipStep) Name() string {
	return n.inner.Name()
}

func (n *skipStep) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	if n.when(state) {
		return stategraph.NodeResult{Delta: n.delta(state)}, nil
	}
	return n.inner.Execute(ctx, state)
}

// wrapNode replaces the named node in the list with a post-processed
// version of itself.
func wrapNode(built []stategraph.Node, name string, apply func(stategraph.State, *stategraph.NodeResult)) []stategraph.Node {
	for i, node := range built {
		if node.Name() == name {
			built[i] = &postStep{inner: node, apply: apply}
		}
	}
	return built
}

// skipWhen replaces the named node in the list with a version that
// short-circuits when the condition holds.
func skipWhen(built []stategraph.Node, name string, when func(stategraph.State) bool, delta func(stategraph.State) stategraph.State) []stategraph.Node {
	for i, node := range built {
		if node.Name() == name {
			built[i] = &skipStep{inner: node, when: when, delta: delta}
		}
	}
	return built
}

// finishWith returns a postStep rewrite that assembles the execution's
// output field from the post-merge view of state and stops the run.
func finishWith(assemble func(view stategraph.State) map[string]any) func(stategraph.State, *stategraph.NodeResult) {
	return func(state stategraph.State, result *stategraph.NodeResult) {
		view := state.Clone()
		for field, value := range result.Delta {
			view[field] = value
		}
		result.Delta[stategraph.FieldOutput] = assemble(view)
		result.Delta[stategraph.FieldShouldContinue] = false
	}
}

// stringList coerces a state value into a list of strings, tolerating
// both []string and the []any form JSON decoding produces.
func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// listValue reads a state field as a list, returning nil when the field
// is absent or not list-shaped.
func listValue(state stategraph.State, field string) []any {
	items, _ := state[field].([]any)
	return items
}
