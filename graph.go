package stategraph

import (
	"fmt"
	"sort"
	"time"
)

// Node types with built-in adapters. The type selects how a node's
// Config is interpreted; an empty type means the node is implemented
// directly by the host program.
const (
	NodeTypeModel  = "model"
	NodeTypeTool   = "tool"
	NodeTypeRouter = "router"
)

// NodeDefinition describes a single executable step in a graph.
type NodeDefinition struct {
	Name        string         `json:"name" yaml:"name"`
	Type        string         `json:"type,omitempty" yaml:"type,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	BestEffort  bool           `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
}

// EdgeDefinition describes a transition between two nodes. An empty
// Condition means the edge always fires; otherwise the condition is a
// boolean script expression evaluated against the merged state.
type EdgeDefinition struct {
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Conditional reports whether the edge carries a condition expression.
func (e EdgeDefinition) Conditional() bool {
	return e.Condition != ""
}

// GraphDefinition is the serializable description of a workflow graph:
// the node set, the edges between them, the entry point, the terminal set,
// and the reducer schema for the state fields the nodes write.
type GraphDefinition struct {
	Nodes         []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges         []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
	EntryPoint    string           `json:"entry_point" yaml:"entry_point"`
	TerminalNodes []string         `json:"terminal_nodes,omitempty" yaml:"terminal_nodes,omitempty"`
	StateSchema   Schema           `json:"state_schema,omitempty" yaml:"state_schema,omitempty"`
}

// Graph is the compiled, validated form of a GraphDefinition. Compilation
// is pure; the same Graph may be shared by any number of executions.
type Graph struct {
	def          GraphDefinition
	nodes        map[string]NodeDefinition
	successors   map[string][]EdgeDefinition
	predecessors map[string][]string
	terminals    map[string]bool
	cyclic       map[string]bool
}

// Compile validates a graph definition and returns its executable form.
// All violations are collected into a single StructuralError so that a
// definition can be corrected in one pass.
func Compile(def GraphDefinition) (*Graph, error) {
	var violations []string

	if len(def.Nodes) == 0 {
		violations = append(violations, "graph has no nodes")
	}

	nodes := make(map[string]NodeDefinition, len(def.Nodes))
	for _, node := range def.Nodes {
		if node.Name == "" {
			violations = append(violations, "node with empty name")
			continue
		}
		if _, exists := nodes[node.Name]; exists {
			violations = append(violations, fmt.Sprintf("duplicate node name %q", node.Name))
			continue
		}
		nodes[node.Name] = node
	}

	if def.EntryPoint == "" {
		violations = append(violations, "entry point required")
	} else if _, ok := nodes[def.EntryPoint]; !ok {
		violations = append(violations, fmt.Sprintf("entry point %q is not a declared node", def.EntryPoint))
	}

	terminals := make(map[string]bool, len(def.TerminalNodes))
	for _, name := range def.TerminalNodes {
		if _, ok := nodes[name]; !ok {
			violations = append(violations, fmt.Sprintf("terminal node %q is not a declared node", name))
			continue
		}
		terminals[name] = true
	}

	successors := make(map[string][]EdgeDefinition)
	predecessors := make(map[string][]string)
	for _, edge := range def.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			violations = append(violations, fmt.Sprintf("edge source %q is not a declared node", edge.Source))
			continue
		}
		if _, ok := nodes[edge.Target]; !ok {
			violations = append(violations, fmt.Sprintf("edge target %q is not a declared node", edge.Target))
			continue
		}
		successors[edge.Source] = append(successors[edge.Source], edge)
		predecessors[edge.Target] = append(predecessors[edge.Target], edge.Source)
	}

	// A node's out-edges are either all conditional or all unconditional.
	// Mixing the two makes the firing rule ambiguous.
	for _, node := range def.Nodes {
		edges := successors[node.Name]
		var conditional, unconditional int
		for _, edge := range edges {
			if edge.Conditional() {
				conditional++
			} else {
				unconditional++
			}
		}
		if conditional > 0 && unconditional > 0 {
			violations = append(violations,
				fmt.Sprintf("node %q mixes conditional and unconditional outgoing edges", node.Name))
		}
		if terminals[node.Name] && len(edges) > 0 {
			violations = append(violations,
				fmt.Sprintf("terminal node %q has outgoing edges", node.Name))
		}
	}

	// Reachability from the entry point, only meaningful once the entry
	// point itself is valid.
	if def.EntryPoint != "" {
		if _, ok := nodes[def.EntryPoint]; ok {
			reachable := reachableFrom(def.EntryPoint, successors)
			var unreachable []string
			for _, node := range def.Nodes {
				if node.Name == "" {
					continue
				}
				if !reachable[node.Name] {
					unreachable = append(unreachable, node.Name)
				}
			}
			sort.Strings(unreachable)
			for _, name := range unreachable {
				violations = append(violations, fmt.Sprintf("node %q is unreachable from the entry point", name))
			}
		}
	}

	violations = append(violations, def.StateSchema.Violations()...)

	if len(violations) > 0 {
		return nil, NewStructuralError(violations)
	}

	return &Graph{
		def:          def,
		nodes:        nodes,
		successors:   successors,
		predecessors: predecessors,
		terminals:    terminals,
		cyclic:       cyclicNodes(nodes, successors),
	}, nil
}

func reachableFrom(start string, successors map[string][]EdgeDefinition) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range successors[current] {
			if !reachable[edge.Target] {
				reachable[edge.Target] = true
				queue = append(queue, edge.Target)
			}
		}
	}
	return reachable
}

// cyclicNodes returns the set of nodes reachable from themselves through
// the edge set. These are the nodes the executor guards with iteration
// counters.
func cyclicNodes(nodes map[string]NodeDefinition, successors map[string][]EdgeDefinition) map[string]bool {
	cyclic := make(map[string]bool)
	for name := range nodes {
		if reachesSelf(name, successors) {
			cyclic[name] = true
		}
	}
	return cyclic
}

func reachesSelf(start string, successors map[string][]EdgeDefinition) bool {
	visited := map[string]bool{}
	queue := []string{}
	for _, edge := range successors[start] {
		queue = append(queue, edge.Target)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == start {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		for _, edge := range successors[current] {
			queue = append(queue, edge.Target)
		}
	}
	return false
}

// Definition returns a copy of the graph's definition.
func (g *Graph) Definition() GraphDefinition {
	return g.def
}

// EntryPoint returns the name of the graph's entry node.
func (g *Graph) EntryPoint() string {
	return g.def.EntryPoint
}

// StateSchema returns the reducer schema declared for the graph.
func (g *Graph) StateSchema() Schema {
	return g.def.StateSchema
}

// Node returns a node definition by name.
func (g *Graph) Node(name string) (NodeDefinition, bool) {
	node, ok := g.nodes[name]
	return node, ok
}

// NodeNames returns the names of all declared nodes, sorted.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OutEdges returns the outgoing edges of a node in declaration order.
func (g *Graph) OutEdges(name string) []EdgeDefinition {
	return g.successors[name]
}

// Predecessors returns the names of the nodes with an edge into the given
// node, in edge declaration order.
func (g *Graph) Predecessors(name string) []string {
	return g.predecessors[name]
}

// IsTerminal reports whether the node is in the terminal set.
func (g *Graph) IsTerminal(name string) bool {
	return g.terminals[name]
}

// IsCyclic reports whether the node lies on a cycle.
func (g *Graph) IsCyclic(name string) bool {
	return g.cyclic[name]
}
