package stategraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultMaxIterations bounds how many times any single node may run
// within one execution when the graph contains cycles.
const DefaultMaxIterations = 25

// Options are used to configure a workflow.
type Options struct {
	Name          string          `json:"name" yaml:"name"`
	Graph         GraphDefinition `json:"graph" yaml:"graph"`
	Description   string          `json:"description,omitempty" yaml:"description,omitempty"`
	Path          string          `json:"path,omitempty" yaml:"path,omitempty"`
	MaxIterations int             `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	InitialState  map[string]any  `json:"initial_state,omitempty" yaml:"initial_state,omitempty"`
}

// Workflow defines a repeatable process as a graph of nodes to be executed.
type Workflow struct {
	name          string
	description   string
	path          string
	graph         *Graph
	maxIterations int
	initialState  map[string]any
}

// New returns a new Workflow configured with the given options. The graph
// definition is compiled and validated here; a workflow that constructs
// successfully is structurally sound.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	graph, err := Compile(opts.Graph)
	if err != nil {
		return nil, err
	}
	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Workflow{
		name:          opts.Name,
		description:   opts.Description,
		path:          opts.Path,
		graph:         graph,
		maxIterations: maxIterations,
		initialState:  opts.InitialState,
	}, nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Path returns the workflow path
func (w *Workflow) Path() string {
	return w.path
}

// Graph returns the compiled workflow graph
func (w *Workflow) Graph() *Graph {
	return w.graph
}

// MaxIterations returns the per-node iteration ceiling for cyclic graphs
func (w *Workflow) MaxIterations() int {
	return w.maxIterations
}

// InitialState returns the workflow initial state
func (w *Workflow) InitialState() map[string]any {
	return w.initialState
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var opts Options
	if err := yaml.Unmarshal(yamlData, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	opts.Path = path
	return New(opts)
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	var opts Options
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	return New(opts)
}
