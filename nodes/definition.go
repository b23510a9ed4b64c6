package nodes

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/script"
)

// Dependencies carries the shared collaborators the built-in adapters
// are wired with.
type Dependencies struct {
	LLM      LLMClient
	Tools    ToolClient
	Compiler script.Compiler
	Routers  map[string]RouteFunc
}

// FromDefinition builds the adapter a typed node definition describes.
// Definitions with an empty type have no built-in adapter; the host
// program supplies those nodes itself.
func FromDefinition(def stategraph.NodeDefinition, deps Dependencies) (stategraph.Node, error) {
	switch def.Type {
	case stategraph.NodeTypeModel:
		var config ModelConfig
		if err := decodeConfig(def, &config); err != nil {
			return nil, err
		}
		return NewModelNode(def.Name, deps.LLM, deps.Compiler, config)
	case stategraph.NodeTypeTool:
		var config ToolConfig
		if err := decodeConfig(def, &config); err != nil {
			return nil, err
		}
		return NewToolNode(def.Name, deps.Tools, deps.Compiler, config)
	case stategraph.NodeTypeRouter:
		var config RouterConfig
		if err := decodeConfig(def, &config); err != nil {
			return nil, err
		}
		return NewRouterNode(def.Name, deps.Compiler, config, deps.Routers)
	default:
		return nil, fmt.Errorf("node %q has no built-in adapter for type %q", def.Name, def.Type)
	}
}

// BuildAll constructs adapters for every typed node in the graph,
// in name order.
func BuildAll(graph *stategraph.Graph, deps Dependencies) ([]stategraph.Node, error) {
	var built []stategraph.Node
	for _, name := range graph.NodeNames() {
		def, _ := graph.Node(name)
		if def.Type == "" {
			continue
		}
		node, err := FromDefinition(def, deps)
		if err != nil {
			return nil, err
		}
		built = append(built, node)
	}
	return built, nil
}

// decodeConfig maps a definition's config block onto a typed config
// struct. Unknown keys are rejected so misspelled options fail loudly
// instead of silently using defaults.
func decodeConfig(def stategraph.NodeDefinition, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: true,
	})
	if err != nil {
		return fmt.Errorf("node %q: %w", def.Name, err)
	}
	if err := decoder.Decode(def.Config); err != nil {
		return fmt.Errorf("node %q has invalid config: %w", def.Name, err)
	}
	return nil
}
