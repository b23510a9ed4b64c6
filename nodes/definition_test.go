package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/stategraph"
)

func TestFromDefinitionBuildsModelNode(t *testing.T) {
	client := &fakeLLM{content: "parsed", usage: Usage{InputTokens: 5, OutputTokens: 5}}
	node, err := FromDefinition(stategraph.NodeDefinition{
		Name: "parse_query",
		Type: stategraph.NodeTypeModel,
		Config: map[string]any{
			"model":         "gpt-4o-mini",
			"system_prompt": "You are a query analyzer.",
			"prompt":        "Research query: ${state.query}",
			"temperature":   0.3,
			"output_field":  "parsedQuery",
		},
	}, Dependencies{LLM: client})
	require.NoError(t, err)
	require.Equal(t, "parse_query", node.Name())

	result, err := node.Execute(context.Background(), stategraph.State{"query": "battery costs"})
	require.NoError(t, err)
	assert.Equal(t, "parsed", result.Delta["parsedQuery"])
	require.Len(t, client.calls, 1)
	assert.Equal(t, "Research query: battery costs", client.calls[0].messages[1].Content)
	assert.Equal(t, 0.3, client.calls[0].params.Temperature)
}

func TestFromDefinitionBuildsToolNodeWithGuard(t *testing.T) {
	client := &fakeTool{result: []any{}}
	node, err := FromDefinition(stategraph.NodeDefinition{
		Name: "query_data",
		Type: stategraph.NodeTypeTool,
		Config: map[string]any{
			"tool": "postgres_query",
			"args": map[string]any{"query": "SELECT * FROM secrets LIMIT 10"},
			"guard": map[string]any{
				"allowed_tables": []string{"cost_tracking_daily"},
			},
			"output_field": "rows",
		},
	}, Dependencies{Tools: client})
	require.NoError(t, err)

	_, err = node.Execute(context.Background(), stategraph.State{})
	require.Error(t, err)
	assert.True(t, stategraph.MatchesErrorType(err, stategraph.ErrorTypeValidation))
	assert.Empty(t, client.calls)
}

func TestFromDefinitionBuildsRouterNode(t *testing.T) {
	routers := map[string]RouteFunc{
		"check_iteration": func(state stategraph.State) (string, error) {
			return "finalize", nil
		},
	}
	node, err := FromDefinition(stategraph.NodeDefinition{
		Name:   "should_iterate",
		Type:   stategraph.NodeTypeRouter,
		Config: map[string]any{"function": "check_iteration"},
	}, Dependencies{Routers: routers})
	require.NoError(t, err)

	result, err := node.Execute(context.Background(), stategraph.State{})
	require.NoError(t, err)
	assert.Equal(t, "finalize", result.Route)
}

func TestFromDefinitionDecodesNumbersFromJSONConfigs(t *testing.T) {
	// Configs that travel through JSON arrive with float64 numbers.
	node, err := FromDefinition(stategraph.NodeDefinition{
		Name: "generate",
		Type: stategraph.NodeTypeModel,
		Config: map[string]any{
			"prompt":     "Generate code.",
			"max_tokens": float64(4000),
		},
	}, Dependencies{LLM: &fakeLLM{content: "ok"}})
	require.NoError(t, err)
	model, ok := node.(*ModelNode)
	require.True(t, ok)
	assert.Equal(t, 4000, model.config.MaxTokens)
}

func TestFromDefinitionRejectsUnknownConfigKeys(t *testing.T) {
	_, err := FromDefinition(stategraph.NodeDefinition{
		Name: "parse_query",
		Type: stategraph.NodeTypeModel,
		Config: map[string]any{
			"prompt": "Parse.",
			"modle":  "gpt-4o",
		},
	}, Dependencies{LLM: &fakeLLM{}})
	require.ErrorContains(t, err, "invalid config")
}

func TestFromDefinitionRejectsUnknownType(t *testing.T) {
	_, err := FromDefinition(stategraph.NodeDefinition{
		Name: "custom",
		Type: "webhook",
	}, Dependencies{})
	require.ErrorContains(t, err, "no built-in adapter")
}

func TestBuildAllSkipsUntypedNodes(t *testing.T) {
	graph, err := stategraph.Compile(stategraph.GraphDefinition{
		Nodes: []stategraph.NodeDefinition{
			{Name: "plan", Type: stategraph.NodeTypeModel, Config: map[string]any{"prompt": "Plan."}},
			{Name: "work"},
		},
		Edges:         []stategraph.EdgeDefinition{{Source: "plan", Target: "work"}},
		EntryPoint:    "plan",
		TerminalNodes: []string{"work"},
	})
	require.NoError(t, err)

	built, err := BuildAll(graph, Dependencies{LLM: &fakeLLM{}})
	require.NoError(t, err)
	require.Len(t, built, 1)
	assert.Equal(t, "plan", built[0].Name())
}
