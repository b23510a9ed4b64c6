package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/script"
	"github.com/deepnoodle-ai/stategraph/sqlguard"
)

// GuardConfig attaches the SQL safety gate to one argument of a tool
// call. The named argument must render to a string; the validated (and
// possibly limit-injected) form is what reaches the tool.
type GuardConfig struct {
	Argument      string   `mapstructure:"argument"`
	AllowedTables []string `mapstructure:"allowed_tables"`
	DefaultLimit  int      `mapstructure:"default_limit"`
	MaxLimit      int      `mapstructure:"max_limit"`
}

// ToolConfig configures a tool-call node. String argument values are
// rendered as templates against the state; all other values pass through
// unchanged.
//
// Fallback, when set, substitutes the tool's result after a client
// failure instead of failing the node. Use it for optional sources
// feeding a fan-in, where one dead source should not stall the join.
// Gate rejections are never substituted; a rejected query always fails
// the node.
type ToolConfig struct {
	Tool        string         `mapstructure:"tool"`
	Args        map[string]any `mapstructure:"args"`
	OutputField string         `mapstructure:"output_field"`
	Guard       *GuardConfig   `mapstructure:"guard"`
	Fallback    any            `mapstructure:"fallback"`
}

// ToolNode invokes an external tool and merges its result into state.
// When a guard is configured, the guarded argument is screened before
// the call; a rejected query never reaches the tool client.
type ToolNode struct {
	name      string
	client    ToolClient
	config    ToolConfig
	templates map[string]*script.Template
	gate      *sqlguard.Gate
	guardArg  string
}

// NewToolNode builds a tool-call node, compiling argument templates
// once.
func NewToolNode(name string, client ToolClient, compiler script.Compiler, config ToolConfig) (*ToolNode, error) {
	if client == nil {
		return nil, fmt.Errorf("tool node %q requires a tool client", name)
	}
	if config.Tool == "" {
		return nil, fmt.Errorf("tool node %q requires a tool name", name)
	}
	if compiler == nil {
		compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}

	node := &ToolNode{name: name, client: client, config: config}
	node.templates = make(map[string]*script.Template)
	for arg, value := range config.Args {
		text, ok := value.(string)
		if !ok {
			continue
		}
		template, err := script.NewTemplate(compiler, text)
		if err != nil {
			return nil, fmt.Errorf("tool node %q argument %q: %w", name, arg, err)
		}
		node.templates[arg] = template
	}

	if config.Guard != nil {
		node.guardArg = config.Guard.Argument
		if node.guardArg == "" {
			node.guardArg = "query"
		}
		node.gate = sqlguard.NewGate(sqlguard.GateOptions{
			AllowedTables: config.Guard.AllowedTables,
			DefaultLimit:  config.Guard.DefaultLimit,
			MaxLimit:      config.Guard.MaxLimit,
		})
	}
	return node, nil
}

func (n *ToolNode) Name() string {
	return n.name
}

func (n *ToolNode) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	args, err := n.renderArgs(ctx, state)
	if err != nil {
		return stategraph.NodeResult{}, err
	}

	if n.gate != nil {
		query, ok := args[n.guardArg].(string)
		if !ok {
			return stategraph.NodeResult{}, stategraph.NewValidationError(n.name,
				fmt.Sprintf("guarded argument %q is not a string", n.guardArg))
		}
		validated, err := n.gate.Validate(query)
		if err != nil {
			if logger, ok := stategraph.GetLoggerFromContext(ctx); ok {
				logger.Warn("query rejected by safety gate",
					"node", n.name, "tool", n.config.Tool, "query", query, "error", err)
			}
			return stategraph.NodeResult{}, stategraph.NewValidationError(n.name, err.Error())
		}
		args[n.guardArg] = validated
	}

	result, err := n.client.Call(ctx, n.config.Tool, args)
	if err != nil {
		if n.config.Fallback == nil {
			return stategraph.NodeResult{}, err
		}
		if logger, ok := stategraph.GetLoggerFromContext(ctx); ok {
			logger.Warn("tool call failed, using fallback result",
				"node", n.name, "tool", n.config.Tool, "error", err)
		}
		result = n.config.Fallback
	}

	delta := stategraph.State{
		FieldMessages:    []any{chatMessage(RoleTool, stringifyResult(result), n.config.Tool)},
		FieldCurrentNode: n.name,
	}
	if n.config.OutputField != "" {
		delta[n.config.OutputField] = result
	}
	return stategraph.NodeResult{Delta: delta}, nil
}

// renderArgs evaluates the templated arguments against the state and
// copies the rest through.
func (n *ToolNode) renderArgs(ctx context.Context, state stategraph.State) (map[string]any, error) {
	args := make(map[string]any, len(n.config.Args))
	globals := scriptGlobals(state)
	for arg, value := range n.config.Args {
		template, ok := n.templates[arg]
		if !ok {
			args[arg] = value
			continue
		}
		rendered, err := template.Eval(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to render argument %q: %w", arg, err)
		}
		args[arg] = rendered
	}
	return args, nil
}

// stringifyResult renders a tool result for the conversation history.
func stringifyResult(result any) string {
	if text, ok := result.(string); ok {
		return text
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(data)
}
