package nodes

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/events"
	"github.com/deepnoodle-ai/stategraph/script"
)

// DefaultModel is used when a model node's configuration names none.
const DefaultModel = "gpt-4o-mini"

// ModelConfig configures a model-call node. Prompt and SystemPrompt are
// both templates, rendered against the state on every execution.
//
// Fallback, when set, substitutes the model's reply after a client
// failure instead of failing the node. The fallback lands in the output
// field only; nothing is appended to the history and no usage accrues.
type ModelConfig struct {
	Model          string  `mapstructure:"model"`
	SystemPrompt   string  `mapstructure:"system_prompt"`
	Prompt         string  `mapstructure:"prompt"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	OutputField    string  `mapstructure:"output_field"`
	IncludeHistory bool    `mapstructure:"include_history"`
	Fallback       any     `mapstructure:"fallback"`
}

// ModelNode calls a chat model and merges the reply into state: the
// assistant message appends to messages, token usage and cost accumulate
// onto the totals, and the raw content lands in the configured output
// field.
type ModelNode struct {
	name   string
	client LLMClient
	config ModelConfig
	prompt *script.Template
	system *script.Template
}

// NewModelNode builds a model-call node, compiling the prompt templates
// once.
func NewModelNode(name string, client LLMClient, compiler script.Compiler, config ModelConfig) (*ModelNode, error) {
	if client == nil {
		return nil, fmt.Errorf("model node %q requires an LLM client", name)
	}
	if config.Prompt == "" {
		return nil, fmt.Errorf("model node %q requires a prompt", name)
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if compiler == nil {
		compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	node := &ModelNode{name: name, client: client, config: config}
	var err error
	node.prompt, err = script.NewTemplate(compiler, config.Prompt)
	if err != nil {
		return nil, fmt.Errorf("model node %q: %w", name, err)
	}
	if config.SystemPrompt != "" {
		node.system, err = script.NewTemplate(compiler, config.SystemPrompt)
		if err != nil {
			return nil, fmt.Errorf("model node %q system prompt: %w", name, err)
		}
	}
	return node, nil
}

func (n *ModelNode) Name() string {
	return n.name
}

func (n *ModelNode) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	globals := scriptGlobals(state)
	prompt, err := n.prompt.Eval(ctx, globals)
	if err != nil {
		return stategraph.NodeResult{}, fmt.Errorf("failed to render prompt: %w", err)
	}

	messages := make([]Message, 0, 2)
	if n.system != nil {
		system, err := n.system.Eval(ctx, globals)
		if err != nil {
			return stategraph.NodeResult{}, fmt.Errorf("failed to render system prompt: %w", err)
		}
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	if n.config.IncludeHistory {
		messages = append(messages, historyMessages(state)...)
	}
	messages = append(messages, Message{Role: RoleUser, Content: prompt})

	content, usage, err := n.client.Call(ctx, n.config.Model, messages, ModelParams{
		Temperature: n.config.Temperature,
		MaxTokens:   n.config.MaxTokens,
	})
	if err != nil {
		if n.config.Fallback == nil {
			return stategraph.NodeResult{}, err
		}
		if logger, ok := stategraph.GetLoggerFromContext(ctx); ok {
			logger.Warn("model call failed, using fallback",
				"node", n.name, "model", n.config.Model, "error", err)
		}
		delta := stategraph.State{FieldCurrentNode: n.name}
		if n.config.OutputField != "" {
			delta[n.config.OutputField] = n.config.Fallback
		}
		return stategraph.NodeResult{Delta: delta}, nil
	}

	emitOutput(ctx, map[string]any{"content": content})

	cost := CostUSD(n.config.Model, usage)
	delta := stategraph.State{
		FieldMessages:    []any{chatMessage(RoleAssistant, content, "")},
		FieldTotalTokens: usage.TotalTokens(),
		FieldTotalCost:   cost,
		FieldCurrentNode: n.name,
	}
	if n.config.OutputField != "" {
		delta[n.config.OutputField] = content
	}
	return stategraph.NodeResult{
		Delta:      delta,
		TokensUsed: usage.TotalTokens(),
		CostUSD:    cost,
	}, nil
}

// scriptGlobals exposes the state to prompt templates under the same
// name edge conditions use.
func scriptGlobals(state stategraph.State) map[string]any {
	return map[string]any{"state": map[string]any(state)}
}

// chatMessage builds the map form of a message. State always carries
// messages as plain maps so checkpoints round-trip them unchanged.
func chatMessage(role, content, name string) map[string]any {
	message := map[string]any{"role": role, "content": content}
	if name != "" {
		message["name"] = name
	}
	return message
}

// historyMessages reads the conversation history out of state, accepting
// both map-shaped entries and Message values.
func historyMessages(state stategraph.State) []Message {
	items, ok := state[FieldMessages].([]any)
	if !ok {
		return nil
	}
	history := make([]Message, 0, len(items))
	for _, item := range items {
		switch m := item.(type) {
		case Message:
			history = append(history, m)
		case map[string]any:
			var message Message
			message.Role, _ = m["role"].(string)
			message.Content, _ = m["content"].(string)
			message.Name, _ = m["name"].(string)
			if message.Role != "" || message.Content != "" {
				history = append(history, message)
			}
		}
	}
	return history
}

// emitOutput streams incremental output through the execution's event
// sink, when one is attached.
func emitOutput(ctx context.Context, data map[string]any) {
	sink, ok := stategraph.GetEventSinkFromContext(ctx)
	if !ok {
		return
	}
	executionID, _ := stategraph.GetExecutionIDFromContext(ctx)
	node, _ := stategraph.GetNodeNameFromContext(ctx)
	event := events.NewOutput(executionID, node, data)
	event.Superstep, _ = stategraph.GetSuperstepFromContext(ctx)
	sink(event)
}
