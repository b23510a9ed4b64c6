// Package nodes provides the built-in node adapters: model-call nodes,
// tool-call nodes, and router nodes, plus the HTTP gateway clients they
// talk through. Adapters are constructed either directly or from graph
// node definitions via FromDefinition.
package nodes

import (
	"context"
)

// Conversation roles used on the chat completion wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// State fields written by the built-in adapters. Graphs that use model
// or tool nodes should declare messages as append and the two totals as
// sum in their state schema.
const (
	FieldMessages    = "messages"
	FieldTotalTokens = "totalTokens"
	FieldTotalCost   = "totalCost"
	FieldCurrentNode = "currentNode"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Usage reports the token consumption of a single model call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// ModelParams carries the per-call sampling settings.
type ModelParams struct {
	Temperature float64
	MaxTokens   int
}

// LLMClient invokes a chat model and returns its reply along with token
// usage. Implementations own their retry and backoff policy; any error
// they return is treated as a node failure by the scheduler.
type LLMClient interface {
	Call(ctx context.Context, model string, messages []Message, params ModelParams) (string, Usage, error)
}

// ToolClient invokes a named external tool with JSON-shaped arguments.
// Implementations own their retry and backoff policy.
type ToolClient interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
}
