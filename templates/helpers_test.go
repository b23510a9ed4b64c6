package templates

import (
	"context"
	"fmt"
	"sync"

	"github.com/deepnoodle-ai/stategraph/nodes"
)

type llmCall struct {
	model    string
	messages []nodes.Message
	params   nodes.ModelParams
}

// scriptedLLM replays canned completions in call order. Model nodes run
// one superstep at a time in these templates, so call order is stable.
type scriptedLLM struct {
	mutex   sync.Mutex
	replies []string
	usage   nodes.Usage
	calls   []llmCall
}

func (f *scriptedLLM) Call(ctx context.Context, model string, messages []nodes.Message, params nodes.ModelParams) (string, nodes.Usage, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, llmCall{model: model, messages: messages, params: params})
	if len(f.replies) == 0 {
		return "", nodes.Usage{}, fmt.Errorf("no scripted reply for call %d", len(f.calls))
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, f.usage, nil
}

type toolCall struct {
	tool string
	args map[string]any
}

// scriptedTools answers tool calls by tool name; read_file calls are
// answered from the files map by path.
type scriptedTools struct {
	mutex   sync.Mutex
	results map[string]any
	errs    map[string]error
	files   map[string]string
	calls   []toolCall
}

func (f *scriptedTools) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls = append(f.calls, toolCall{tool: tool, args: args})
	if err, ok := f.errs[tool]; ok {
		return nil, err
	}
	if tool == "read_file" && f.files != nil {
		path, _ := args["path"].(string)
		content, ok := f.files[path]
		if !ok {
			return nil, fmt.Errorf("no such file %q", path)
		}
		return content, nil
	}
	if result, ok := f.results[tool]; ok {
		return result, nil
	}
	return nil, fmt.Errorf("no scripted result for tool %q", tool)
}

func stubUsage() nodes.Usage {
	return nodes.Usage{InputTokens: 10, OutputTokens: 5}
}

func (f *scriptedTools) callsFor(tool string) []toolCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var matched []toolCall
	for _, call := range f.calls {
		if call.tool == tool {
			matched = append(matched, call)
		}
	}
	return matched
}
