package templates

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/nodes"
)

// codingMaxIterations bounds the generate/analyze refinement loop.
const codingMaxIterations = 5

// maxContextFiles caps how many files read_code pulls into the prompt.
const maxContextFiles = 5

const defaultLanguage = "python"

const fieldIterationCount = "iterationCount"

const codingUnderstandPrompt = `You are a senior software engineer analyzing a coding task.

Task: ${state.task}
Language: ${state.language}

Analyze the task and provide:
1. Task breakdown into steps
2. Key requirements
3. Potential challenges
4. Files that might need to be read for context

Respond in JSON format:
{
    "steps": ["step1", "step2"],
    "requirements": ["req1", "req2"],
    "challenges": ["challenge1"],
    "context_files": ["file1.py"]
}`

const codingGeneratePrompt = `You are an expert %s programmer. Generate clean, well-documented code.

Follow these guidelines:
1. Write clear, readable code
2. Include appropriate error handling
3. Add docstrings and comments
4. Follow %s best practices
5. Make the code production-ready`

const codingReviewPrompt = `You are a code reviewer specializing in ${state.language}. Analyze the code for:
1. Bugs and errors
2. Security vulnerabilities
3. Performance issues
4. Code style violations
5. Missing edge cases

If the code is good, say "APPROVED" at the start.
If issues exist, list them clearly for the developer to fix.`

// issueIndicators are the review phrases that send the loop back for
// another generation pass.
var issueIndicators = []string{"error", "bug", "issue", "fix", "improve", "missing", "incorrect"}

// Coding builds the iterative code generation template. The task is
// analyzed, context files are read, and then code generation and review
// alternate until the review approves the code or the iteration ceiling
// is reached.
func Coding(clients Clients) (*Template, error) {
	graph := stategraph.GraphDefinition{
		EntryPoint:    "understand_task",
		TerminalNodes: []string{"finalize_code"},
		Nodes: []stategraph.NodeDefinition{
			{
				Name:        "understand_task",
				Type:        stategraph.NodeTypeModel,
				Description: "Break the coding task into steps and requirements",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.3,
					"system_prompt": codingUnderstandPrompt,
					"prompt":        "${state.task}",
					"output_field":  "taskAnalysis",
				},
			},
			{
				Name:        "read_code",
				Description: "Read the requested context files",
			},
			{
				Name:        "generate_code",
				Description: "Generate or refine the code",
			},
			{
				Name:        "analyze_code",
				Type:        stategraph.NodeTypeModel,
				Description: "Review the generated code for issues",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.3,
					"system_prompt": codingReviewPrompt,
					"prompt":        "Review this code:\n\n${state.generatedCode}",
					"output_field":  "codeAnalysis",
				},
			},
			{
				Name:        "should_iterate",
				Type:        stategraph.NodeTypeRouter,
				Description: "Loop back for fixes or accept the code",
				Config:      map[string]any{"function": "coding_should_iterate"},
			},
			{
				Name:        "finalize_code",
				Description: "Assemble the final code output",
			},
		},
		Edges: []stategraph.EdgeDefinition{
			{Source: "understand_task", Target: "read_code"},
			{Source: "read_code", Target: "generate_code"},
			{Source: "generate_code", Target: "analyze_code"},
			{Source: "analyze_code", Target: "should_iterate"},
			{Source: "should_iterate", Target: "generate_code"},
			{Source: "should_iterate", Target: "finalize_code"},
		},
		StateSchema: stategraph.Schema{
			nodes.FieldMessages:    stategraph.ReducerAppend,
			fieldIterationCount:    stategraph.ReducerSum,
			nodes.FieldTotalTokens: stategraph.ReducerSum,
			nodes.FieldTotalCost:   stategraph.ReducerSum,
		},
	}

	workflow, err := stategraph.New(stategraph.Options{
		Name:          "coding_agent",
		Description:   "Iterative code generation with analysis and refinement",
		Graph:         graph,
		MaxIterations: codingMaxIterations,
		InitialState: map[string]any{
			"task":              "",
			"language":          defaultLanguage,
			"contextFiles":      []any{},
			"codeContext":       "",
			"generatedCode":     "",
			"codeAnalysis":      "",
			fieldIterationCount: 0,
		},
	})
	if err != nil {
		return nil, err
	}

	routers := map[string]nodes.RouteFunc{"coding_should_iterate": codingShouldIterate}
	built, err := nodes.BuildAll(workflow.Graph(), deps(clients, routers))
	if err != nil {
		return nil, err
	}
	built = append(built,
		&readCodeNode{tools: clients.Tools},
		&generateCodeNode{llm: clients.LLM},
		stategraph.NewNodeFunc("finalize_code", finalizeCode),
	)

	return &Template{
		Type:        TypeCoding,
		Name:        "Coding Agent",
		Description: "Iterative code generation with analysis and refinement",
		Workflow:    workflow,
		Nodes:       built,
	}, nil
}

// codingShouldIterate sends the loop back to generation while the review
// still names issues and the iteration ceiling has not been hit.
func codingShouldIterate(state stategraph.State) (string, error) {
	if iterations, _ := state.GetInt(fieldIterationCount); iterations >= codingMaxIterations {
		return "finalize_code", nil
	}
	analysis, _ := state.GetString("codeAnalysis")
	analysis = strings.ToLower(analysis)
	for _, indicator := range issueIndicators {
		if strings.Contains(analysis, indicator) {
			return "generate_code", nil
		}
	}
	return "finalize_code", nil
}

// readCodeNode reads the configured context files through the file tool
// and joins them into a single annotated block. Unreadable files are
// logged and skipped rather than failing the run.
type readCodeNode struct {
	tools nodes.ToolClient
}

func (n *readCodeNode) Name() string {
	return "read_code"
}

func (n *readCodeNode) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	files := stringList(state["contextFiles"])
	if len(files) == 0 {
		return stategraph.NodeResult{
			Delta: stategraph.State{nodes.FieldCurrentNode: n.Name()},
		}, nil
	}
	if len(files) > maxContextFiles {
		files = files[:maxContextFiles]
	}

	var sections []string
	for _, path := range files {
		content, err := n.tools.Call(ctx, "read_file", map[string]any{"path": path})
		if err != nil {
			if logger, ok := stategraph.GetLoggerFromContext(ctx); ok {
				logger.Warn("could not read context file", "path", path, "error", err)
			}
			continue
		}
		text, ok := content.(string)
		if !ok {
			text = fmt.Sprint(content)
		}
		sections = append(sections, fmt.Sprintf("# File: %s\n%s", path, text))
	}

	combined := "No context files available"
	if len(sections) > 0 {
		combined = strings.Join(sections, "\n\n")
	}
	return stategraph.NodeResult{
		Delta: stategraph.State{
			"codeContext":          combined,
			nodes.FieldCurrentNode: n.Name(),
		},
	}, nil
}

// generateCodeNode generates or refines code. The prompt is assembled
// conditionally: context code is included when files were read, and on
// refinement passes the previous attempt and its review are fed back.
type generateCodeNode struct {
	llm nodes.LLMClient
}

func (n *generateCodeNode) Name() string {
	return "generate_code"
}

func (n *generateCodeNode) Execute(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	task, _ := state.GetString("task")
	language, _ := state.GetString("language")
	if language == "" {
		language = defaultLanguage
	}

	user := "Task: " + task
	if codeContext, _ := state.GetString("codeContext"); codeContext != "" {
		user += "\n\nContext code:\n" + codeContext
	}
	previousCode, _ := state.GetString("generatedCode")
	previousAnalysis, _ := state.GetString("codeAnalysis")
	if previousCode != "" && previousAnalysis != "" {
		user += "\n\nPrevious attempt:\n" + previousCode +
			"\n\nIssues found:\n" + previousAnalysis +
			"\n\nPlease fix these issues."
	}

	code, usage, err := n.llm.Call(ctx, "gpt-4o", []nodes.Message{
		{Role: nodes.RoleSystem, Content: fmt.Sprintf(codingGeneratePrompt, language, language)},
		{Role: nodes.RoleUser, Content: user},
	}, nodes.ModelParams{Temperature: 0.2, MaxTokens: 4000})
	if err != nil {
		return stategraph.NodeResult{}, err
	}

	cost := nodes.CostUSD("gpt-4o", usage)
	return stategraph.NodeResult{
		Delta: stategraph.State{
			"generatedCode":        code,
			fieldIterationCount:    1,
			nodes.FieldMessages:    []any{map[string]any{"role": nodes.RoleAssistant, "content": code}},
			nodes.FieldTotalTokens: usage.TotalTokens(),
			nodes.FieldTotalCost:   cost,
			nodes.FieldCurrentNode: n.Name(),
		},
		TokensUsed: usage.TotalTokens(),
		CostUSD:    cost,
	}, nil
}

// finalizeCode assembles the accepted code into the execution output and
// stops the run.
func finalizeCode(ctx context.Context, state stategraph.State) (stategraph.NodeResult, error) {
	code, _ := state.GetString("generatedCode")
	analysis, _ := state.GetString("codeAnalysis")
	iterations, _ := state.GetInt(fieldIterationCount)
	language, _ := state.GetString("language")
	if language == "" {
		language = defaultLanguage
	}
	return stategraph.NodeResult{
		Delta: stategraph.State{
			stategraph.FieldOutput: map[string]any{
				"code":       code,
				"analysis":   analysis,
				"iterations": iterations,
				"language":   language,
			},
			nodes.FieldCurrentNode:         "finalize_code",
			stategraph.FieldShouldContinue: false,
		},
	}, nil
}
