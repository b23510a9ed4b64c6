package templates

import (
	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/nodes"
)

const researchParsePrompt = `You are a research query analyzer. Parse the user's research query and:
1. Identify key topics and entities
2. Determine search keywords
3. Identify relevant database tables to query
4. Output a structured plan

Respond in JSON format:
{
    "topics": ["topic1", "topic2"],
    "search_keywords": ["keyword1", "keyword2"],
    "database_queries": ["query description 1"],
    "research_plan": "brief plan description"
}`

const researchAnalyzePrompt = `You are a research analyst. Analyze the provided search results and:
1. Identify key findings
2. Note contradictions or gaps
3. Synthesize main themes
4. Rate source reliability

Provide a structured analysis.`

const researchReportPrompt = `You are a research report writer. Generate a comprehensive research report with:
1. Executive Summary
2. Key Findings
3. Detailed Analysis
4. Conclusions
5. Recommendations

Use markdown formatting.`

// costTrackingQuery feeds recent internal spend data into the research
// alongside the web results.
const costTrackingQuery = "SELECT * FROM cost_tracking_daily ORDER BY date DESC LIMIT 10"

// Research builds the multi-source research template. The query is
// parsed into a plan, then web and database searches run in the same
// superstep, and the merged results are analyzed and written up as a
// markdown report.
//
// Both search nodes fall back to empty results when their source is
// unreachable, so one dead source never stalls the analysis join.
func Research(clients Clients) (*Template, error) {
	graph := stategraph.GraphDefinition{
		EntryPoint:    "parse_query",
		TerminalNodes: []string{"generate_report"},
		Nodes: []stategraph.NodeDefinition{
			{
				Name:        "parse_query",
				Type:        stategraph.NodeTypeModel,
				Description: "Break the research query into topics, keywords, and a plan",
				Config: map[string]any{
					"model":         "gpt-4o-mini",
					"temperature":   0.3,
					"system_prompt": researchParsePrompt,
					"prompt":        "Research query: ${state.query}",
					"output_field":  "researchPlan",
				},
			},
			{
				Name:        "search_web",
				Type:        stategraph.NodeTypeTool,
				Description: "Search the web for the query",
				Config: map[string]any{
					"tool":         "brave_search",
					"args":         map[string]any{"query": "${state.query}", "count": 10},
					"output_field": "searchResults",
					"fallback":     []any{},
				},
			},
			{
				Name:        "search_database",
				Type:        stategraph.NodeTypeTool,
				Description: "Pull recent cost tracking data for context",
				Config: map[string]any{
					"tool": "postgres_query",
					"args": map[string]any{"query": costTrackingQuery},
					"guard": map[string]any{
						"allowed_tables": []string{"cost_tracking_daily"},
					},
					"output_field": "searchResults",
					"fallback":     []any{},
				},
			},
			{
				Name:        "analyze_results",
				Type:        stategraph.NodeTypeModel,
				Description: "Synthesize findings across all sources",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.5,
					"system_prompt": researchAnalyzePrompt,
					"prompt":        "Search results:\n${state.searchResults}",
					"output_field":  "analysis",
				},
			},
			{
				Name:        "generate_report",
				Type:        stategraph.NodeTypeModel,
				Description: "Write the final research report",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.7,
					"max_tokens":    4000,
					"system_prompt": researchReportPrompt,
					"prompt":        "Query: ${state.query}\n\nAnalysis:\n${state.analysis}",
					"output_field":  "report",
				},
			},
		},
		Edges: []stategraph.EdgeDefinition{
			{Source: "parse_query", Target: "search_web"},
			{Source: "parse_query", Target: "search_database"},
			{Source: "search_web", Target: "analyze_results"},
			{Source: "search_database", Target: "analyze_results"},
			{Source: "analyze_results", Target: "generate_report"},
		},
		StateSchema: stategraph.Schema{
			nodes.FieldMessages:    stategraph.ReducerAppend,
			"searchResults":        stategraph.ReducerAppend,
			nodes.FieldTotalTokens: stategraph.ReducerSum,
			nodes.FieldTotalCost:   stategraph.ReducerSum,
		},
	}

	workflow, err := stategraph.New(stategraph.Options{
		Name:        "research_agent",
		Description: "Multi-source research with web search, database queries, and report generation",
		Graph:       graph,
		InitialState: map[string]any{
			"query":         "",
			"searchResults": []any{},
			"analysis":      "",
		},
	})
	if err != nil {
		return nil, err
	}

	built, err := nodes.BuildAll(workflow.Graph(), deps(clients, nil))
	if err != nil {
		return nil, err
	}
	built = wrapNode(built, "search_database", tagDatabaseRows)
	built = wrapNode(built, "generate_report", finishWith(func(view stategraph.State) map[string]any {
		report, _ := view.GetString("report")
		query, _ := view.GetString("query")
		return map[string]any{"report": report, "query": query}
	}))

	return &Template{
		Type:        TypeResearch,
		Name:        "Research Agent",
		Description: "Multi-source research with web search, database queries, and report generation",
		Workflow:    workflow,
		Nodes:       built,
	}, nil
}

// tagDatabaseRows folds the database rows into the shared result list as
// a single source-tagged entry, so the analyst can weigh provenance.
// When the query returned nothing there is nothing worth tagging.
func tagDatabaseRows(state stategraph.State, result *stategraph.NodeResult) {
	rows, _ := result.Delta["searchResults"].([]any)
	if len(rows) == 0 {
		delete(result.Delta, "searchResults")
		return
	}
	result.Delta["searchResults"] = []any{
		map[string]any{"source": "database", "data": rows},
	}
}
