package templates

import (
	"encoding/json"
	"strings"

	"github.com/deepnoodle-ai/stategraph"
	"github.com/deepnoodle-ai/stategraph/nodes"
)

const dataParsePrompt = `You are a data analyst. Convert the user's question into a SQL query.

Available tables:
- cost_tracking_daily: id, date, user_id, team_id, model, provider, request_count, input_tokens, output_tokens, total_cost
- budget_alerts: id, user_id, team_id, alert_type, threshold_percent, current_spend, budget_limit, message, acknowledged, created_at

Respond in JSON format:
{
    "sql_query": "SELECT ...",
    "explanation": "This query will...",
    "expected_columns": ["col1", "col2"]
}

Important:
- Use PostgreSQL syntax
- Include appropriate aggregations
- Limit results to 1000 rows max
- Handle NULL values appropriately`

const dataAnalyzePrompt = `You are a data analyst. Analyze the query results and provide:
1. Summary statistics
2. Key trends and patterns
3. Anomalies or outliers
4. Business insights
5. Recommendations

Be specific with numbers and percentages.`

const dataVizPrompt = `Based on the data and analysis, recommend visualizations.

Respond in JSON format:
{
    "recommended_charts": [
        {
            "type": "line|bar|pie|scatter|heatmap",
            "title": "Chart title",
            "x_axis": "column_name",
            "y_axis": "column_name",
            "description": "What this shows"
        }
    ],
    "dashboard_layout": "Description of how to arrange charts"
}`

const dataSummaryPrompt = `Create an executive summary report with:
1. Question Asked
2. Key Findings (bullet points)
3. Data Summary
4. Recommendations
5. Next Steps

Keep it concise but comprehensive. Use markdown formatting.`

// DataAnalysis builds the SQL analysis template: a natural language
// question is converted to SQL, screened by the safety gate, executed,
// and the results are analyzed, paired with chart recommendations, and
// summarized for an executive reader.
func DataAnalysis(clients Clients) (*Template, error) {
	graph := stategraph.GraphDefinition{
		EntryPoint:    "parse_question",
		TerminalNodes: []string{"summarize"},
		Nodes: []stategraph.NodeDefinition{
			{
				Name:        "parse_question",
				Type:        stategraph.NodeTypeModel,
				Description: "Convert the question into a SQL query",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.2,
					"system_prompt": dataParsePrompt,
					"prompt":        "${state.question}",
					"output_field":  "queryPlan",
				},
			},
			{
				Name:        "query_data",
				Type:        stategraph.NodeTypeTool,
				Description: "Run the generated query against the warehouse",
				Config: map[string]any{
					"tool": "postgres_query",
					"args": map[string]any{"query": "${state.dataQuery}"},
					"guard": map[string]any{
						"allowed_tables": []string{"cost_tracking_daily", "budget_alerts"},
					},
					"output_field": "queryResults",
					"fallback":     []any{},
				},
			},
			{
				Name:        "analyze_data",
				Type:        stategraph.NodeTypeModel,
				Description: "Analyze the result set for trends and anomalies",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.5,
					"system_prompt": dataAnalyzePrompt,
					"prompt":        "Question: ${state.question}\n\nData:\n${state.queryResults}",
					"output_field":  "analysis",
				},
			},
			{
				Name:        "generate_visualization",
				Type:        stategraph.NodeTypeModel,
				Description: "Recommend charts for the findings",
				Config: map[string]any{
					"model":         "gpt-4o-mini",
					"temperature":   0.3,
					"system_prompt": dataVizPrompt,
					"prompt":        "Analysis:\n${state.analysis}",
					"output_field":  "visualization",
					"fallback":      "",
				},
			},
			{
				Name:        "summarize",
				Type:        stategraph.NodeTypeModel,
				Description: "Write the executive summary",
				Config: map[string]any{
					"model":         "gpt-4o",
					"temperature":   0.7,
					"system_prompt": dataSummaryPrompt,
					"prompt":        "Question: ${state.question}\n\nAnalysis:\n${state.analysis}\n\nRow count: ${len(state.queryResults)}",
					"output_field":  "summary",
				},
			},
		},
		Edges: []stategraph.EdgeDefinition{
			{Source: "parse_question", Target: "query_data"},
			{Source: "query_data", Target: "analyze_data"},
			{Source: "analyze_data", Target: "generate_visualization"},
			{Source: "generate_visualization", Target: "summarize"},
		},
		StateSchema: stategraph.Schema{
			nodes.FieldMessages:    stategraph.ReducerAppend,
			nodes.FieldTotalTokens: stategraph.ReducerSum,
			nodes.FieldTotalCost:   stategraph.ReducerSum,
		},
	}

	workflow, err := stategraph.New(stategraph.Options{
		Name:        "data_analysis",
		Description: "SQL query generation, data analysis, and visualization recommendations",
		Graph:       graph,
		InitialState: map[string]any{
			"question":      "",
			"dataQuery":     "",
			"queryPlan":     "",
			"queryResults":  []any{},
			"analysis":      "",
			"visualization": "",
		},
	})
	if err != nil {
		return nil, err
	}

	built, err := nodes.BuildAll(workflow.Graph(), deps(clients, nil))
	if err != nil {
		return nil, err
	}
	built = wrapNode(built, "parse_question", func(state stategraph.State, result *stategraph.NodeResult) {
		plan, _ := result.Delta["queryPlan"].(string)
		result.Delta["dataQuery"] = extractSQL(plan)
	})

	// With no rows there is nothing to analyze or chart; skip the model
	// calls and keep the chain moving toward the summary.
	noRows := func(state stategraph.State) bool {
		return len(listValue(state, "queryResults")) == 0
	}
	built = skipWhen(built, "analyze_data", noRows, func(state stategraph.State) stategraph.State {
		return stategraph.State{
			"analysis":             "No data available for analysis.",
			nodes.FieldCurrentNode: "analyze_data",
		}
	})
	built = skipWhen(built, "generate_visualization", noRows, func(state stategraph.State) stategraph.State {
		return stategraph.State{nodes.FieldCurrentNode: "generate_visualization"}
	})

	built = wrapNode(built, "summarize", finishWith(func(view stategraph.State) map[string]any {
		summary, _ := view.GetString("summary")
		analysis, _ := view.GetString("analysis")
		question, _ := view.GetString("question")
		return map[string]any{
			"summary":       summary,
			"analysis":      analysis,
			"visualization": view["visualization"],
			"rowCount":      len(listValue(view, "queryResults")),
			"question":      question,
		}
	}))

	return &Template{
		Type:        TypeDataAnalysis,
		Name:        "Data Analysis Agent",
		Description: "SQL query generation, data analysis, and visualization recommendations",
		Workflow:    workflow,
		Nodes:       built,
	}, nil
}

// extractSQL pulls the SQL statement out of a model reply that should be
// JSON carrying a sql_query field. Replies wrapped in markdown fences or
// returned as bare SQL are handled too.
func extractSQL(content string) string {
	trimmed := strings.TrimSpace(content)
	for _, fence := range []string{"```json", "```sql", "```"} {
		if strings.HasPrefix(trimmed, fence) {
			trimmed = strings.TrimPrefix(trimmed, fence)
			break
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)

	var parsed struct {
		SQLQuery string `json:"sql_query"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.SQLQuery != "" {
		return parsed.SQLQuery
	}
	return trimmed
}
