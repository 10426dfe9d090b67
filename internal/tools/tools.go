// Package tools wires the individual tool backends (websearch, graphrag)
// behind the single agent.ToolInvoker interface the structured action
// agent dispatches tool_operation actions through.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/orchestrator-ai/planner/internal/tools/graphrag"
	"github.com/orchestrator-ai/planner/internal/tools/websearch"
)

// Registry dispatches tool_operation actions by name.
type Registry struct {
	search *websearch.Client
	graph  *graphrag.Engine
}

// New builds a Registry. Either dependency may be nil; invoking a tool
// whose backend is nil fails with a descriptive error rather than panicking.
func New(search *websearch.Client, graph *graphrag.Engine) *Registry {
	return &Registry{search: search, graph: graph}
}

type webSearchParams struct {
	Query      string `json:"query"`
	Provider   string `json:"provider"`
	MaxResults int    `json:"max_results"`
}

type graphRAGParams struct {
	Query          string   `json:"query"`
	TopK           int      `json:"top_k"`
	Hops           int      `json:"hops"`
	ReturnSubgraph bool     `json:"return_subgraph"`
	FocusEntities  []string `json:"focus_entities"`
}

// Invoke implements agent.ToolInvoker.
func (r *Registry) Invoke(ctx context.Context, name string, parameters json.RawMessage) (string, json.RawMessage, error) {
	switch name {
	case "web_search":
		return r.invokeWebSearch(ctx, parameters)
	case "graph_rag":
		return r.invokeGraphRAG(ctx, parameters)
	default:
		return "", nil, fmt.Errorf("tools: unknown tool %q", name)
	}
}

func (r *Registry) invokeWebSearch(ctx context.Context, parameters json.RawMessage) (string, json.RawMessage, error) {
	if r.search == nil {
		return "", nil, fmt.Errorf("tools: web_search is not configured")
	}
	var p webSearchParams
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &p); err != nil {
			return "", nil, fmt.Errorf("tools: invalid web_search parameters: %w", err)
		}
	}

	results, fallbackFrom, err := r.search.Search(ctx, p.Query, p.Provider, p.MaxResults)
	if err != nil {
		return "", nil, fmt.Errorf("tools: web_search failed: %w", err)
	}

	payload := map[string]any{"results": results}
	if fallbackFrom != "" {
		payload["fallback_from"] = fallbackFrom
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("tools: marshal web_search result: %w", err)
	}

	summary := fmt.Sprintf("web_search returned %d result(s) for %q", len(results), p.Query)
	if fallbackFrom != "" {
		summary = fmt.Sprintf("%s (fell back from %s)", summary, fallbackFrom)
	}
	return summary, out, nil
}

func (r *Registry) invokeGraphRAG(_ context.Context, parameters json.RawMessage) (string, json.RawMessage, error) {
	if r.graph == nil {
		return "", nil, fmt.Errorf("tools: graph_rag is not configured")
	}
	var p graphRAGParams
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &p); err != nil {
			return "", nil, fmt.Errorf("tools: invalid graph_rag parameters: %w", err)
		}
	}

	result, err := r.graph.Query(p.Query, p.TopK, p.Hops, p.ReturnSubgraph, p.FocusEntities)
	if err != nil {
		return "", nil, fmt.Errorf("tools: graph_rag failed: %w", err)
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", nil, fmt.Errorf("tools: marshal graph_rag result: %w", err)
	}

	summary := fmt.Sprintf("graph_rag found %d match(es) for %q", len(result.Matches), p.Query)
	return summary, out, nil
}
