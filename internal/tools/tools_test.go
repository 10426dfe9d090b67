package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orchestrator-ai/planner/internal/tools/graphrag"
	"github.com/orchestrator-ai/planner/internal/tools/websearch"
)

func TestInvokeWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []websearch.Result{{Title: "hit", URL: "https://example.com"}},
		})
	}))
	defer srv.Close()

	reg := New(websearch.New(websearch.Config{BuiltinURL: srv.URL}), nil)
	summary, result, err := reg.Invoke(context.Background(), "web_search", json.RawMessage(`{"query":"go"}`))
	require.NoError(t, err)
	require.Contains(t, summary, "1 result")
	require.Contains(t, string(result), "example.com")
}

func TestInvokeGraphRAG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "triples.json")
	raw, err := json.Marshal([]graphrag.Triple{{Subject: "a", Predicate: "links", Object: "b"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	reg := New(nil, graphrag.New(graphrag.Config{TriplesPath: path}))
	summary, result, err := reg.Invoke(context.Background(), "graph_rag", json.RawMessage(`{"query":"links","focus_entities":["a"]}`))
	require.NoError(t, err)
	require.Contains(t, summary, "match")
	require.Contains(t, string(result), "\"object\":\"b\"")
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := New(nil, nil)
	_, _, err := reg.Invoke(context.Background(), "teleport", nil)
	require.Error(t, err)
}

func TestInvokeWebSearchNotConfigured(t *testing.T) {
	reg := New(nil, nil)
	_, _, err := reg.Invoke(context.Background(), "web_search", json.RawMessage(`{"query":"go"}`))
	require.Error(t, err)
}
