package graphrag

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTriples(t *testing.T, triples []Triple) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "triples.json")
	raw, err := json.Marshal(triples)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestQueryByFocusEntityOneHop(t *testing.T) {
	path := writeTriples(t, []Triple{
		{Subject: "orchestrator", Predicate: "uses", Object: "sqlite"},
		{Subject: "orchestrator", Predicate: "uses", Object: "llm"},
		{Subject: "sqlite", Predicate: "stores", Object: "plans"},
	})
	e := New(Config{TriplesPath: path})

	result, err := e.Query("uses", 10, 1, false, []string{"orchestrator"})
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
	require.Nil(t, result.Subgraph)
}

func TestQueryExpandsToSecondHop(t *testing.T) {
	path := writeTriples(t, []Triple{
		{Subject: "orchestrator", Predicate: "uses", Object: "sqlite"},
		{Subject: "sqlite", Predicate: "stores", Object: "plans"},
	})
	e := New(Config{TriplesPath: path})

	result, err := e.Query("plans", 10, 2, true, []string{"orchestrator"})
	require.NoError(t, err)
	require.Len(t, result.Subgraph, 2)

	var foundSecondHop bool
	for _, m := range result.Matches {
		if m.Object == "plans" {
			foundSecondHop = true
			require.Equal(t, 2, m.Hops)
		}
	}
	require.True(t, foundSecondHop)
}

func TestQueryFallsBackToTextMatchWithoutFocusEntities(t *testing.T) {
	path := writeTriples(t, []Triple{
		{Subject: "orchestrator", Predicate: "uses", Object: "sqlite"},
	})
	e := New(Config{TriplesPath: path})

	result, err := e.Query("orchestr", 10, 1, false, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.Matches)
}

func TestQueryNoMatchReturnsEmpty(t *testing.T) {
	path := writeTriples(t, []Triple{
		{Subject: "orchestrator", Predicate: "uses", Object: "sqlite"},
	})
	e := New(Config{TriplesPath: path})

	result, err := e.Query("nonexistent-entity", 10, 1, false, nil)
	require.NoError(t, err)
	require.Empty(t, result.Matches)
}

func TestQueryTopKTruncates(t *testing.T) {
	path := writeTriples(t, []Triple{
		{Subject: "orchestrator", Predicate: "uses", Object: "a"},
		{Subject: "orchestrator", Predicate: "uses", Object: "b"},
		{Subject: "orchestrator", Predicate: "uses", Object: "c"},
	})
	e := New(Config{TriplesPath: path})

	result, err := e.Query("uses", 2, 1, false, []string{"orchestrator"})
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
}

func TestQueryMissingTriplesPathErrors(t *testing.T) {
	e := New(Config{})
	_, err := e.Query("anything", 10, 1, false, nil)
	require.Error(t, err)
}
