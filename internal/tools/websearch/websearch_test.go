package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSearchBuiltinSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer builtin-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []Result{
				{Title: "Go Idioms", URL: "https://go.dev/doc/effective_go", Snippet: "idiomatic Go"},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BuiltinURL: srv.URL, BuiltinAPIKey: "builtin-key"})
	results, fallbackFrom, err := c.Search(context.Background(), "go idioms", "builtin", 5)
	require.NoError(t, err)
	require.Empty(t, fallbackFrom)
	require.Len(t, results, 1)
	require.Equal(t, "Go Idioms", results[0].Title)
}

func TestSearchBuiltinFailureFallsBackToPerplexity(t *testing.T) {
	builtin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("builtin down"))
	}))
	defer builtin.Close()

	perplexity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer pplx-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"citations": []string{"https://example.com/a"},
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "summary text"}},
			},
		})
	}))
	defer perplexity.Close()

	c := New(Config{BuiltinURL: builtin.URL, PerplexityURL: perplexity.URL, PerplexityAPIKey: "pplx-key"})
	results, fallbackFrom, err := c.Search(context.Background(), "go idioms", "builtin", 5)
	require.NoError(t, err)
	require.Equal(t, "builtin", fallbackFrom)
	require.Len(t, results, 1)
	require.Equal(t, "https://example.com/a", results[0].URL)
	require.Equal(t, "summary text", results[0].Snippet)
}

func TestSearchBuiltinFailureAndNoPerplexityConfigured(t *testing.T) {
	builtin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer builtin.Close()

	c := New(Config{BuiltinURL: builtin.URL})
	_, _, err := c.Search(context.Background(), "go idioms", "builtin", 5)
	require.Error(t, err)
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	c := New(Config{})
	_, _, err := c.Search(context.Background(), "   ", "builtin", 5)
	require.Error(t, err)
}

func TestSearchUnknownProviderRejected(t *testing.T) {
	c := New(Config{})
	_, _, err := c.Search(context.Background(), "go idioms", "bing", 5)
	require.Error(t, err)
}

func TestSearchMaxResultsTruncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []Result{{Title: "a"}, {Title: "b"}, {Title: "c"}},
		})
	}))
	defer srv.Close()

	c := New(Config{BuiltinURL: srv.URL})
	results, _, err := c.Search(context.Background(), "go idioms", "builtin", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
}
