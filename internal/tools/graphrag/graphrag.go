// Package graphrag implements the graph_rag tool action: a bounded-hop
// breadth-first search over a file-backed triple store, the same
// queue-and-visited-set traversal shape used for task-DAG readiness
// checks, applied here to a generic (subject, predicate, object) graph.
package graphrag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Triple is one (subject, predicate, object) fact.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// Edge is a Triple reached during a traversal, annotated with its hop
// distance from the nearest focus entity.
type Edge struct {
	Triple
	Hops int `json:"hops"`
	// reverse marks an edge synthesized to let a focus entity that only
	// appears as a triple's object still anchor a traversal; it's used
	// to extend reachability but never reported back as a match.
	reverse bool
}

// Config points at the triples file and controls how long a loaded graph
// is cached before being re-read from disk.
type Config struct {
	TriplesPath string
	CacheTTL    time.Duration
}

// Engine answers graph_rag queries against a triple store loaded from
// Config.TriplesPath, re-reading it at most once per CacheTTL.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	loadedAt  time.Time
	triples   []Triple
	adjacency map[string][]Edge
}

// New builds an Engine. The triples file is loaded lazily, on first Query.
func New(cfg Config) *Engine {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) ensureLoaded() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.adjacency != nil && time.Since(e.loadedAt) < e.cfg.CacheTTL {
		return nil
	}
	if e.cfg.TriplesPath == "" {
		return fmt.Errorf("graphrag: triples path not configured")
	}

	raw, err := os.ReadFile(e.cfg.TriplesPath)
	if err != nil {
		return fmt.Errorf("graphrag: read triples file: %w", err)
	}
	var triples []Triple
	if err := json.Unmarshal(raw, &triples); err != nil {
		return fmt.Errorf("graphrag: parse triples file: %w", err)
	}

	adjacency := make(map[string][]Edge, len(triples)*2)
	for _, t := range triples {
		adjacency[t.Subject] = append(adjacency[t.Subject], Edge{Triple: t, Hops: 1})
		// The reverse edge lets a focus entity that only appears as an
		// object still anchor a traversal.
		adjacency[t.Object] = append(adjacency[t.Object], Edge{
			Triple:  Triple{Subject: t.Object, Predicate: t.Predicate, Object: t.Subject},
			Hops:    1,
			reverse: true,
		})
	}

	e.triples = triples
	e.adjacency = adjacency
	e.loadedAt = time.Now()
	return nil
}

// Result is the graph_rag response: a ranked list of matching edges and,
// when requested, the full bounded subgraph reached during the search.
type Result struct {
	Matches  []Edge   `json:"matches"`
	Subgraph []Edge   `json:"subgraph,omitempty"`
	Entities []string `json:"entities_visited"`
}

// Query runs a bounded-hop BFS starting from focusEntities (or, when empty,
// every entity whose name contains query as a case-insensitive substring),
// returning up to topK matching edges ranked by hop distance.
func (e *Engine) Query(query string, topK, hops int, returnSubgraph bool, focusEntities []string) (Result, error) {
	if err := e.ensureLoaded(); err != nil {
		return Result{}, err
	}
	if topK <= 0 {
		topK = 10
	}
	if hops <= 0 {
		hops = 2
	}

	e.mu.Lock()
	adjacency := e.adjacency
	e.mu.Unlock()

	roots := focusEntities
	if len(roots) == 0 {
		roots = matchEntities(adjacency, query)
	}
	if len(roots) == 0 {
		return Result{Matches: nil, Entities: nil}, nil
	}

	visited := make(map[string]bool, len(roots))
	var queue []Edge
	var order []string
	for _, r := range roots {
		if visited[r] {
			continue
		}
		visited[r] = true
		order = append(order, r)
		for _, edge := range adjacency[r] {
			queue = append(queue, edge)
		}
	}

	var all []Edge
	for len(queue) > 0 {
		edge := queue[0]
		queue = queue[1:]
		if !edge.reverse {
			all = append(all, edge)
		}

		if edge.Hops >= hops {
			continue
		}
		if visited[edge.Object] {
			continue
		}
		visited[edge.Object] = true
		order = append(order, edge.Object)
		for _, next := range adjacency[edge.Object] {
			queue = append(queue, Edge{Triple: next.Triple, Hops: edge.Hops + 1, reverse: next.reverse})
		}
	}

	matches := rank(all, query, topK)

	result := Result{Matches: matches, Entities: order}
	if returnSubgraph {
		result.Subgraph = all
	}
	return result, nil
}

func matchEntities(adjacency map[string][]Edge, query string) []string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []string
	for entity := range adjacency {
		if strings.Contains(strings.ToLower(entity), q) {
			out = append(out, entity)
		}
	}
	return out
}

// rank sorts edges by hop distance (closer first), then by whether the
// predicate or object textually matches query, truncating to topK.
func rank(edges []Edge, query string, topK int) []Edge {
	q := strings.ToLower(strings.TrimSpace(query))
	scored := make([]Edge, len(edges))
	copy(scored, edges)

	score := func(e Edge) int {
		s := e.Hops * 10
		if q != "" && strings.Contains(strings.ToLower(e.Predicate)+" "+strings.ToLower(e.Object), q) {
			s -= 5
		}
		return s
	}

	for i := 1; i < len(scored); i++ {
		for j := i; j > 0 && score(scored[j]) < score(scored[j-1]); j-- {
			scored[j], scored[j-1] = scored[j-1], scored[j]
		}
	}

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
