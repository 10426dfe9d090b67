// Package decomposer implements the Plan Decomposer (C4): BFS expansion of a
// plan or a single node into children via the decomposition LLM.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/orchestrator-ai/planner/internal/backoff"
	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/schemavalidate"
)

// Mode selects which nodes seed the BFS queue.
type Mode string

const (
	ModePlanBFS     Mode = "plan_bfs"
	ModeSingleNode  Mode = "single_node"
	maxFailuresBase      = 3
)

// Stopping reasons, per the documented enumeration.
const (
	StoppedDepthLimit      = "depth_limit"
	StoppedChildLimit      = "child_limit"
	StoppedNodeBudget      = "node_budget"
	StoppedOnEmpty         = "stop_on_empty"
	StoppedLLMErrorCap     = "llm_error_cap"
	StoppedTargetCompleted = "target_completed"
)

// Options configures one decomposition run.
type Options struct {
	MaxDepth                int
	MaxChildren             int
	TotalNodeBudget         int
	StopOnEmpty             bool
	RetryLimit              int
	ReplaceExistingChildren bool
}

// ChildSpec is one child described by the decomposition LLM.
type ChildSpec struct {
	Name         string          `json:"name"`
	Instruction  string          `json:"instruction,omitempty"`
	Dependencies []int64         `json:"dependencies,omitempty"`
	Context      string          `json:"context,omitempty"`
	Leaf         bool            `json:"leaf,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// llmPayload is the strict JSON shape the decomposition LLM must return.
type llmPayload struct {
	TargetNodeID int64       `json:"target_node_id"`
	Mode         string      `json:"mode"`
	ShouldStop   bool        `json:"should_stop"`
	Reason       string      `json:"reason,omitempty"`
	Children     []ChildSpec `json:"children"`
}

const payloadSchema = `{
	"type": "object",
	"properties": {
		"target_node_id": {"type": "integer"},
		"mode": {"type": "string"},
		"should_stop": {"type": "boolean"},
		"reason": {"type": "string"},
		"children": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"instruction": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "integer"}},
					"context": {"type": "string"},
					"leaf": {"type": "boolean"}
				},
				"required": ["name"],
				"additionalProperties": true
			}
		}
	},
	"required": ["target_node_id", "mode", "children"],
	"additionalProperties": false
}`

// Stats summarizes a completed run.
type Stats struct {
	LLMCalls      int      `json:"llm_calls"`
	NodesCreated  int      `json:"nodes_created"`
	DurationMs    int64    `json:"duration_ms"`
	StoppedReason string   `json:"stopped_reason"`
	FailedNodes   []int64  `json:"failed_nodes"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Logf receives progress log lines during a run (level, message, metadata).
type Logf func(level, message string, metadata any)

// Decomposer runs BFS plan expansion against an internal/plan.Repository
// using an independently configured LLM client.
type Decomposer struct {
	repo      *plan.Repository
	client    llm.Client
	model     string
	maxTokens int
	validator *schemavalidate.Validator
}

// New builds a Decomposer. model/maxTokens are passed through to each
// completion request (the adapter's own default is used when model is "").
func New(repo *plan.Repository, client llm.Client, model string, maxTokens int) (*Decomposer, error) {
	v, err := schemavalidate.Compile([]byte(payloadSchema))
	if err != nil {
		return nil, fmt.Errorf("decomposer: compile schema: %w", err)
	}
	return &Decomposer{repo: repo, client: client, model: model, maxTokens: maxTokens, validator: v}, nil
}

type queueItem struct {
	nodeID int64
	depth  int
}

// Run expands planID starting from the roots (ModePlanBFS) or from
// targetTaskID (ModeSingleNode) until the queue drains or a limit is hit.
func (d *Decomposer) Run(ctx context.Context, planID int64, mode Mode, targetTaskID *int64, opts Options, logf Logf) (Stats, error) {
	if logf == nil {
		logf = func(string, string, any) {}
	}
	start := time.Now()
	stats := Stats{}

	tree, err := d.repo.GetPlanTree(ctx, planID)
	if err != nil {
		return stats, fmt.Errorf("decomposer: load plan %d: %w", planID, err)
	}

	var queue []queueItem
	switch mode {
	case ModeSingleNode:
		if targetTaskID == nil {
			return stats, fmt.Errorf("decomposer: single_node mode requires target_task_id")
		}
		node := tree.ByID(*targetTaskID)
		if node == nil {
			return stats, fmt.Errorf("decomposer: target node %d not found in plan %d", *targetTaskID, planID)
		}
		queue = append(queue, queueItem{nodeID: node.ID, depth: 0})
	default:
		for _, n := range tree.Nodes {
			if n.ParentID == nil {
				queue = append(queue, queueItem{nodeID: n.ID, depth: 0})
			}
		}
	}

	maxFailures := maxFailuresBase
	if opts.RetryLimit > 0 {
		maxFailures = maxFailuresBase * opts.RetryLimit
	}

	stoppedReason := ""
	sawStopOnEmpty := false
	sawDepthLimit := false

	for len(queue) > 0 {
		if opts.TotalNodeBudget > 0 && stats.NodesCreated >= opts.TotalNodeBudget {
			stoppedReason = StoppedNodeBudget
			break
		}
		if len(stats.FailedNodes) > maxFailures {
			stoppedReason = StoppedLLMErrorCap
			break
		}

		item := queue[0]
		queue = queue[1:]

		tree, err := d.repo.GetPlanTree(ctx, planID)
		if err != nil {
			return stats, fmt.Errorf("decomposer: reload plan %d: %w", planID, err)
		}
		node := tree.ByID(item.nodeID)
		if node == nil {
			continue
		}

		logf("info", "decomposing node", map[string]any{"task_id": node.ID, "depth": item.depth})

		payload, err := d.decomposeNode(ctx, tree, node, opts)
		stats.LLMCalls += payload.llmCalls
		if err != nil {
			stats.FailedNodes = append(stats.FailedNodes, node.ID)
			logf("error", "node decomposition failed", map[string]any{"task_id": node.ID, "error": err.Error()})
			continue
		}

		if payload.ShouldStop && opts.StopOnEmpty {
			sawStopOnEmpty = true
		}

		children := payload.Children
		if opts.MaxChildren > 0 && len(children) > opts.MaxChildren {
			children = children[:opts.MaxChildren]
			stats.Warnings = append(stats.Warnings, fmt.Sprintf("task %d: truncated children to max_children=%d", node.ID, opts.MaxChildren))
		}

		budgetHit := false
		for _, child := range children {
			if opts.TotalNodeBudget > 0 && stats.NodesCreated >= opts.TotalNodeBudget {
				budgetHit = true
				break
			}

			meta := child.Metadata
			if meta == nil && child.Context != "" {
				meta, _ = json.Marshal(map[string]string{"context": child.Context})
			}
			childID, warnings, err := d.repo.CreateTask(ctx, planID, plan.CreateTaskParams{
				ParentID:     &node.ID,
				Name:         child.Name,
				Instruction:  child.Instruction,
				Metadata:     meta,
				Dependencies: child.Dependencies,
			})
			if err != nil {
				stats.FailedNodes = append(stats.FailedNodes, node.ID)
				logf("error", "create_task failed", map[string]any{"parent_id": node.ID, "name": child.Name, "error": err.Error()})
				continue
			}
			stats.NodesCreated++
			stats.Warnings = append(stats.Warnings, warnings...)

			nextDepth := item.depth + 1
			if !child.Leaf {
				if opts.MaxDepth > 0 && nextDepth >= opts.MaxDepth {
					sawDepthLimit = true
					continue
				}
				queue = append(queue, queueItem{nodeID: childID, depth: nextDepth})
			}
		}
		if budgetHit {
			stoppedReason = StoppedNodeBudget
			break
		}
	}

	if stoppedReason == "" {
		switch {
		case sawDepthLimit:
			stoppedReason = StoppedDepthLimit
		case sawStopOnEmpty:
			stoppedReason = StoppedOnEmpty
		case mode == ModeSingleNode:
			stoppedReason = StoppedTargetCompleted
		default:
			stoppedReason = StoppedChildLimit
		}
	}
	stats.StoppedReason = stoppedReason
	stats.DurationMs = time.Since(start).Milliseconds()

	logf("info", "decomposition finished", map[string]any{
		"stopped_reason": stats.StoppedReason,
		"nodes_created":  stats.NodesCreated,
		"llm_calls":      stats.LLMCalls,
		"failed_nodes":   stats.FailedNodes,
	})

	return stats, nil
}

type nodeResult struct {
	llmPayload
	llmCalls int
}

func (d *Decomposer) decomposeNode(ctx context.Context, tree *plan.Tree, node *plan.Node, opts Options) (nodeResult, error) {
	retries := opts.RetryLimit
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	hint := ""
	calls := 0
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nodeResult{llmCalls: calls}, ctx.Err()
			case <-time.After(backoff.Delay(attempt-1, 500*time.Millisecond, 10*time.Second)):
			}
		}
		calls++
		prompt := d.buildPrompt(tree, node, opts, hint)
		resp, err := d.client.Complete(ctx, llm.Request{
			Model:     d.model,
			MaxTokens: d.maxTokens,
			Messages: []llm.Message{
				{Role: "system", Content: "You decompose a plan node into actionable child steps. Respond with JSON only, matching the provided schema exactly."},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			lastErr = err
			hint = fmt.Sprintf("the previous attempt errored: %s. Return valid JSON only.", err.Error())
			continue
		}

		text := stripCodeFence(resp.Text)
		if err := d.validator.Validate([]byte(text)); err != nil {
			lastErr = err
			hint = fmt.Sprintf("the previous reply failed schema validation: %s. Return JSON matching the schema exactly, with no extra fields.", err.Error())
			continue
		}

		var payload llmPayload
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			lastErr = err
			hint = "the previous reply was not valid JSON. Return JSON only."
			continue
		}
		return nodeResult{llmPayload: payload, llmCalls: calls}, nil
	}
	return nodeResult{llmCalls: calls}, fmt.Errorf("decomposer: node %d: %w", node.ID, lastErr)
}

func (d *Decomposer) buildPrompt(tree *plan.Tree, node *plan.Node, opts Options, hint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", tree.Title)
	fmt.Fprintf(&b, "Target node id=%d name=%q path=%q instruction=%q\n", node.ID, node.Name, node.Path, node.Instruction)
	fmt.Fprintf(&b, "Constraints: max_children=%d, return should_stop=true with no children if this node needs no further breakdown.\n", opts.MaxChildren)
	b.WriteString("Plan outline (truncated):\n")
	for i, n := range tree.Nodes {
		if i > 40 {
			b.WriteString("... (truncated)\n")
			break
		}
		fmt.Fprintf(&b, "- [%d] %s (status=%s)\n", n.ID, n.Name, n.Status)
	}
	fmt.Fprintf(&b, "Respond with JSON: {\"target_node_id\": %d, \"mode\": %q, \"should_stop\": bool, \"children\": [{\"name\": string, \"instruction\"?: string, \"dependencies\"?: [int], \"leaf\"?: bool}]}.\n", node.ID, "single_node")
	if hint != "" {
		b.WriteString("Correction needed: ")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	return b.String()
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
