// Package executor implements the Plan Executor (C5): topological execution
// of a plan's tasks via the executor LLM, with retry/backoff and failure
// propagation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orchestrator-ai/planner/internal/backoff"
	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/plan"
)

// ErrCycleDetected is returned when the task dependency graph of the plan
// being executed is not acyclic.
var ErrCycleDetected = errors.New("executor: cycle detected")

// Execution statuses a task can end up in after a run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Options configures one execution run.
type Options struct {
	TaskFilter     []int64 // when non-empty, only these tasks (and their prerequisites) are considered
	MaxRetries     int
	TimeoutPerTask time.Duration
	UseContext     bool
	Parallelism    int // 1 = sequential; default when <= 0
}

// Result is the structured payload the executor LLM returns for one task,
// and the shape persisted verbatim as execution_result.
type Result struct {
	Status   string          `json:"status"`
	Content  string          `json:"content"`
	Notes    string          `json:"notes,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// StepResult is one entry of the final ordered summary.
type StepResult struct {
	TaskID int64  `json:"task_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Summary is returned once the run drains its ready queue.
type Summary struct {
	Counts     map[string]int `json:"counts"`
	Steps      []StepResult   `json:"steps"`
	DurationMs int64          `json:"duration_ms"`
}

// Logf receives progress log lines during a run (level, message, metadata).
type Logf func(level, message string, metadata any)

// Executor runs tasks of a plan in dependency order against an independently
// configured LLM client.
type Executor struct {
	repo      *plan.Repository
	client    llm.Client
	model     string
	maxTokens int
}

// New builds an Executor.
func New(repo *plan.Repository, client llm.Client, model string, maxTokens int) *Executor {
	return &Executor{repo: repo, client: client, model: model, maxTokens: maxTokens}
}

// Run executes planID's tasks to completion, returning a Summary. It fails
// fast with ErrCycleDetected if the dependency graph is not acyclic.
func (e *Executor) Run(ctx context.Context, planID int64, opts Options, logf Logf) (Summary, error) {
	if logf == nil {
		logf = func(string, string, any) {}
	}
	start := time.Now()
	summary := Summary{Counts: map[string]int{}}

	tree, err := e.repo.GetPlanTree(ctx, planID)
	if err != nil {
		return summary, fmt.Errorf("executor: load plan %d: %w", planID, err)
	}
	if cycleNodeID, ok := detectCycle(tree); ok {
		logf("error", "cycle detected", map[string]any{"task_id": cycleNodeID})
		return summary, fmt.Errorf("%w: task %d", ErrCycleDetected, cycleNodeID)
	}

	filter := asSet(opts.TaskFilter)
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}

	for {
		ready, err := e.repo.ReadyTasks(ctx, planID)
		if err != nil {
			return summary, fmt.Errorf("executor: ready tasks for plan %d: %w", planID, err)
		}
		ready = applyFilter(ready, filter)
		if len(ready) == 0 {
			break
		}

		batch, err := e.runBatch(ctx, planID, ready, maxRetries, parallelism, opts, logf)
		if err != nil {
			return summary, err
		}
		for _, step := range batch {
			summary.Counts[step.Status]++
			summary.Steps = append(summary.Steps, step)
		}
	}

	summary.DurationMs = time.Since(start).Milliseconds()
	logf("info", "execution finished", map[string]any{"counts": summary.Counts})
	return summary, nil
}

// runBatch executes one wave of ready nodes, bounded by parallelism
// concurrent in-flight tasks. A node whose prerequisite failed mid-batch
// (another task in the same wave) is still caught on the next outer pass,
// since HasFailedPrerequisite is checked per node before it starts.
func (e *Executor) runBatch(ctx context.Context, planID int64, ready []*plan.Node, maxRetries, parallelism int, opts Options, logf Logf) ([]StepResult, error) {
	sem := make(chan struct{}, parallelism)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		steps    = make([]StepResult, len(ready))
		firstErr error
	)

	for i, node := range ready {
		wg.Add(1)
		go func(i int, node *plan.Node) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			status, err := e.executeNode(ctx, planID, node, maxRetries, opts, logf)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			steps[i] = StepResult{TaskID: node.ID, Name: node.Name, Status: status}
		}(i, node)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return steps, nil
}

// executeNode handles the failed-prerequisite short circuit and delegates
// to runTask for the normal execution path.
func (e *Executor) executeNode(ctx context.Context, planID int64, node *plan.Node, maxRetries int, opts Options, logf Logf) (string, error) {
	skipped, err := e.skipIfPrerequisiteFailed(ctx, planID, node, logf)
	if err != nil {
		return "", err
	}
	if skipped {
		return StatusSkipped, nil
	}
	return e.runTask(ctx, planID, node, maxRetries, opts, logf)
}

func (e *Executor) skipIfPrerequisiteFailed(ctx context.Context, planID int64, node *plan.Node, logf Logf) (bool, error) {
	failed, err := e.repo.HasFailedPrerequisite(ctx, planID, node.ID)
	if err != nil {
		return false, fmt.Errorf("executor: check prerequisites of task %d: %w", node.ID, err)
	}
	if !failed {
		return false, nil
	}
	logf("info", "skipping task with failed prerequisite", map[string]any{"task_id": node.ID})
	if _, err := e.repo.UpdateTask(ctx, planID, node.ID, plan.UpdateTaskParams{Status: strPtr(StatusSkipped)}); err != nil {
		return false, fmt.Errorf("executor: mark task %d skipped: %w", node.ID, err)
	}
	return true, nil
}

// runTask marks node running, invokes the executor LLM up to maxRetries
// times with exponential backoff between attempts, and persists the final
// status and execution_result.
func (e *Executor) runTask(ctx context.Context, planID int64, node *plan.Node, maxRetries int, opts Options, logf Logf) (string, error) {
	if _, err := e.repo.UpdateTask(ctx, planID, node.ID, plan.UpdateTaskParams{Status: strPtr(StatusRunning)}); err != nil {
		return "", fmt.Errorf("executor: mark task %d running: %w", node.ID, err)
	}
	logf("info", "task started", map[string]any{"task_id": node.ID})

	tree, err := e.repo.GetPlanTree(ctx, planID)
	if err != nil {
		return "", fmt.Errorf("executor: reload plan %d: %w", planID, err)
	}

	var lastErr error
	var result Result
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff.Delay(attempt-1, time.Second, 30*time.Second)):
			}
		}
		result, err = e.invoke(ctx, tree, node, opts)
		if err == nil {
			break
		}
		lastErr = err
		logf("error", "task attempt failed", map[string]any{"task_id": node.ID, "attempt": attempt, "error": err.Error()})
	}

	if lastErr != nil && result.Status == "" {
		resultJSON, _ := json.Marshal(Result{Status: StatusFailed, Content: "", Notes: lastErr.Error()})
		if _, err := e.repo.UpdateTask(ctx, planID, node.ID, plan.UpdateTaskParams{
			Status:          strPtr(StatusFailed),
			ExecutionResult: resultJSON,
		}); err != nil {
			return "", fmt.Errorf("executor: persist failure for task %d: %w", node.ID, err)
		}
		logf("error", "task failed", map[string]any{"task_id": node.ID, "error": lastErr.Error()})
		return StatusFailed, nil
	}

	status := normalizeStatus(result.Status)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("executor: marshal result for task %d: %w", node.ID, err)
	}
	if _, err := e.repo.UpdateTask(ctx, planID, node.ID, plan.UpdateTaskParams{
		Status:          strPtr(status),
		ExecutionResult: resultJSON,
	}); err != nil {
		return "", fmt.Errorf("executor: persist result for task %d: %w", node.ID, err)
	}
	logf("info", "task finished", map[string]any{"task_id": node.ID, "status": status})
	return status, nil
}

func (e *Executor) invoke(ctx context.Context, tree *plan.Tree, node *plan.Node, opts Options) (Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if opts.TimeoutPerTask > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.TimeoutPerTask)
		defer cancel()
	}

	prompt := e.buildPrompt(tree, node, opts)
	resp, err := e.client.Complete(runCtx, llm.Request{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: "You execute a single plan task and report the outcome. Respond with JSON only: {\"status\": \"completed\"|\"failed\", \"content\": string, \"notes\"?: string, \"metadata\"?: object}."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("executor: task %d: %w", node.ID, err)
	}

	text := stripCodeFence(resp.Text)
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return Result{}, fmt.Errorf("executor: task %d: invalid JSON reply: %w", node.ID, err)
	}
	if result.Status == "" {
		return Result{}, fmt.Errorf("executor: task %d: reply missing status", node.ID)
	}
	return result, nil
}

func (e *Executor) buildPrompt(tree *plan.Tree, node *plan.Node, opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan: %s\n", tree.Title)
	fmt.Fprintf(&b, "Task id=%d name=%q path=%q\n", node.ID, node.Name, node.Path)
	fmt.Fprintf(&b, "Instruction: %s\n", node.Instruction)

	if opts.UseContext {
		if ancestors := ancestorChain(tree, node); len(ancestors) > 0 {
			b.WriteString("Ancestor context:\n")
			for _, a := range ancestors {
				fmt.Fprintf(&b, "- [%d] %s\n", a.ID, a.Name)
			}
		}
		if node.ContextCombined != "" {
			fmt.Fprintf(&b, "Task context:\n%s\n", node.ContextCombined)
		}
	}

	if len(node.Dependencies) > 0 {
		b.WriteString("Dependency outputs:\n")
		for _, depID := range node.Dependencies {
			dep := tree.ByID(depID)
			if dep == nil {
				continue
			}
			content := dependencyContent(dep)
			fmt.Fprintf(&b, "- [%d] %s: %s\n", dep.ID, dep.Name, content)
		}
	}

	b.WriteString("Respond with JSON only: {\"status\": \"completed\"|\"failed\", \"content\": string, \"notes\"?: string, \"metadata\"?: object}.\n")
	return b.String()
}

func dependencyContent(dep *plan.Node) string {
	if len(dep.ExecutionResult) == 0 {
		return "(no result)"
	}
	var r Result
	if err := json.Unmarshal(dep.ExecutionResult, &r); err != nil || r.Content == "" {
		return "(no result)"
	}
	return r.Content
}

func ancestorChain(tree *plan.Tree, node *plan.Node) []*plan.Node {
	var chain []*plan.Node
	cur := node
	for cur.ParentID != nil {
		parent := tree.ByID(*cur.ParentID)
		if parent == nil {
			break
		}
		chain = append([]*plan.Node{parent}, chain...)
		cur = parent
	}
	return chain
}

func normalizeStatus(status string) string {
	switch status {
	case StatusCompleted, StatusFailed:
		return status
	default:
		return StatusFailed
	}
}

// detectCycle walks each node's declared dependencies looking for a back
// edge; it returns the id of a node participating in a cycle, if any.
func detectCycle(tree *plan.Tree) (int64, bool) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int64]int, len(tree.Nodes))

	var visit func(id int64) (int64, bool)
	visit = func(id int64) (int64, bool) {
		switch state[id] {
		case visiting:
			return id, true
		case done:
			return 0, false
		}
		state[id] = visiting
		node := tree.ByID(id)
		if node != nil {
			for _, dep := range node.Dependencies {
				if cycleID, found := visit(dep); found {
					return cycleID, true
				}
			}
		}
		state[id] = done
		return 0, false
	}

	for _, n := range tree.Nodes {
		if cycleID, found := visit(n.ID); found {
			return cycleID, true
		}
	}
	return 0, false
}

func applyFilter(nodes []*plan.Node, filter map[int64]bool) []*plan.Node {
	if filter == nil {
		return nodes
	}
	out := nodes[:0]
	for _, n := range nodes {
		if filter[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

func asSet(ids []int64) map[int64]bool {
	if len(ids) == 0 {
		return nil
	}
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func strPtr(s string) *string { return &s }

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
