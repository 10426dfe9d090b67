package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/job"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/session"
)

// buildPrompt assembles the state-gated turn prompt: a system header that
// branches on whether sess is bound to a plan, the matching action catalog,
// recent history, the optional plan outline, and the exact response schema.
func (a *Agent) buildPrompt(sess session.Session, tree *plan.Tree, history []session.Message, userMessage string, requestContext json.RawMessage) string {
	var b strings.Builder

	if sess.PlanID == nil {
		b.WriteString("No plan is bound to this session.\n")
		b.WriteString("Only act if the user explicitly asks to create or pick a plan; otherwise stay in exploration/clarification mode.\n")
		b.WriteString("Available actions:\n")
		b.WriteString("- plan_operation: create_plan, list_plans\n")
		b.WriteString("- system_operation: help\n")
		b.WriteString("- tool_operation: web_search, graph_rag\n")
	} else {
		fmt.Fprintf(&b, "Bound plan id=%d title=%q\n", *sess.PlanID, planTitle(tree))
		if tree != nil {
			b.WriteString("Plan outline (depth- and node-capped):\n")
			for i, n := range tree.Nodes {
				if i >= a.cfg.OutlineMaxNodes {
					b.WriteString("... (truncated)\n")
					break
				}
				fmt.Fprintf(&b, "- [%d] %s (status=%s)\n", n.ID, n.Name, n.Status)
			}
		}
		b.WriteString("Available actions:\n")
		b.WriteString("- plan_operation: create_plan, list_plans, execute_plan, delete_plan\n")
		b.WriteString("- task_operation: create_task, update_task, update_task_instruction, move_task, delete_task, show_tasks, query_status, rerun_task, decompose_task\n")
		b.WriteString("- context_request: request_subgraph\n")
		b.WriteString("- tool_operation: web_search, graph_rag\n")
		b.WriteString("- system_operation: help\n")
		b.WriteString("Enforce dependency checks before execute_plan/rerun_task. Only request_subgraph may appear alone in a turn with no other actions.\n")
	}

	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	if len(requestContext) > 0 {
		fmt.Fprintf(&b, "Request context: %s\n", string(requestContext))
	}

	fmt.Fprintf(&b, "User: %s\n\n", userMessage)
	b.WriteString("Respond with JSON only, matching exactly this schema:\n")
	b.WriteString(responseSchema)
	b.WriteString("\n")
	return b.String()
}

func planTitle(tree *plan.Tree) string {
	if tree == nil {
		return ""
	}
	return tree.Title
}

// dispatchOne executes a single action and returns its step outcome plus,
// when the action mutates session state (binding, naming), the updated
// session to carry forward to the rest of the turn. jobRec is non-nil only
// when running inside chatActionJobHandler, so handlers can emit job logs.
func (a *Agent) dispatchOne(ctx context.Context, sess *session.Session, sessionID string, act Action, jobRec *job.Record) (AgentStep, *session.Session, error) {
	step := AgentStep{Kind: act.Kind, Name: act.Name, Parameters: act.Parameters}

	if requiresBoundPlan(act) && sess.PlanID == nil {
		step.Message = ErrPlanNotBound.Error()
		return step, nil, ErrPlanNotBound
	}

	var (
		details json.RawMessage
		updated *session.Session
		message string
		err     error
	)

	switch act.Kind {
	case KindPlanOperation:
		details, updated, message, err = a.dispatchPlanOperation(ctx, sess, sessionID, act)
	case KindTaskOperation:
		details, message, err = a.dispatchTaskOperation(ctx, *sess.PlanID, act, jobRec)
	case KindContextRequest:
		details, message, err = a.dispatchContextRequest(ctx, *sess.PlanID, act)
	case KindSystemOperation:
		details, message, err = a.dispatchSystemOperation(act)
	case KindToolOperation:
		details, message, err = a.dispatchToolOperation(ctx, act)
	default:
		err = fmt.Errorf("%w: kind %q", ErrUnknownAction, act.Kind)
	}

	step.Details = details
	step.Message = message
	step.Success = err == nil
	return step, updated, err
}

func requiresBoundPlan(act Action) bool {
	switch act.Kind {
	case KindTaskOperation, KindContextRequest:
		return true
	case KindPlanOperation:
		return act.Name == "execute_plan" || act.Name == "delete_plan"
	default:
		return false
	}
}

// --- plan_operation -------------------------------------------------------

type createPlanParams struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Metadata    json.RawMessage `json:"metadata"`
}

type executePlanParams struct {
	TaskFilter     []int64 `json:"task_filter"`
	MaxRetries     int     `json:"max_retries"`
	TimeoutPerTask float64 `json:"timeout_per_task_sec"`
	UseContext     *bool   `json:"use_context"`
}

func (a *Agent) dispatchPlanOperation(ctx context.Context, sess *session.Session, sessionID string, act Action) (json.RawMessage, *session.Session, string, error) {
	switch act.Name {
	case "create_plan":
		var p createPlanParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, nil, "", err
		}
		planID, err := a.repo.CreatePlan(ctx, p.Title, p.Description, p.Metadata)
		if err != nil {
			return nil, nil, "", err
		}
		if err := a.sessions.BindToPlan(ctx, sessionID, planID); err != nil {
			return nil, nil, "", err
		}
		next := *sess
		next.PlanID = &planID
		if !sess.IsUserNamed && p.Title != "" {
			_ = a.sessions.AutoTitle(ctx, sessionID, p.Title, session.NameSourcePlan)
			next.Name = p.Title
			next.NameSource = session.NameSourcePlan
		}
		if a.cfg.AutoDecomposeOnCreate && a.decomposer != nil {
			stats, derr := a.decomposer.Run(ctx, planID, decomposer.ModePlanBFS, nil, a.cfg.DecomposerOptions, nil)
			if derr != nil {
				details, _ := json.Marshal(map[string]any{"plan_id": planID, "decompose_error": derr.Error()})
				return details, &next, fmt.Sprintf("plan %d created; auto-decomposition failed: %v", planID, derr), nil
			}
			details, _ := json.Marshal(map[string]any{"plan_id": planID, "decomposition": stats})
			return details, &next, fmt.Sprintf("plan %d created and auto-decomposed", planID), nil
		}
		details, _ := json.Marshal(map[string]any{"plan_id": planID})
		return details, &next, fmt.Sprintf("plan %d created", planID), nil

	case "list_plans":
		summaries, err := a.repo.ListPlans(ctx)
		if err != nil {
			return nil, nil, "", err
		}
		details, _ := json.Marshal(summaries)
		return details, nil, fmt.Sprintf("%d plan(s)", len(summaries)), nil

	case "execute_plan":
		var p executePlanParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, nil, "", err
		}
		opts := a.cfg.ExecutorOptions
		if len(p.TaskFilter) > 0 {
			opts.TaskFilter = p.TaskFilter
		}
		if p.MaxRetries > 0 {
			opts.MaxRetries = p.MaxRetries
		}
		if p.UseContext != nil {
			opts.UseContext = *p.UseContext
		}
		summary, err := a.executor.Run(ctx, *sess.PlanID, opts, nil)
		if err != nil {
			return nil, nil, "", err
		}
		details, _ := json.Marshal(summary)
		return details, nil, "plan execution finished", nil

	case "delete_plan":
		planID := *sess.PlanID
		if err := a.repo.DeletePlan(ctx, planID); err != nil {
			return nil, nil, "", err
		}
		if err := a.sessions.UnbindPlan(ctx, sessionID); err != nil {
			return nil, nil, "", err
		}
		next := *sess
		next.PlanID = nil
		return nil, &next, fmt.Sprintf("plan %d deleted", planID), nil

	default:
		return nil, nil, "", fmt.Errorf("%w: plan_operation %q", ErrUnknownAction, act.Name)
	}
}

// --- task_operation ---------------------------------------------------

type createTaskParams struct {
	ParentID       *int64          `json:"parent_id"`
	Name           string          `json:"name"`
	Instruction    string          `json:"instruction"`
	Metadata       json.RawMessage `json:"metadata"`
	Dependencies   []int64         `json:"dependencies"`
	AnchorTaskID   *int64          `json:"anchor_task_id"`
	AnchorPosition string          `json:"anchor_position"`
	Position       *int            `json:"position"`
}

type updateTaskParams struct {
	TaskID          int64           `json:"task_id"`
	Name            *string         `json:"name"`
	Instruction     *string         `json:"instruction"`
	Metadata        json.RawMessage `json:"metadata"`
	Dependencies    *[]int64        `json:"dependencies"`
	Status          *string         `json:"status"`
	ExecutionResult json.RawMessage `json:"execution_result"`
	ContextCombined *string         `json:"context_combined"`
	ContextSections json.RawMessage `json:"context_sections"`
	ContextMeta     json.RawMessage `json:"context_meta"`
}

type updateTaskInstructionParams struct {
	TaskID      int64  `json:"task_id"`
	Instruction string `json:"instruction"`
}

type moveTaskParams struct {
	TaskID         int64  `json:"task_id"`
	NewParentID    *int64 `json:"new_parent_id"`
	AnchorTaskID   *int64 `json:"anchor_task_id"`
	AnchorPosition string `json:"anchor_position"`
	Position       *int   `json:"position"`
}

type taskIDParams struct {
	TaskID int64 `json:"task_id"`
}

type decomposeTaskParams struct {
	TaskID          int64  `json:"task_id"`
	Mode            string `json:"mode"`
	MaxDepth        int    `json:"max_depth"`
	MaxChildren     int    `json:"max_children"`
	TotalNodeBudget int    `json:"total_node_budget"`
	StopOnEmpty     bool   `json:"stop_on_empty"`
	RetryLimit      int    `json:"retry_limit"`
}

func (a *Agent) dispatchTaskOperation(ctx context.Context, planID int64, act Action, jobRec *job.Record) (json.RawMessage, string, error) {
	switch act.Name {
	case "create_task":
		var p createTaskParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		taskID, warnings, err := a.repo.CreateTask(ctx, planID, plan.CreateTaskParams{
			ParentID: p.ParentID, Name: p.Name, Instruction: p.Instruction, Metadata: p.Metadata,
			Dependencies: p.Dependencies, AnchorTaskID: p.AnchorTaskID, AnchorPosition: p.AnchorPosition, Position: p.Position,
		})
		if err != nil {
			return nil, "", err
		}
		details, _ := json.Marshal(map[string]any{"task_id": taskID, "warnings": warnings})
		return details, fmt.Sprintf("task %d created", taskID), nil

	case "update_task":
		var p updateTaskParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		warnings, err := a.repo.UpdateTask(ctx, planID, p.TaskID, plan.UpdateTaskParams{
			Name: p.Name, Instruction: p.Instruction, Metadata: p.Metadata, Dependencies: p.Dependencies,
			Status: p.Status, ExecutionResult: p.ExecutionResult, ContextCombined: p.ContextCombined,
			ContextSections: p.ContextSections, ContextMeta: p.ContextMeta,
		})
		if err != nil {
			return nil, "", err
		}
		details, _ := json.Marshal(map[string]any{"warnings": warnings})
		return details, fmt.Sprintf("task %d updated", p.TaskID), nil

	case "update_task_instruction":
		var p updateTaskInstructionParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		if _, err := a.repo.UpdateTask(ctx, planID, p.TaskID, plan.UpdateTaskParams{Instruction: &p.Instruction}); err != nil {
			return nil, "", err
		}
		return nil, fmt.Sprintf("task %d instruction updated", p.TaskID), nil

	case "move_task":
		var p moveTaskParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		if err := a.repo.MoveTask(ctx, planID, p.TaskID, p.NewParentID, p.AnchorTaskID, p.AnchorPosition, p.Position); err != nil {
			return nil, "", err
		}
		return nil, fmt.Sprintf("task %d moved", p.TaskID), nil

	case "delete_task":
		var p taskIDParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		if err := a.repo.DeleteTask(ctx, planID, p.TaskID); err != nil {
			return nil, "", err
		}
		return nil, fmt.Sprintf("task %d deleted", p.TaskID), nil

	case "show_tasks":
		tree, err := a.repo.GetPlanTree(ctx, planID)
		if err != nil {
			return nil, "", err
		}
		details, _ := json.Marshal(tree.Nodes)
		return details, fmt.Sprintf("%d task(s)", len(tree.Nodes)), nil

	case "query_status":
		var p taskIDParams
		_ = unmarshalParams(act.Parameters, &p)
		if p.TaskID != 0 {
			tree, err := a.repo.GetPlanTree(ctx, planID)
			if err != nil {
				return nil, "", err
			}
			node := tree.ByID(p.TaskID)
			if node == nil {
				return nil, "", fmt.Errorf("task %d not found", p.TaskID)
			}
			details, _ := json.Marshal(node)
			return details, fmt.Sprintf("task %d status=%s", node.ID, node.Status), nil
		}
		summary, err := a.repo.GetPlanSummary(ctx, planID)
		if err != nil {
			return nil, "", err
		}
		details, _ := json.Marshal(summary)
		return details, "plan status summary", nil

	case "rerun_task":
		var p taskIDParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		if err := a.repo.RerunTask(ctx, planID, p.TaskID); err != nil {
			return nil, "", err
		}
		return nil, fmt.Sprintf("task %d reset to pending", p.TaskID), nil

	case "decompose_task":
		var p decomposeTaskParams
		if err := unmarshalParams(act.Parameters, &p); err != nil {
			return nil, "", err
		}
		mode := decomposer.ModeSingleNode
		if p.Mode == string(decomposer.ModePlanBFS) {
			mode = decomposer.ModePlanBFS
		}
		opts := a.cfg.DecomposerOptions
		if p.MaxDepth > 0 {
			opts.MaxDepth = p.MaxDepth
		}
		if p.MaxChildren > 0 {
			opts.MaxChildren = p.MaxChildren
		}
		if p.TotalNodeBudget > 0 {
			opts.TotalNodeBudget = p.TotalNodeBudget
		}
		if p.RetryLimit > 0 {
			opts.RetryLimit = p.RetryLimit
		}
		opts.StopOnEmpty = p.StopOnEmpty
		var logf decomposer.Logf
		if jobRec != nil && a.jobs != nil {
			rec := jobRec
			logf = func(level, message string, metadata any) { _ = a.jobs.AppendLog(ctx, rec.ID, level, message, metadata) }
		}
		stats, err := a.decomposer.Run(ctx, planID, mode, &p.TaskID, opts, logf)
		if err != nil {
			return nil, "", err
		}
		details, _ := json.Marshal(stats)
		return details, fmt.Sprintf("task %d decomposed", p.TaskID), nil

	default:
		return nil, "", fmt.Errorf("%w: task_operation %q", ErrUnknownAction, act.Name)
	}
}

// --- context_request ----------------------------------------------------

type requestSubgraphParams struct {
	NodeID   int64 `json:"node_id"`
	MaxDepth int   `json:"max_depth"`
}

func (a *Agent) dispatchContextRequest(ctx context.Context, planID int64, act Action) (json.RawMessage, string, error) {
	if act.Name != "request_subgraph" {
		return nil, "", fmt.Errorf("%w: context_request %q", ErrUnknownAction, act.Name)
	}
	var p requestSubgraphParams
	if err := unmarshalParams(act.Parameters, &p); err != nil {
		return nil, "", err
	}
	maxDepth := p.MaxDepth
	if maxDepth <= 0 {
		maxDepth = a.cfg.OutlineMaxDepth
	}
	sub, err := a.repo.Subgraph(ctx, planID, p.NodeID, maxDepth)
	if err != nil {
		return nil, "", err
	}
	details, _ := json.Marshal(sub)
	return details, fmt.Sprintf("subgraph rooted at %d", p.NodeID), nil
}

// --- system_operation ----------------------------------------------------

func (a *Agent) dispatchSystemOperation(act Action) (json.RawMessage, string, error) {
	if act.Name != "help" {
		return nil, "", fmt.Errorf("%w: system_operation %q", ErrUnknownAction, act.Name)
	}
	return nil, "I can create and manage plans, break tasks into steps, execute them, and search the web or a knowledge graph on request.", nil
}

// --- tool_operation --------------------------------------------------

type toolOperationParams struct {
	Query string `json:"query"`
}

// toolResult is the normalised shape recorded per step.details and surfaced
// in the response metadata's tool_results array.
type toolResult struct {
	Name       string          `json:"name"`
	Summary    string          `json:"summary"`
	Parameters json.RawMessage `json:"parameters"`
	Result     json.RawMessage `json:"result"`
}

func (a *Agent) dispatchToolOperation(ctx context.Context, act Action) (json.RawMessage, string, error) {
	if act.Name != "web_search" && act.Name != "graph_rag" {
		return nil, "", fmt.Errorf("%w: tool_operation %q", ErrUnknownAction, act.Name)
	}
	if a.tools == nil {
		return nil, "", errors.New("agent: no tool registry configured")
	}
	summary, result, err := a.tools.Invoke(ctx, act.Name, act.Parameters)
	if err != nil {
		return nil, "", err
	}
	tr := toolResult{Name: act.Name, Summary: summary, Parameters: act.Parameters, Result: result}
	details, _ := json.Marshal(tr)
	return details, summary, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
