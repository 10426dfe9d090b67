// Package agent implements the Structured Action Agent (C6): the
// interactive chat.message protocol that assembles a state-gated prompt,
// makes one call to the conversation LLM, validates its structured reply,
// and dispatches the resulting actions synchronously or as a background job.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/job"
	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/schemavalidate"
	"github.com/orchestrator-ai/planner/internal/session"
)

// Action kinds, per the fixed catalog.
const (
	KindPlanOperation   = "plan_operation"
	KindTaskOperation   = "task_operation"
	KindContextRequest  = "context_request"
	KindSystemOperation = "system_operation"
	KindToolOperation   = "tool_operation"
)

var (
	// ErrPlanNotBound is returned when an action that requires a bound
	// plan is dispatched against an unbound session.
	ErrPlanNotBound = errors.New("agent: plan not bound")
	// ErrUnknownAction is returned for an action name outside the fixed
	// catalog for its kind.
	ErrUnknownAction = errors.New("agent: unknown action")
	// ErrContextRequestNotSole is returned when request_subgraph is
	// combined with any other action in the same turn.
	ErrContextRequestNotSole = errors.New("agent: request_subgraph must be the only action in a turn")
)

// RetryPolicy is an action's optional retry_policy, parsed from the reply
// and carried on the Action; no dispatch path re-attempts an action from it.
type RetryPolicy struct {
	MaxRetries int     `json:"max_retries"`
	BackoffSec float64 `json:"backoff_sec"`
}

// Action is one entry of a structured reply's actions array.
type Action struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Parameters  json.RawMessage `json:"parameters"`
	Blocking    bool            `json:"blocking"`
	Order       int             `json:"order"`
	RetryPolicy *RetryPolicy    `json:"retry_policy,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// rawAction mirrors the wire shape before the blocking-defaults-to-true
// normalisation is applied.
type rawAction struct {
	Kind        string          `json:"kind"`
	Name        string          `json:"name"`
	Parameters  json.RawMessage `json:"parameters"`
	Blocking    *bool           `json:"blocking"`
	Order       int             `json:"order"`
	RetryPolicy *RetryPolicy    `json:"retry_policy,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// LLMReply is the user-facing text portion of a structured response.
type LLMReply struct {
	Message string `json:"message"`
}

// StructuredResponse is the exact JSON shape the conversation LLM must
// return for a turn to validate.
type StructuredResponse struct {
	LLMReply LLMReply `json:"llm_reply"`
	Actions  []Action `json:"actions"`
}

type rawStructuredResponse struct {
	LLMReply LLMReply    `json:"llm_reply"`
	Actions  []rawAction `json:"actions"`
}

const responseSchema = `{
	"type": "object",
	"properties": {
		"llm_reply": {
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"],
			"additionalProperties": false
		},
		"actions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["plan_operation", "task_operation", "context_request", "system_operation", "tool_operation"]},
					"name": {"type": "string"},
					"parameters": {"type": "object"},
					"blocking": {"type": "boolean"},
					"order": {"type": "integer", "minimum": 1},
					"retry_policy": {
						"type": "object",
						"properties": {"max_retries": {"type": "integer"}, "backoff_sec": {"type": "number"}},
						"additionalProperties": false
					},
					"metadata": {"type": "object"}
				},
				"required": ["kind", "name", "parameters", "order"],
				"additionalProperties": false
			}
		}
	},
	"required": ["llm_reply", "actions"],
	"additionalProperties": false
}`

// AgentStep is one action's outcome, recorded in dispatch order.
type AgentStep struct {
	Kind       string          `json:"kind"`
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// TurnResult is what HandleMessage returns to the HTTP layer.
type TurnResult struct {
	Message    string         `json:"message"`
	Steps      []AgentStep    `json:"steps,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TrackingID string         `json:"tracking_id,omitempty"`
	Async      bool           `json:"async"`
}

// ToolInvoker is implemented by the tool registry wired in by cmd/orchestratord.
// It is a narrow interface so internal/agent never imports internal/tools
// directly, mirroring the narrow-SDK-client pattern internal/llm's adapters
// use to stay mockable.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, parameters json.RawMessage) (summary string, result json.RawMessage, err error)
}

// Config are the tunables that shape prompt assembly and dispatch.
type Config struct {
	Model                 string
	MaxTokens             int
	MaxHistoryMessages    int
	OutlineMaxNodes       int
	OutlineMaxDepth       int
	AutoDecomposeOnCreate bool
	DecomposerOptions     decomposer.Options
	ExecutorOptions       executor.Options
}

// Agent runs the five-step interactive protocol against one conversation
// LLM client, dispatching actions against the repository, job manager, and
// tool registry it is built with.
type Agent struct {
	repo       *plan.Repository
	sessions   *session.Store
	jobs       *job.Manager
	decomposer *decomposer.Decomposer
	executor   *executor.Executor
	tools      ToolInvoker
	client     llm.Client
	validator  *schemavalidate.Validator
	cfg        Config
}

// New builds an Agent and registers its background job handler on jobs.
func New(repo *plan.Repository, sessions *session.Store, jobs *job.Manager, dec *decomposer.Decomposer, exec *executor.Executor, tools ToolInvoker, client llm.Client, cfg Config) (*Agent, error) {
	v, err := schemavalidate.Compile([]byte(responseSchema))
	if err != nil {
		return nil, fmt.Errorf("agent: compile response schema: %w", err)
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = 20
	}
	if cfg.OutlineMaxNodes <= 0 {
		cfg.OutlineMaxNodes = 60
	}
	if cfg.OutlineMaxDepth <= 0 {
		cfg.OutlineMaxDepth = 4
	}
	a := &Agent{
		repo: repo, sessions: sessions, jobs: jobs,
		decomposer: dec, executor: exec, tools: tools, client: client,
		validator: v, cfg: cfg,
	}
	if jobs != nil {
		jobs.RegisterHandler("chat_action", a.chatActionJobHandler)
	}
	return a, nil
}

// HandleMessage runs one turn of the protocol for sessionID.
func (a *Agent) HandleMessage(ctx context.Context, sessionID, userMessage string, requestContext json.RawMessage) (TurnResult, error) {
	sess, err := a.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent: load session %s: %w", sessionID, err)
	}
	if _, err := a.sessions.AppendMessage(ctx, sessionID, "user", userMessage, "{}"); err != nil {
		return TurnResult{}, fmt.Errorf("agent: record user message: %w", err)
	}

	var tree *plan.Tree
	if sess.PlanID != nil {
		tree, err = a.repo.Subgraph(ctx, *sess.PlanID, a.rootIDOrZero(ctx, *sess.PlanID), a.cfg.OutlineMaxDepth)
		if err != nil && !errors.Is(err, plan.ErrNotFound) {
			return TurnResult{}, fmt.Errorf("agent: load plan outline: %w", err)
		}
	}

	history, err := a.sessions.RecentMessages(ctx, sessionID, a.cfg.MaxHistoryMessages)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent: load history: %w", err)
	}

	prompt := a.buildPrompt(sess, tree, history, userMessage, requestContext)
	resp, err := a.client.Complete(ctx, llm.Request{
		Model:     a.cfg.Model,
		MaxTokens: a.cfg.MaxTokens,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return a.recordAndReturn(ctx, sessionID, TurnResult{
			Message:  "I couldn't reach the language model just now. Please try again.",
			Metadata: map[string]any{"error": err.Error()},
		})
	}

	text := stripCodeFence(resp.Text)
	structured, parseErr := a.parseResponse(text)
	if parseErr != nil {
		return a.recordAndReturn(ctx, sessionID, TurnResult{
			Message:  text,
			Metadata: map[string]any{"parse_error": parseErr.Error()},
		})
	}

	sort.SliceStable(structured.Actions, func(i, j int) bool { return structured.Actions[i].Order < structured.Actions[j].Order })

	if err := validateContextRequestSolitary(structured.Actions); err != nil {
		return a.recordAndReturn(ctx, sessionID, TurnResult{
			Message:  structured.LLMReply.Message,
			Metadata: map[string]any{"error": err.Error()},
		})
	}

	if hasLongRunningAction(structured.Actions, a.cfg.AutoDecomposeOnCreate) {
		return a.dispatchAsync(ctx, sessionID, sess, structured)
	}
	return a.dispatchSync(ctx, sessionID, sess, structured)
}

func (a *Agent) rootIDOrZero(ctx context.Context, planID int64) int64 {
	tree, err := a.repo.GetPlanTree(ctx, planID)
	if err != nil || len(tree.Nodes) == 0 {
		return 0
	}
	for _, n := range tree.Nodes {
		if n.ParentID == nil {
			return n.ID
		}
	}
	return tree.Nodes[0].ID
}

func (a *Agent) recordAndReturn(ctx context.Context, sessionID string, result TurnResult) (TurnResult, error) {
	metaJSON, _ := json.Marshal(result.Metadata)
	if _, err := a.sessions.AppendMessage(ctx, sessionID, "assistant", result.Message, orEmptyObject(metaJSON)); err != nil {
		return result, fmt.Errorf("agent: record assistant message: %w", err)
	}
	return result, nil
}

func (a *Agent) parseResponse(text string) (StructuredResponse, error) {
	if err := a.validator.Validate([]byte(text)); err != nil {
		return StructuredResponse{}, err
	}
	var raw rawStructuredResponse
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return StructuredResponse{}, err
	}
	out := StructuredResponse{LLMReply: raw.LLMReply, Actions: make([]Action, len(raw.Actions))}
	for i, ra := range raw.Actions {
		blocking := true
		if ra.Blocking != nil {
			blocking = *ra.Blocking
		}
		out.Actions[i] = Action{
			Kind: ra.Kind, Name: ra.Name, Parameters: ra.Parameters,
			Blocking: blocking, Order: ra.Order, RetryPolicy: ra.RetryPolicy, Metadata: ra.Metadata,
		}
	}
	return out, nil
}

func validateContextRequestSolitary(actions []Action) error {
	hasContextRequest := false
	for _, act := range actions {
		if act.Kind == KindContextRequest && act.Name == "request_subgraph" {
			hasContextRequest = true
		}
	}
	if hasContextRequest && len(actions) > 1 {
		return ErrContextRequestNotSole
	}
	return nil
}

// hasLongRunningAction reports whether any action in the turn must be
// dispatched asynchronously: execute_plan and decompose_task always are;
// create_plan only is when auto-decomposition is configured on, since that
// is what actually makes it long-running.
func hasLongRunningAction(actions []Action, autoDecompose bool) bool {
	for _, act := range actions {
		switch {
		case act.Kind == KindPlanOperation && act.Name == "execute_plan":
			return true
		case act.Kind == KindTaskOperation && act.Name == "decompose_task":
			return true
		case act.Kind == KindPlanOperation && act.Name == "create_plan" && autoDecompose:
			return true
		}
	}
	return false
}

func (a *Agent) dispatchSync(ctx context.Context, sessionID string, sess session.Session, structured StructuredResponse) (TurnResult, error) {
	steps := make([]AgentStep, 0, len(structured.Actions))
	stop := false
	for _, act := range structured.Actions {
		if stop && act.Blocking {
			steps = append(steps, AgentStep{Kind: act.Kind, Name: act.Name, Parameters: act.Parameters, Success: false, Message: "skipped after a prior blocking action failed"})
			continue
		}
		step, updated, err := a.dispatchOne(ctx, &sess, sessionID, act, nil)
		if updated != nil {
			sess = *updated
		}
		if err != nil {
			step.Success = false
			if step.Message == "" {
				step.Message = err.Error()
			}
		}
		steps = append(steps, step)
		if !step.Success && act.Blocking {
			stop = true
		}
	}

	result := TurnResult{Message: structured.LLMReply.Message, Steps: steps, Metadata: collectMetadata(steps)}
	return a.recordAndReturn(ctx, sessionID, result)
}

func (a *Agent) dispatchAsync(ctx context.Context, sessionID string, sess session.Session, structured StructuredResponse) (TurnResult, error) {
	pending := make([]AgentStep, len(structured.Actions))
	for i, act := range structured.Actions {
		pending[i] = AgentStep{Kind: act.Kind, Name: act.Name, Parameters: act.Parameters, Success: false, Message: "pending"}
	}

	payload, err := json.Marshal(chatActionJobParams{SessionID: sessionID, Actions: structured.Actions})
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent: marshal job parameters: %w", err)
	}

	jobID, err := a.jobs.Create(ctx, "chat_action", sess.PlanID, nil, sessionID, string(payload))
	if err != nil {
		result := TurnResult{
			Message:  structured.LLMReply.Message,
			Steps:    pending,
			Metadata: map[string]any{"error": err.Error()},
		}
		return a.recordAndReturn(ctx, sessionID, result)
	}

	result := TurnResult{
		Message:    structured.LLMReply.Message,
		Steps:      pending,
		Metadata:   map[string]any{"tracking_id": jobID},
		TrackingID: jobID,
		Async:      true,
	}
	return a.recordAndReturn(ctx, sessionID, result)
}

type chatActionJobParams struct {
	SessionID string   `json:"session_id"`
	Actions   []Action `json:"actions"`
}

// chatActionJobHandler is the background worker side of dispatchAsync: it
// replays the same action sequence, this time writing job/action logs as it
// goes, and finishes with the step list as the job's result.
func (a *Agent) chatActionJobHandler(ctx context.Context, m *job.Manager, rec job.Record) (string, string, error) {
	var params chatActionJobParams
	if err := json.Unmarshal([]byte(rec.ParametersJSON), &params); err != nil {
		return "", "", fmt.Errorf("agent: unmarshal job parameters: %w", err)
	}

	sess, err := a.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return "", "", fmt.Errorf("agent: load session %s: %w", params.SessionID, err)
	}

	sort.SliceStable(params.Actions, func(i, j int) bool { return params.Actions[i].Order < params.Actions[j].Order })

	steps := make([]AgentStep, 0, len(params.Actions))
	stop := false
	for _, act := range params.Actions {
		_ = m.AppendLog(ctx, rec.ID, "info", "dispatching action", map[string]any{"kind": act.Kind, "name": act.Name})
		if stop && act.Blocking {
			step := AgentStep{Kind: act.Kind, Name: act.Name, Parameters: act.Parameters, Success: false, Message: "skipped after a prior blocking action failed"}
			steps = append(steps, step)
			continue
		}
		step, updated, dispatchErr := a.dispatchOne(ctx, &sess, params.SessionID, act, &rec)
		if updated != nil {
			sess = *updated
		}
		if dispatchErr != nil {
			step.Success = false
			if step.Message == "" {
				step.Message = dispatchErr.Error()
			}
		}
		success := step.Success
		_ = m.AppendActionLog(ctx, sess.PlanID, rec.ID, params.SessionID, act.Kind, act.Name, actionStatus(step.Success), &success, step.Message, step.Details)
		steps = append(steps, step)
		if !step.Success && act.Blocking {
			stop = true
		}
	}

	resultJSON, err := json.Marshal(map[string]any{"steps": steps})
	if err != nil {
		return "", "", fmt.Errorf("agent: marshal job result: %w", err)
	}

	assistantMeta, _ := json.Marshal(map[string]any{"steps": steps, "job_id": rec.ID})
	if _, err := a.sessions.AppendMessage(ctx, params.SessionID, "assistant", "", orEmptyObject(assistantMeta)); err != nil {
		return "", "", fmt.Errorf("agent: record assistant follow-up: %w", err)
	}

	return string(resultJSON), "{}", nil
}

func actionStatus(success bool) string {
	if success {
		return "succeeded"
	}
	return "failed"
}

func collectMetadata(steps []AgentStep) map[string]any {
	var toolResults []json.RawMessage
	for _, s := range steps {
		if s.Kind == KindToolOperation && len(s.Details) > 0 {
			toolResults = append(toolResults, s.Details)
		}
	}
	if len(toolResults) == 0 {
		return nil
	}
	return map[string]any{"tool_results": toolResults}
}

func orEmptyObject(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return "{}"
	}
	return s
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
