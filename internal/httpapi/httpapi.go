// Package httpapi exposes the orchestrator's external interface (§6):
// chat turns, session management, read-only plan/task views, and the
// standalone decompose/execute job endpoints, plus job status and SSE
// streaming (in jobs.go).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/orchestrator-ai/planner/internal/agent"
	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/job"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/regstore"
	"github.com/orchestrator-ai/planner/internal/session"
)

// Server is the HTTP API server (the "front door" named as §6's external
// interface).
type Server struct {
	bind       string
	agent      *agent.Agent
	repo       *plan.Repository
	sessions   *session.Store
	jobs       *job.Manager
	decomposer *decomposer.Decomposer
	executor   *executor.Executor
	logger     *slog.Logger
	httpServer *http.Server
}

// New builds a Server and registers the standalone plan_decompose/
// plan_execute job handlers on jobs, per the decision to keep chat-driven
// decomposition/execution inside the chat_action job and reserve these two
// job types for the REST-only entry points below.
func New(bind string, a *agent.Agent, repo *plan.Repository, sessions *session.Store, jobs *job.Manager, dec *decomposer.Decomposer, exec *executor.Executor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bind: bind, agent: a, repo: repo, sessions: sessions,
		jobs: jobs, decomposer: dec, executor: exec, logger: logger,
	}
	jobs.RegisterHandler("plan_decompose", s.planDecomposeJobHandler)
	jobs.RegisterHandler("plan_execute", s.planExecuteJobHandler)
	return s
}

// Start begins listening on the configured bind address. Blocks until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/chat/message", s.handleChatMessage)
	mux.HandleFunc("/chat/actions/", s.handleChatActions)
	mux.HandleFunc("/chat/history/", s.handleChatHistory)
	mux.HandleFunc("/chat/sessions", s.handleChatSessions)
	mux.HandleFunc("/chat/sessions/", s.routeChatSessionDetail)
	mux.HandleFunc("/plans", s.handlePlans)
	mux.HandleFunc("/plans/", s.routePlanDetail)
	mux.HandleFunc("/tasks/", s.routeTaskDetail)
	mux.HandleFunc("/jobs/", s.routeJobDetail)

	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("httpapi server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusForErr maps domain not-found sentinels to 404, everything else to
// 500, per §7's "NotFound → HTTP 404; StorageFailure → HTTP 500" rule.
func statusForErr(err error) int {
	if errors.Is(err, plan.ErrNotFound) || errors.Is(err, regstore.ErrNotFound) || errors.Is(err, job.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func pathID(prefix, path string) (int64, error) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.SplitN(rest, "/", 2)[0]
	return strconv.ParseInt(rest, 10, 64)
}

// ---- /chat/message ----

type chatMessageRequest struct {
	Message               string          `json:"message"`
	SessionID             string          `json:"session_id"`
	Mode                  string          `json:"mode"`
	History               json.RawMessage `json:"history"`
	Context               json.RawMessage `json:"context"`
	DefaultSearchProvider string          `json:"default_search_provider"`
	Metadata              json.RawMessage `json:"metadata"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req chatMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	if req.DefaultSearchProvider != "" {
		if err := s.mergeSessionSettings(r.Context(), req.SessionID, "default_search_provider", req.DefaultSearchProvider); err != nil {
			s.logger.Warn("failed to persist default_search_provider", "session_id", req.SessionID, "error", err)
		}
	}

	result, err := s.agent.HandleMessage(r.Context(), req.SessionID, req.Message, req.Context)
	if err != nil {
		s.logger.Error("chat message handling failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process message")
		return
	}

	metadata := result.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	status := "completed"
	if result.Async {
		status = "queued"
		metadata["tracking_id"] = result.TrackingID
	}
	metadata["status"] = status
	if sess, err := s.sessions.Get(r.Context(), req.SessionID); err == nil {
		if sess.PlanID != nil {
			metadata["plan_id"] = *sess.PlanID
			if tree, err := s.repo.GetPlanTree(r.Context(), *sess.PlanID); err == nil {
				metadata["plan_title"] = tree.Title
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response": result.Message,
		"actions":  result.Steps,
		"metadata": metadata,
	})
}

func (s *Server) mergeSessionSettings(ctx context.Context, sessionID, key, value string) error {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	settings := map[string]any{}
	if sess.SettingsJSON != "" {
		_ = json.Unmarshal([]byte(sess.SettingsJSON), &settings)
	}
	settings[key] = value
	out, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.sessions.SetSettings(ctx, sessionID, string(out))
}

// ---- /chat/actions/{tracking_id} ----

type chatActionJobResult struct {
	Steps []agent.AgentStep `json:"steps"`
}

func (s *Server) handleChatActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	trackingID := strings.TrimPrefix(r.URL.Path, "/chat/actions/")
	if trackingID == "" {
		writeError(w, http.StatusBadRequest, "tracking_id required")
		return
	}

	status, _, _, _, err := s.jobs.GetJob(r.Context(), trackingID, 0)
	if err != nil {
		writeError(w, statusForErr(err), "job not found")
		return
	}

	resp := map[string]any{"status": chatActionStatus(status.Status)}
	if status.PlanID != nil {
		resp["plan_id"] = *status.PlanID
	}
	if status.Error != "" {
		resp["errors"] = []string{status.Error}
	}
	if len(status.ResultJSON) > 0 {
		var result chatActionJobResult
		if json.Unmarshal(status.ResultJSON, &result) == nil {
			resp["actions"] = result.Steps
		}
		resp["result"] = status.ResultJSON
	}
	if status.FinishedAt != nil {
		resp["finished_at"] = status.FinishedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func chatActionStatus(s string) string {
	if s == job.StatusSucceeded {
		return "completed"
	}
	return s
}

// ---- /chat/history/{session_id} ----

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/chat/history/")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id required")
		return
	}
	limit := intQuery(r, "limit", 50)

	msgs, err := s.sessions.RecentMessages(r.Context(), sessionID, limit)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// ---- /chat/sessions ----

func (s *Server) handleChatSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := intQuery(r, "limit", 50)
	offset := intQuery(r, "offset", 0)
	activeOnly := r.URL.Query().Get("active") == "true"

	sessions, err := s.sessions.List(r.Context(), limit, offset, activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]map[string]any, len(sessions))
	for i, sess := range sessions {
		settings := json.RawMessage(sess.SettingsJSON)
		if len(settings) == 0 {
			settings = json.RawMessage("{}")
		}
		out[i] = map[string]any{
			"id":              sess.ID,
			"plan_id":         sess.PlanID,
			"name":            sess.Name,
			"name_source":     sess.NameSource,
			"is_user_named":   sess.IsUserNamed,
			"is_active":       sess.IsActive,
			"settings":        settings,
			"created_at":      sess.CreatedAt,
			"updated_at":      sess.UpdatedAt,
			"last_message_at": sess.LastMessageAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) routeChatSessionDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/chat/sessions/")
	if strings.HasSuffix(rest, "/autotitle") {
		s.handleAutotitle(w, r, strings.TrimSuffix(rest, "/autotitle"))
		return
	}
	switch r.Method {
	case http.MethodPatch:
		s.handlePatchSession(w, r, rest)
	case http.MethodDelete:
		s.handleDeleteSession(w, r, rest)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type patchSessionRequest struct {
	Name     *string         `json:"name"`
	IsActive *bool           `json:"is_active"`
	PlanID   *int64          `json:"plan_id"`
	Settings json.RawMessage `json:"settings"`
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req patchSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	if req.Name != nil && *req.Name != "" {
		if err := s.sessions.Rename(ctx, sessionID, *req.Name); err != nil {
			writeError(w, statusForErr(err), "failed to rename session")
			return
		}
	}
	if req.IsActive != nil {
		if err := s.sessions.SetActive(ctx, sessionID, *req.IsActive); err != nil {
			writeError(w, statusForErr(err), "failed to update session")
			return
		}
	}
	if req.PlanID != nil {
		if err := s.sessions.BindToPlan(ctx, sessionID, *req.PlanID); err != nil {
			writeError(w, statusForErr(err), "failed to bind session to plan")
			return
		}
	}
	if len(req.Settings) > 0 {
		if err := s.sessions.SetSettings(ctx, sessionID, string(req.Settings)); err != nil {
			writeError(w, statusForErr(err), "failed to update session settings")
			return
		}
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		writeError(w, statusForErr(err), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	archive := r.URL.Query().Get("archive") == "true"
	var err error
	if archive {
		err = s.sessions.Archive(r.Context(), sessionID)
	} else {
		err = s.sessions.Delete(r.Context(), sessionID)
	}
	if err != nil {
		writeError(w, statusForErr(err), "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "archived": archive})
}

type autotitleRequest struct {
	Force    bool   `json:"force"`
	Strategy string `json:"strategy"`
}

// handleAutotitle regenerates a session's name from its bound plan's title
// when available, falling back to a heuristic derived from the first user
// message. It never overrides a user-given name unless force is set.
func (s *Server) handleAutotitle(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req autotitleRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	ctx := r.Context()
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		writeError(w, statusForErr(err), "session not found")
		return
	}
	if sess.IsUserNamed && !req.Force {
		writeJSON(w, http.StatusOK, sess)
		return
	}

	name, source := "New conversation", session.NameSourceHeuristic
	if sess.PlanID != nil {
		if tree, err := s.repo.GetPlanTree(ctx, *sess.PlanID); err == nil && tree.Title != "" {
			name, source = tree.Title, session.NameSourcePlan
		}
	}
	if source == session.NameSourceHeuristic {
		// A negative limit is SQLite's "no limit", so msgs is the whole
		// history in ascending order.
		if msgs, err := s.sessions.RecentMessages(ctx, sessionID, -1); err == nil {
			for _, m := range msgs {
				if m.Role == "user" {
					name = summarize(m.Content, 60)
					break
				}
			}
		}
	}

	if err := s.sessions.AutoTitle(ctx, sessionID, name, source); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to auto-title session")
		return
	}
	sess, err = s.sessions.Get(ctx, sessionID)
	if err != nil {
		writeError(w, statusForErr(err), "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func summarize(text string, max int) string {
	text = strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// ---- /plans ----

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	plans, err := s.repo.ListPlans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) routePlanDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/plans/")
	parts := strings.SplitN(rest, "/", 2)
	planID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch {
	case sub == "tree":
		s.handlePlanTree(w, r, planID)
	case sub == "subgraph":
		s.handlePlanSubgraph(w, r, planID)
	case sub == "results":
		s.handlePlanResults(w, r, planID)
	case sub == "execution/summary":
		s.handlePlanExecutionSummary(w, r, planID)
	case sub == "execute":
		s.handlePlanExecute(w, r, planID)
	default:
		writeError(w, http.StatusNotFound, "unknown plan endpoint")
	}
}

func (s *Server) handlePlanTree(w http.ResponseWriter, r *http.Request, planID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tree, err := s.repo.GetPlanTree(r.Context(), planID)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load plan tree")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handlePlanSubgraph(w http.ResponseWriter, r *http.Request, planID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodeID := int64(intQuery(r, "node_id", 0))
	maxDepth := intQuery(r, "max_depth", 2)

	tree, err := s.repo.Subgraph(r.Context(), planID, nodeID, maxDepth)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load subgraph")
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handlePlanResults(w http.ResponseWriter, r *http.Request, planID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	onlyWithOutput := r.URL.Query().Get("only_with_output") == "true"
	results, err := s.repo.GetPlanResults(r.Context(), planID, onlyWithOutput)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load plan results")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handlePlanExecutionSummary(w http.ResponseWriter, r *http.Request, planID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.repo.GetPlanSummary(r.Context(), planID)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load execution summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

// ---- /tasks/{id}/result, /tasks/{id}/decompose ----

func (s *Server) routeTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "result":
		s.handleTaskResult(w, r, taskID)
	case "decompose":
		s.handleTaskDecompose(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task endpoint")
	}
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	planID := int64(intQuery(r, "plan_id", 0))
	if planID == 0 {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	results, err := s.repo.GetPlanResults(r.Context(), planID, false)
	if err != nil {
		writeError(w, statusForErr(err), "failed to load task result")
		return
	}
	for _, res := range results {
		if res.TaskID == taskID {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}
	writeError(w, http.StatusNotFound, "task result not found")
}

type decomposeTaskRequest struct {
	AsyncMode       *bool `json:"async_mode"`
	MaxDepth        int   `json:"max_depth"`
	MaxChildren     int   `json:"max_children"`
	TotalNodeBudget int   `json:"total_node_budget"`
	ReplaceExisting bool  `json:"replace_existing"`
}

func (s *Server) handleTaskDecompose(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	planID := int64(intQuery(r, "plan_id", 0))
	if planID == 0 {
		writeError(w, http.StatusBadRequest, "plan_id is required")
		return
	}
	var req decomposeTaskRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	params := planDecomposeJobParams{
		PlanID:         planID,
		TargetTaskID:   &taskID,
		Mode:           string(decomposer.ModeSingleNode),
		MaxDepth:       req.MaxDepth,
		MaxChildren:    req.MaxChildren,
		TotalBudget:    req.TotalNodeBudget,
		ReplaceExisting: req.ReplaceExisting,
	}
	s.runJob(w, r, "plan_decompose", &planID, &taskID, params, req.AsyncMode)
}

type planExecuteRequest struct {
	AsyncMode      *bool   `json:"async_mode"`
	TaskFilter     []int64 `json:"task_filter"`
	MaxRetries     int     `json:"max_retries"`
	TimeoutPerTask float64 `json:"timeout_per_task"`
	UseContext     bool    `json:"use_context"`
}

func (s *Server) handlePlanExecute(w http.ResponseWriter, r *http.Request, planID int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req planExecuteRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	params := planExecuteJobParams{
		PlanID:         planID,
		TaskFilter:     req.TaskFilter,
		MaxRetries:     req.MaxRetries,
		TimeoutPerTask: req.TimeoutPerTask,
		UseContext:     req.UseContext,
	}
	s.runJob(w, r, "plan_execute", &planID, nil, params, req.AsyncMode)
}

// runJob enqueues jobType and by default responds 202 with the job id at
// once; only when asyncMode is explicitly false does it block until the job
// reaches a terminal status before responding.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request, jobType string, planID, targetTaskID *int64, params any, asyncMode *bool) {
	payload, err := json.Marshal(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to marshal job parameters")
		return
	}

	jobID, err := s.jobs.Create(r.Context(), jobType, planID, targetTaskID, "", string(payload))
	if err != nil {
		if errors.Is(err, job.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "job queue is full, try again shortly")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	wantsSync := asyncMode != nil && !*asyncMode
	if !wantsSync {
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": job.StatusPending})
		return
	}

	status, err := s.waitForTerminal(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, fmt.Sprintf("timed out waiting for job: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": status.Status, "result": status.ResultJSON, "error": status.Error})
}

func (s *Server) waitForTerminal(ctx context.Context, jobID string) (job.JobStatus, error) {
	if status, _, _, _, err := s.jobs.GetJob(ctx, jobID, 0); err == nil && isTerminal(status.Status) {
		return status, nil
	}

	ch, unsubscribe := s.jobs.Subscribe(jobID)
	defer unsubscribe()
	for {
		select {
		case ev, ok := <-ch:
			if !ok || isTerminal(ev.Status) {
				status, _, _, _, err := s.jobs.GetJob(ctx, jobID, 0)
				return status, err
			}
		case <-ctx.Done():
			return job.JobStatus{}, ctx.Err()
		}
	}
}

func isTerminal(status string) bool {
	return status == job.StatusSucceeded || status == job.StatusFailed
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
