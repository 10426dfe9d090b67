package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/job"
)

// planDecomposeJobParams is the chat_action-independent job payload for
// POST /tasks/{id}/decompose.
type planDecomposeJobParams struct {
	PlanID          int64  `json:"plan_id"`
	TargetTaskID    *int64 `json:"target_task_id"`
	Mode            string `json:"mode"`
	MaxDepth        int    `json:"max_depth"`
	MaxChildren     int    `json:"max_children"`
	TotalBudget     int    `json:"total_node_budget"`
	ReplaceExisting bool   `json:"replace_existing"`
}

// planExecuteJobParams is the job payload for POST /plans/{id}/execute.
type planExecuteJobParams struct {
	PlanID         int64   `json:"plan_id"`
	TaskFilter     []int64 `json:"task_filter"`
	MaxRetries     int     `json:"max_retries"`
	TimeoutPerTask float64 `json:"timeout_per_task"`
	UseContext     bool    `json:"use_context"`
}

// planDecomposeJobHandler wraps decomposer.Run as a job.Handler, logging
// progress via m.AppendLog so GET /jobs/{id} and its SSE stream expose the
// same granularity as a chat-triggered decomposition.
func (s *Server) planDecomposeJobHandler(ctx context.Context, m *job.Manager, rec job.Record) (string, string, error) {
	var p planDecomposeJobParams
	if err := json.Unmarshal([]byte(rec.ParametersJSON), &p); err != nil {
		return "", "", fmt.Errorf("httpapi: invalid plan_decompose parameters: %w", err)
	}

	mode := decomposer.Mode(p.Mode)
	if mode == "" {
		mode = decomposer.ModePlanBFS
	}
	opts := decomposer.Options{
		MaxDepth:                p.MaxDepth,
		MaxChildren:             p.MaxChildren,
		TotalNodeBudget:         p.TotalBudget,
		ReplaceExistingChildren: p.ReplaceExisting,
	}

	logf := func(level, message string, metadata any) {
		_ = m.AppendLog(ctx, rec.ID, level, message, metadata)
	}

	stats, err := s.decomposer.Run(ctx, p.PlanID, mode, p.TargetTaskID, opts, logf)
	if err != nil {
		return "", "", err
	}
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return "", "", fmt.Errorf("httpapi: marshal decompose stats: %w", err)
	}
	return "{}", string(statsJSON), nil
}

// planExecuteJobHandler wraps executor.Run as a job.Handler.
func (s *Server) planExecuteJobHandler(ctx context.Context, m *job.Manager, rec job.Record) (string, string, error) {
	var p planExecuteJobParams
	if err := json.Unmarshal([]byte(rec.ParametersJSON), &p); err != nil {
		return "", "", fmt.Errorf("httpapi: invalid plan_execute parameters: %w", err)
	}

	opts := executor.Options{
		TaskFilter:     p.TaskFilter,
		MaxRetries:     p.MaxRetries,
		TimeoutPerTask: time.Duration(p.TimeoutPerTask * float64(time.Second)),
		UseContext:     p.UseContext,
	}

	logf := func(level, message string, metadata any) {
		_ = m.AppendLog(ctx, rec.ID, level, message, metadata)
	}

	summary, err := s.executor.Run(ctx, p.PlanID, opts, logf)
	if err != nil {
		return "", "", err
	}
	resultJSON, err := json.Marshal(summary)
	if err != nil {
		return "", "", fmt.Errorf("httpapi: marshal execute summary: %w", err)
	}
	return string(resultJSON), "{}", nil
}

// ---- /jobs/{id}, /jobs/{id}/stream ----

func (s *Server) routeJobDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if strings.HasSuffix(rest, "/stream") {
		s.handleJobStream(w, r, strings.TrimSuffix(rest, "/stream"))
		return
	}
	s.handleJobGet(w, r, rest)
}

type logEventDTO struct {
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Metadata  string    `json:"metadata"`
}

type actionLogEventDTO struct {
	Sequence   int64     `json:"sequence"`
	ActionKind string    `json:"action_kind"`
	ActionName string    `json:"action_name"`
	Status     string    `json:"status"`
	Success    *bool     `json:"success,omitempty"`
	Message    string    `json:"message"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

type jobResponse struct {
	job.JobStatus
	Logs    []logEventDTO       `json:"logs"`
	Actions []actionLogEventDTO `json:"action_logs"`
	Cursor  int64               `json:"cursor"`
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cursor := int64(intQuery(r, "cursor", 0))

	status, logs, actions, next, err := s.jobs.GetJob(r.Context(), jobID, cursor)
	if err != nil {
		writeError(w, statusForErr(err), "job not found")
		return
	}

	logDTOs := make([]logEventDTO, len(logs))
	for i, l := range logs {
		logDTOs[i] = logEventDTO{Sequence: l.Sequence, Timestamp: l.Timestamp, Level: l.Level, Message: l.Message, Metadata: l.MetadataJSON}
	}
	actionDTOs := make([]actionLogEventDTO, len(actions))
	for i, a := range actions {
		dto := actionLogEventDTO{
			Sequence: a.Sequence, ActionKind: a.ActionKind, ActionName: a.ActionName,
			Status: a.Status, Message: a.Message, Details: a.DetailsJSON, CreatedAt: a.CreatedAt,
		}
		if a.Success.Valid {
			dto.Success = &a.Success.Bool
		}
		actionDTOs[i] = dto
	}
	writeJSON(w, http.StatusOK, jobResponse{JobStatus: status, Logs: logDTOs, Actions: actionDTOs, Cursor: next})
}

// sseEvent is the wire envelope for every event on a job's SSE stream: a
// "snapshot" once at connect, then "event" per log/status change, and
// periodic "heartbeat" events synthesized here since the broadcaster itself
// has no keepalive producer.
type sseEvent struct {
	Type   string          `json:"type"`
	JobID  string          `json:"job_id,omitempty"`
	Status string          `json:"status,omitempty"`
	Job    *job.JobStatus  `json:"job,omitempty"`
	Event  *job.LogEvent   `json:"event,omitempty"`
	Stats  json.RawMessage `json:"stats,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const heartbeatInterval = 15 * time.Second

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	cursor := int64(intQuery(r, "cursor", 0))

	status, logs, _, next, err := s.jobs.GetJob(r.Context(), jobID, cursor)
	if err != nil {
		writeError(w, statusForErr(err), "job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, sseEvent{Type: "snapshot", JobID: jobID, Job: &status})
	flusher.Flush()

	// Replay the backlog missed since cursor before switching to live events,
	// so a reconnect with ?cursor=N never drops or duplicates a log entry.
	for i := range logs {
		ev := logs[i]
		writeSSE(w, sseEvent{Type: "event", JobID: jobID, Event: &ev})
	}
	flusher.Flush()

	if isTerminal(status.Status) {
		return
	}

	ch, unsubscribe := s.jobs.Subscribe(jobID)
	defer unsubscribe()

	// A job may have logged more or finished between the GetJob snapshot
	// above and the Subscribe call; replay what was missed and re-check
	// before blocking on the channel.
	if status, missed, _, last, err := s.jobs.GetJob(r.Context(), jobID, next); err == nil {
		for i := range missed {
			ev := missed[i]
			writeSSE(w, sseEvent{Type: "event", JobID: jobID, Event: &ev})
		}
		next = last
		if isTerminal(status.Status) {
			writeSSE(w, sseEvent{Type: "event", JobID: jobID, Status: status.Status, Result: status.ResultJSON, Error: status.Error})
			flusher.Flush()
			return
		}
		flusher.Flush()
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Event != nil && ev.Event.Sequence <= next {
				continue
			}
			writeSSE(w, sseEvent{
				Type: "event", JobID: ev.JobID, Status: ev.Status,
				Event: ev.Event, Stats: ev.Stats, Result: ev.Result, Error: ev.Error,
			})
			flusher.Flush()
			if isTerminal(ev.Status) {
				return
			}
		case <-ticker.C:
			current, _, _, _, err := s.jobs.GetJob(r.Context(), jobID, 0)
			if err != nil {
				continue
			}
			writeSSE(w, sseEvent{Type: "heartbeat", Job: &current})
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
