package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrator-ai/planner/internal/redact"
	"github.com/orchestrator-ai/planner/internal/regstore"
)

// ErrQueueFull is returned by Create when the job queue is at capacity.
// Callers (typically C6's async action dispatch) surface this as a
// structured error in the assistant reply rather than blocking.
var ErrQueueFull = errors.New("job: queue is full")

// Terminal and in-flight status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// JobStatus is the manager-level view of a job, independent of storage
// column types.
type JobStatus struct {
	ID           string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	PlanID       *int64          `json:"plan_id,omitempty"`
	TargetTaskID *int64          `json:"target_task_id,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Status       string          `json:"status"`
	ResultJSON   json.RawMessage `json:"result,omitempty"`
	StatsJSON    json.RawMessage `json:"stats,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func fromRecord(r Record) JobStatus {
	s := JobStatus{
		ID:         r.ID,
		JobType:    r.JobType,
		Status:     r.Status,
		ResultJSON: json.RawMessage(r.ResultJSON),
		StatsJSON:  json.RawMessage(r.StatsJSON),
		Error:      r.ErrorMessage,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.PlanID.Valid {
		s.PlanID = &r.PlanID.Int64
	}
	if r.TargetTaskID.Valid {
		s.TargetTaskID = &r.TargetTaskID.Int64
	}
	if r.SessionID.Valid {
		s.SessionID = r.SessionID.String
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		s.FinishedAt = &t
	}
	return s
}

// Handler runs the work for one job_type. It returns JSON-encodable result
// and stats payloads on success.
type Handler func(ctx context.Context, m *Manager, rec Record) (resultJSON, statsJSON string, err error)

// Manager is the Job Manager (C3): registry, worker pool, and SSE fan-out.
type Manager struct {
	store       *Store
	registry    *regstore.Store
	broadcaster *broadcaster
	handlers    map[string]Handler
	queue       chan string
}

// New constructs a Manager. queueCapacity bounds how many pending jobs may be
// enqueued before Create starts returning ErrQueueFull.
func New(store *Store, registry *regstore.Store, queueCapacity int) *Manager {
	if queueCapacity <= 0 {
		queueCapacity = 64
	}
	return &Manager{
		store:       store,
		registry:    registry,
		broadcaster: newBroadcaster(),
		handlers:    make(map[string]Handler),
		queue:       make(chan string, queueCapacity),
	}
}

// RegisterHandler associates a job_type with the function that executes it.
func (m *Manager) RegisterHandler(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// Start launches n worker goroutines that pull job ids off the queue and run
// them until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go m.runWorker(ctx)
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-m.queue:
			if !ok {
				return
			}
			m.process(ctx, id)
		}
	}
}

func (m *Manager) process(ctx context.Context, id string) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	handler, ok := m.handlers[rec.JobType]
	if !ok {
		m.MarkFailure(ctx, id, fmt.Sprintf("no handler registered for job type %q", rec.JobType))
		return
	}
	if err := m.MarkRunning(ctx, id); err != nil {
		return
	}
	resultJSON, statsJSON, err := handler(ctx, m, rec)
	if err != nil {
		m.MarkFailure(ctx, id, err.Error())
		return
	}
	m.MarkSuccess(ctx, id, resultJSON, statsJSON)
}

// Create registers a new job and enqueues it for execution, returning its
// id. Enqueueing is non-blocking: a full queue fails the call immediately
// rather than stalling the caller's chat turn.
func (m *Manager) Create(ctx context.Context, jobType string, planID, targetTaskID *int64, sessionID, parametersJSON string) (string, error) {
	id := uuid.NewString()
	if err := m.store.Insert(ctx, CreateParams{
		ID: id, JobType: jobType, PlanID: planID, TargetTaskID: targetTaskID,
		SessionID: sessionID, ParametersJSON: parametersJSON,
	}); err != nil {
		return "", err
	}
	if m.registry != nil {
		_ = m.registry.IndexJob(ctx, id, planID, jobType, StatusPending)
	}

	select {
	case m.queue <- id:
	default:
		_ = m.store.UpdateStatus(ctx, id, StatusFailed, "", "", "queue is full", true)
		if m.registry != nil {
			_ = m.registry.UpdateJobIndexStatus(ctx, id, StatusFailed, true)
		}
		return "", ErrQueueFull
	}
	return id, nil
}

// MarkRunning transitions a job to "running".
func (m *Manager) MarkRunning(ctx context.Context, jobID string) error {
	if err := m.store.UpdateStatus(ctx, jobID, StatusRunning, "", "", "", false); err != nil {
		return err
	}
	if m.registry != nil {
		_ = m.registry.UpdateJobIndexStatus(ctx, jobID, StatusRunning, false)
	}
	m.broadcaster.publish(jobID, StreamEvent{Type: "event", JobID: jobID, Status: StatusRunning})
	return nil
}

// MarkSuccess transitions a job to its terminal "succeeded" status and
// closes its live subscriber streams.
func (m *Manager) MarkSuccess(ctx context.Context, jobID, resultJSON, statsJSON string) error {
	if err := m.store.UpdateStatus(ctx, jobID, StatusSucceeded, resultJSON, statsJSON, "", true); err != nil {
		return err
	}
	if m.registry != nil {
		_ = m.registry.UpdateJobIndexStatus(ctx, jobID, StatusSucceeded, true)
	}
	m.broadcaster.publish(jobID, StreamEvent{
		Type: "event", JobID: jobID, Status: StatusSucceeded,
		Result: json.RawMessage(orDefault(resultJSON)), Stats: json.RawMessage(orDefault(statsJSON)),
	})
	m.broadcaster.closeJob(jobID)
	return nil
}

// MarkFailure transitions a job to its terminal "failed" status and closes
// its live subscriber streams.
func (m *Manager) MarkFailure(ctx context.Context, jobID, errMsg string) error {
	if err := m.store.UpdateStatus(ctx, jobID, StatusFailed, "", "", errMsg, true); err != nil {
		return err
	}
	if m.registry != nil {
		_ = m.registry.UpdateJobIndexStatus(ctx, jobID, StatusFailed, true)
	}
	m.broadcaster.publish(jobID, StreamEvent{Type: "event", JobID: jobID, Status: StatusFailed, Error: errMsg})
	m.broadcaster.closeJob(jobID)
	return nil
}

// AppendLog persists and broadcasts one job-log entry.
func (m *Manager) AppendLog(ctx context.Context, jobID, level, message string, metadata any) error {
	seq, err := m.store.NextLogSequence(ctx, jobID)
	if err != nil {
		return err
	}
	metaJSON := redact.Details(metadata)
	if err := m.store.AppendLog(ctx, jobID, seq, level, message, string(metaJSON)); err != nil {
		return err
	}
	m.broadcaster.publish(jobID, StreamEvent{
		Type: "event", JobID: jobID,
		Event: &LogEvent{Sequence: seq, Timestamp: time.Now(), Level: level, Message: message, MetadataJSON: string(metaJSON)},
	})
	return nil
}

// AppendActionLog persists one action-log entry. details is redacted before
// being written, per spec's sensitive-key/size rules.
func (m *Manager) AppendActionLog(ctx context.Context, planID *int64, jobID, sessionID, kind, name, status string, success *bool, message string, details any) error {
	seq, err := m.store.NextActionLogSequence(ctx, jobID)
	if err != nil {
		return err
	}
	return m.store.AppendActionLog(ctx, planID, jobID, sessionID, seq, kind, name, status, success, message, string(redact.Details(details)))
}

// GetJob returns a job's current status plus log/action-log entries newer
// than cursor (0 for the full backlog), and the cursor to resume from.
func (m *Manager) GetJob(ctx context.Context, jobID string, cursor int64) (JobStatus, []LogEvent, []ActionLogEvent, int64, error) {
	rec, err := m.store.Get(ctx, jobID)
	if err != nil {
		return JobStatus{}, nil, nil, cursor, err
	}
	logs, err := m.store.LogsSince(ctx, jobID, cursor)
	if err != nil {
		return JobStatus{}, nil, nil, cursor, err
	}
	actions, err := m.store.ActionLogsForJob(ctx, jobID)
	if err != nil {
		return JobStatus{}, nil, nil, cursor, err
	}
	next := cursor
	for _, l := range logs {
		if l.Sequence > next {
			next = l.Sequence
		}
	}
	return fromRecord(rec), logs, actions, next, nil
}

// Subscribe registers a live subscriber for jobID's stream. The caller is
// responsible for first sending a "snapshot" event (via GetJob) before
// relaying events from the returned channel, per the documented SSE
// protocol. unsubscribe must be called when the caller stops reading.
func (m *Manager) Subscribe(jobID string) (<-chan StreamEvent, func()) {
	return m.broadcaster.subscribe(jobID)
}

// Cleanup enforces retention: terminal jobs older than olderThan are
// deleted, and logs are trimmed to maxRows.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, maxRows int) error {
	return m.store.PruneOlderThan(ctx, time.Now().Add(-olderThan), maxRows)
}

func orDefault(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
