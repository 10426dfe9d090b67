// Package planstore is the per-plan SQLite file: tasks, dependency edges,
// snapshots, action logs, and job logs for a single plan. Jobs themselves
// are persisted by internal/job in its own database, not through this
// package.
package planstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("planstore: not found")

// ErrCycleDetected is returned when adding a dependency edge would create a
// cycle in the plan's dependency graph.
var ErrCycleDetected = errors.New("planstore: dependency cycle detected")

const pragmas = `?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)`

const schema = `
CREATE TABLE IF NOT EXISTS plan_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id INTEGER,
	position INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	depth INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL,
	instruction TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	execution_result_json TEXT NOT NULL DEFAULT '{}',
	context_combined TEXT NOT NULL DEFAULT '',
	context_sections_json TEXT NOT NULL DEFAULT '[]',
	context_meta_json TEXT NOT NULL DEFAULT '{}',
	context_updated_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id, position);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, depends_on)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	note TEXT NOT NULL DEFAULT '',
	snapshot_json TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS plan_action_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id INTEGER,
	job_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	action_kind TEXT NOT NULL,
	action_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL DEFAULT 0,
	message TEXT NOT NULL DEFAULT '',
	details_json TEXT NOT NULL DEFAULT '{}',
	sequence INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_plan_action_logs_job ON plan_action_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS plan_job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	timestamp DATETIME NOT NULL DEFAULT (datetime('now')),
	level TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_plan_job_logs_job ON plan_job_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`

const currentSchemaVersion = 1

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Store wraps a single plan's SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens a per-plan database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("planstore: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("planstore: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("planstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Task is a row in the tasks table.
type Task struct {
	ID                  int64
	ParentID            sql.NullInt64
	Position            int
	Path                string
	Depth               int
	Name                string
	Instruction         string
	MetadataJSON        string
	Status              string
	ExecutionResultJSON string
	ContextCombined     string
	ContextSectionsJSON string
	ContextMetaJSON     string
	ContextUpdatedAt    sql.NullTime
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Dependencies        []int64
}

const taskColumns = `id, parent_id, position, path, depth, name, instruction, metadata_json, status,
	execution_result_json, context_combined, context_sections_json, context_meta_json, context_updated_at,
	created_at, updated_at`

func scanTask(scanner interface{ Scan(...any) error }) (Task, error) {
	var t Task
	if err := scanner.Scan(&t.ID, &t.ParentID, &t.Position, &t.Path, &t.Depth, &t.Name, &t.Instruction,
		&t.MetadataJSON, &t.Status, &t.ExecutionResultJSON, &t.ContextCombined, &t.ContextSectionsJSON,
		&t.ContextMetaJSON, &t.ContextUpdatedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	return t, nil
}

// InsertTask inserts a single task row, ignoring dependencies (use
// SetDependencies separately so the caller controls validation order).
func (s *Store) InsertTask(ctx context.Context, t Task) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (parent_id, position, path, depth, name, instruction, metadata_json, status,
			execution_result_json, context_combined, context_sections_json, context_meta_json,
			context_updated_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ParentID, t.Position, t.Path, t.Depth, t.Name, t.Instruction, orDefault(t.MetadataJSON, "{}"),
		orDefault(t.Status, StatusPending), orDefault(t.ExecutionResultJSON, "{}"), t.ContextCombined,
		orDefault(t.ContextSectionsJSON, "[]"), orDefault(t.ContextMetaJSON, "{}"), t.ContextUpdatedAt, now, now)
	if err != nil {
		return 0, fmt.Errorf("planstore: insert task: %w", err)
	}
	return res.LastInsertId()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// GetTask returns one task by id, with its dependency ids populated.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("planstore: get task %d: %w", id, err)
	}
	deps, err := s.dependenciesFor(ctx, []int64{id})
	if err != nil {
		return Task{}, err
	}
	t.Dependencies = deps[id]
	return t, nil
}

// ListTasks returns every task in the plan ordered by depth, then parent,
// then position,
// a traversal-friendly order for rebuilding a PlanTree.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY depth ASC, parent_id ASC, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("planstore: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	var ids []int64
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("planstore: scan task: %w", err)
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("planstore: list tasks: %w", err)
	}

	deps, err := s.dependenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = deps[tasks[i].ID]
	}
	return tasks, nil
}

// ChildrenOf returns the direct children of parentID ordered by position.
// A nil parentID returns root-level tasks.
func (s *Store) ChildrenOf(ctx context.Context, parentID sql.NullInt64) ([]Task, error) {
	var rows *sql.Rows
	var err error
	if parentID.Valid {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY position ASC`, parentID.Int64)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id IS NULL ORDER BY position ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("planstore: children of: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("planstore: scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskPosition rewrites a single task's parent/position/depth/path,
// used during sibling resequencing and reparenting. It does not touch
// dependencies.
func (s *Store) UpdateTaskPosition(ctx context.Context, id int64, parentID sql.NullInt64, position, depth int, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET parent_id = ?, position = ?, depth = ?, path = ?, updated_at = ? WHERE id = ?`,
		parentID, position, depth, path, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("planstore: update task position %d: %w", id, err)
	}
	return nil
}

// TaskFields is a sparse patch applied to a task by UpdateTask. Nil fields
// are left unchanged.
type TaskFields struct {
	Name                *string
	Instruction         *string
	MetadataJSON        *string
	Status              *string
	ExecutionResultJSON *string
	ContextCombined     *string
	ContextSectionsJSON *string
	ContextMetaJSON     *string
	ContextUpdatedAt    *time.Time
}

// UpdateTask applies a sparse patch to a task's content fields.
func (s *Store) UpdateTask(ctx context.Context, id int64, f TaskFields) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	name := t.Name
	if f.Name != nil {
		name = *f.Name
	}
	instruction := t.Instruction
	if f.Instruction != nil {
		instruction = *f.Instruction
	}
	metadata := t.MetadataJSON
	if f.MetadataJSON != nil {
		metadata = *f.MetadataJSON
	}
	status := t.Status
	if f.Status != nil {
		status = *f.Status
	}
	result := t.ExecutionResultJSON
	if f.ExecutionResultJSON != nil {
		result = *f.ExecutionResultJSON
	}
	combined := t.ContextCombined
	if f.ContextCombined != nil {
		combined = *f.ContextCombined
	}
	sections := t.ContextSectionsJSON
	if f.ContextSectionsJSON != nil {
		sections = *f.ContextSectionsJSON
	}
	meta := t.ContextMetaJSON
	if f.ContextMetaJSON != nil {
		meta = *f.ContextMetaJSON
	}
	var ctxUpdated sql.NullTime
	if f.ContextUpdatedAt != nil {
		ctxUpdated = sql.NullTime{Time: *f.ContextUpdatedAt, Valid: true}
	} else {
		ctxUpdated = t.ContextUpdatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, instruction = ?, metadata_json = ?, status = ?, execution_result_json = ?,
			context_combined = ?, context_sections_json = ?, context_meta_json = ?, context_updated_at = ?, updated_at = ?
		 WHERE id = ?`,
		name, instruction, metadata, status, result, combined, sections, meta, ctxUpdated, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("planstore: update task %d: %w", id, err)
	}
	return nil
}

// DeleteTask removes a task row. Dependency edges referencing it cascade.
// The caller is responsible for deleting its subtree beforehand.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("planstore: delete task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("planstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDependencies replaces a task's dependency set wholesale, rejecting any
// edge that would introduce a cycle. It validates each target exists in the
// same plan first; the caller (internal/plan) is expected to have already
// filtered to existing ids and report the dropped ones as a warning.
func (s *Store) SetDependencies(ctx context.Context, taskID int64, dependsOn []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("planstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("planstore: clear dependencies: %w", err)
	}
	for _, dep := range dependsOn {
		if dep == taskID {
			continue
		}
		if err := ensureNoCycleTx(ctx, tx, taskID, dep); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)`, taskID, dep); err != nil {
			return fmt.Errorf("planstore: insert dependency: %w", err)
		}
	}
	return tx.Commit()
}

// cycleCheckSQL walks forward from the proposed dependency target to see if
// it can already reach back to the task being given a new dependency; if it
// can, adding task_id -> dep would close a cycle.
const cycleCheckSQL = `
WITH RECURSIVE reachable(id) AS (
	SELECT depends_on FROM task_dependencies WHERE task_id = ?
	UNION ALL
	SELECT td.depends_on
	FROM task_dependencies td
	JOIN reachable r ON td.task_id = r.id
)
SELECT 1 FROM reachable WHERE id = ? LIMIT 1;`

func ensureNoCycleTx(ctx context.Context, tx *sql.Tx, taskID, dep int64) error {
	var marker int
	err := tx.QueryRowContext(ctx, cycleCheckSQL, dep, taskID).Scan(&marker)
	if err == nil {
		return ErrCycleDetected
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("planstore: cycle check: %w", err)
	}
	return nil
}

// WouldCycleIfReparented reports whether moving task movingID under
// newParentID would create a parent-chain cycle, by checking whether
// newParentID is movingID or a descendant of movingID.
func (s *Store) WouldCycleIfReparented(ctx context.Context, movingID, newParentID int64) (bool, error) {
	if movingID == newParentID {
		return true, nil
	}
	const q = `
	WITH RECURSIVE descendants(id) AS (
		SELECT id FROM tasks WHERE parent_id = ?
		UNION ALL
		SELECT t.id FROM tasks t JOIN descendants d ON t.parent_id = d.id
	)
	SELECT 1 FROM descendants WHERE id = ? LIMIT 1;`
	var marker int
	err := s.db.QueryRowContext(ctx, q, movingID, newParentID).Scan(&marker)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("planstore: reparent cycle check: %w", err)
}

func (s *Store) dependenciesFor(ctx context.Context, taskIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(taskIDs))
	if len(taskIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(taskIDs))
	args := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT task_id, depends_on FROM task_dependencies WHERE task_id IN (` + strings.Join(placeholders, ",") + `) ORDER BY depends_on ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("planstore: query dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, dep int64
		if err := rows.Scan(&taskID, &dep); err != nil {
			return nil, fmt.Errorf("planstore: scan dependency: %w", err)
		}
		out[taskID] = append(out[taskID], dep)
	}
	return out, rows.Err()
}

// ExistingTaskIDs filters candidateIDs down to those that exist as tasks,
// used to drop dangling dependency references per spec's repair-not-reject
// policy.
func (s *Store) ExistingTaskIDs(ctx context.Context, candidateIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(candidateIDs))
	if len(candidateIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(candidateIDs))
	args := make([]any, len(candidateIDs))
	for i, id := range candidateIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT id FROM tasks WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("planstore: existing task ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("planstore: scan id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// ReadyTasks returns tasks that are pending and whose every dependency has
// reached a terminal state (completed, skipped, or failed) — the executor's
// notion of "ready to run". A dependency ending failed still makes the task
// ready rather than ready-to-proceed: the executor's skip sweep
// (HasFailedPrerequisite) is what turns such a task into skipped instead of
// running it, so failed deps must surface here or the task would wait
// forever.
func (s *Store) ReadyTasks(ctx context.Context) ([]Task, error) {
	const q = `SELECT ` + taskColumnsPrefixed + `
		FROM tasks t
		WHERE t.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td
			JOIN tasks dep ON dep.id = td.depends_on
			WHERE td.task_id = t.id
			  AND dep.status NOT IN (?, ?, ?)
		  )
		ORDER BY t.depth ASC, t.position ASC`
	rows, err := s.db.QueryContext(ctx, q, StatusPending, StatusCompleted, StatusSkipped, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("planstore: ready tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	var ids []int64
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("planstore: scan task: %w", err)
		}
		tasks = append(tasks, t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	deps, err := s.dependenciesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = deps[tasks[i].ID]
	}
	return tasks, nil
}

const taskColumnsPrefixed = `t.id, t.parent_id, t.position, t.path, t.depth, t.name, t.instruction, t.metadata_json, t.status,
	t.execution_result_json, t.context_combined, t.context_sections_json, t.context_meta_json, t.context_updated_at,
	t.created_at, t.updated_at`

// HasFailedPrerequisite reports whether any transitive dependency of
// taskID is failed — used by the executor to propagate skipped status.
func (s *Store) HasFailedPrerequisite(ctx context.Context, taskID int64) (bool, error) {
	const q = `
	WITH RECURSIVE prereqs(id) AS (
		SELECT depends_on FROM task_dependencies WHERE task_id = ?
		UNION ALL
		SELECT td.depends_on FROM task_dependencies td JOIN prereqs p ON td.task_id = p.id
	)
	SELECT 1 FROM prereqs p JOIN tasks t ON t.id = p.id WHERE t.status = ? LIMIT 1;`
	var marker int
	err := s.db.QueryRowContext(ctx, q, taskID, StatusFailed).Scan(&marker)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("planstore: check failed prerequisite: %w", err)
}

// ClearAllTasks wipes tasks and dependencies, used by upsert_plan_tree to
// rewrite the whole plan atomically.
func (s *Store) ClearAllTasks(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("planstore: begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies`); err != nil {
		return fmt.Errorf("planstore: clear dependencies: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("planstore: clear tasks: %w", err)
	}
	return tx.Commit()
}

// Snapshot is a row in the snapshots table: a full JSON dump of a PlanTree.
type Snapshot struct {
	ID           int64
	Note         string
	SnapshotJSON string
	CreatedAt    time.Time
}

// CreateSnapshot records a full PlanTree dump.
func (s *Store) CreateSnapshot(ctx context.Context, note, snapshotJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (note, snapshot_json, created_at) VALUES (?, ?, ?)`, note, snapshotJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("planstore: create snapshot: %w", err)
	}
	return res.LastInsertId()
}

// ListSnapshots returns snapshots newest-first.
func (s *Store) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, note, snapshot_json, created_at FROM snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("planstore: list snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var sn Snapshot
		if err := rows.Scan(&sn.ID, &sn.Note, &sn.SnapshotJSON, &sn.CreatedAt); err != nil {
			return nil, fmt.Errorf("planstore: scan snapshot: %w", err)
		}
		out = append(out, sn)
	}
	return out, rows.Err()
}

// SetMeta upserts a plan_meta key/value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("planstore: set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta returns a plan_meta value, or "" if unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM plan_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("planstore: get meta %s: %w", key, err)
	}
	return v, nil
}

// ActionLogEntry is a row in plan_action_logs.
type ActionLogEntry struct {
	ID          int64
	PlanID      sql.NullInt64
	JobID       string
	SessionID   string
	ActionKind  string
	ActionName  string
	Status      string
	Success     bool
	Message     string
	DetailsJSON string
	Sequence    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NextActionLogSequence returns the next monotonic sequence number for a
// job's action log stream.
func (s *Store) NextActionLogSequence(ctx context.Context, jobID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM plan_action_logs WHERE job_id = ?`, jobID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("planstore: next action sequence: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendActionLog inserts an action log entry at the given (already
// reserved) sequence number. Callers must serialize sequence allocation
// per job.
func (s *Store) AppendActionLog(ctx context.Context, e ActionLogEntry) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_action_logs (plan_id, job_id, session_id, action_kind, action_name, status, success,
			message, details_json, sequence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.PlanID, e.JobID, e.SessionID, e.ActionKind, e.ActionName, e.Status, e.Success, e.Message,
		orDefault(e.DetailsJSON, "{}"), e.Sequence, now, now)
	if err != nil {
		return 0, fmt.Errorf("planstore: append action log: %w", err)
	}
	return res.LastInsertId()
}

// ActionLogsForJob returns a job's action log entries in sequence order.
func (s *Store) ActionLogsForJob(ctx context.Context, jobID string) ([]ActionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, job_id, session_id, action_kind, action_name, status, success, message, details_json,
			sequence, created_at, updated_at
		 FROM plan_action_logs WHERE job_id = ? ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("planstore: action logs for job: %w", err)
	}
	defer rows.Close()
	var out []ActionLogEntry
	for rows.Next() {
		var e ActionLogEntry
		if err := rows.Scan(&e.ID, &e.PlanID, &e.JobID, &e.SessionID, &e.ActionKind, &e.ActionName, &e.Status,
			&e.Success, &e.Message, &e.DetailsJSON, &e.Sequence, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("planstore: scan action log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// JobLogEntry is a row in plan_job_logs.
type JobLogEntry struct {
	ID           int64
	JobID        string
	Sequence     int64
	Timestamp    time.Time
	Level        string
	Message      string
	MetadataJSON string
}

// NextJobLogSequence returns the next monotonic sequence number for a job's
// log stream.
func (s *Store) NextJobLogSequence(ctx context.Context, jobID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM plan_job_logs WHERE job_id = ?`, jobID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("planstore: next log sequence: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendJobLog inserts a job log entry at the given (already reserved)
// sequence number.
func (s *Store) AppendJobLog(ctx context.Context, e JobLogEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_job_logs (job_id, sequence, timestamp, level, message, metadata_json) VALUES (?, ?, ?, ?, ?, ?)`,
		e.JobID, e.Sequence, e.Timestamp, e.Level, e.Message, orDefault(e.MetadataJSON, "{}"))
	if err != nil {
		return 0, fmt.Errorf("planstore: append job log: %w", err)
	}
	return res.LastInsertId()
}

// JobLogsSince returns a job's log entries with sequence strictly greater
// than cursor, in sequence order — the basis for SSE reconnection.
func (s *Store) JobLogsSince(ctx context.Context, jobID string, cursor int64) ([]JobLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, sequence, timestamp, level, message, metadata_json
		 FROM plan_job_logs WHERE job_id = ? AND sequence > ? ORDER BY sequence ASC`, jobID, cursor)
	if err != nil {
		return nil, fmt.Errorf("planstore: job logs since: %w", err)
	}
	defer rows.Close()
	var out []JobLogEntry
	for rows.Next() {
		var e JobLogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Sequence, &e.Timestamp, &e.Level, &e.Message, &e.MetadataJSON); err != nil {
			return nil, fmt.Errorf("planstore: scan job log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogsOlderThan deletes job and action log rows older than cutoff,
// then trims each table down to maxRows total if still over budget —
// the retention policy described in spec.md §3's Lifecycles note.
func (s *Store) PruneLogsOlderThan(ctx context.Context, cutoff time.Time, maxRows int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plan_job_logs WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("planstore: prune job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plan_action_logs WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("planstore: prune action logs: %w", err)
	}
	if maxRows <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_job_logs WHERE id NOT IN (SELECT id FROM plan_job_logs ORDER BY id DESC LIMIT ?)`, maxRows); err != nil {
		return fmt.Errorf("planstore: trim job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_action_logs WHERE id NOT IN (SELECT id FROM plan_action_logs ORDER BY id DESC LIMIT ?)`, maxRows); err != nil {
		return fmt.Errorf("planstore: trim action logs: %w", err)
	}
	return nil
}
