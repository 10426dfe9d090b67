// Package regstore is the main registry store: plans, chat sessions,
// chat messages, and the index of jobs across all plans.
package regstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("regstore: not found")

const pragmas = `?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)`

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	plan_db_path TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	plan_id INTEGER,
	name TEXT NOT NULL DEFAULT '',
	name_source TEXT NOT NULL DEFAULT 'default',
	is_user_named BOOLEAN NOT NULL DEFAULT 0,
	is_active BOOLEAN NOT NULL DEFAULT 1,
	settings_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	last_message_at DATETIME
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, id);

CREATE TABLE IF NOT EXISTS plan_job_index (
	job_id TEXT PRIMARY KEY,
	plan_id INTEGER,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);
`

const currentSchemaVersion = 1

// Store wraps the registry SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the registry database at dbPath,
// applying idempotent schema creation and forward-only migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("regstore: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("regstore: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("regstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate runs forward-only schema migrations. New migrations append to this
// function rather than editing the base schema, so existing databases never
// see a destructive ALTER.
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

// DB exposes the underlying handle for packages that need cross-table
// transactions the store does not itself provide a method for.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Plan is a row in the main registry's plans table.
type Plan struct {
	ID           int64
	Title        string
	Description  string
	MetadataJSON string
	PlanDBPath   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreatePlan inserts a new plan row and returns its assigned id.
func (s *Store) CreatePlan(ctx context.Context, title, description, metadataJSON, planDBPath string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (title, description, metadata_json, plan_db_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		title, description, metadataJSON, planDBPath, now, now)
	if err != nil {
		return 0, fmt.Errorf("regstore: create plan: %w", err)
	}
	return res.LastInsertId()
}

// GetPlan returns a single plan row by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, metadata_json, plan_db_path, created_at, updated_at FROM plans WHERE id = ?`, id)
	var p Plan
	if err := row.Scan(&p.ID, &p.Title, &p.Description, &p.MetadataJSON, &p.PlanDBPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Plan{}, ErrNotFound
		}
		return Plan{}, fmt.Errorf("regstore: get plan %d: %w", id, err)
	}
	return p, nil
}

// ListPlans returns all plans ordered by id ascending.
func (s *Store) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, metadata_json, plan_db_path, created_at, updated_at FROM plans ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("regstore: list plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.MetadataJSON, &p.PlanDBPath, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("regstore: scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdatePlanMetadata rewrites a plan's title, description, and metadata.
func (s *Store) UpdatePlanMetadata(ctx context.Context, id int64, title, description, metadataJSON string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET title = ?, description = ?, metadata_json = ?, updated_at = ? WHERE id = ?`,
		title, description, metadataJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("regstore: update plan %d: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

// DeletePlan removes a plan's registry row. The caller is responsible for
// removing the per-plan storage file; registry deletion does not touch disk.
func (s *Store) DeletePlan(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("regstore: delete plan %d: %w", id, err)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("regstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Session is a row in chat_sessions.
type Session struct {
	ID            string
	PlanID        sql.NullInt64
	Name          string
	NameSource    string
	IsUserNamed   bool
	IsActive      bool
	SettingsJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt sql.NullTime
}

// CreateSessionIfMissing inserts a session row with default values if one
// with this id doesn't already exist. Sessions are created implicitly on a
// new id's first message.
func (s *Store) CreateSessionIfMissing(ctx context.Context, id string) (Session, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, name, name_source, is_user_named, is_active, settings_json, created_at, updated_at)
		 VALUES (?, '', 'default', 0, 1, '{}', ?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, now, now)
	if err != nil {
		return Session{}, fmt.Errorf("regstore: create session %s: %w", id, err)
	}
	return s.GetSession(ctx, id)
}

// GetSession returns a single chat session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, plan_id, name, name_source, is_user_named, is_active, settings_json, created_at, updated_at, last_message_at
		 FROM chat_sessions WHERE id = ?`, id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.PlanID, &sess.Name, &sess.NameSource, &sess.IsUserNamed, &sess.IsActive,
		&sess.SettingsJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastMessageAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("regstore: get session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most recently updated, optionally
// filtered to active-only, with pagination.
func (s *Store) ListSessions(ctx context.Context, limit, offset int, activeOnly bool) ([]Session, error) {
	query := `SELECT id, plan_id, name, name_source, is_user_named, is_active, settings_json, created_at, updated_at, last_message_at
		FROM chat_sessions`
	args := []any{}
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("regstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.PlanID, &sess.Name, &sess.NameSource, &sess.IsUserNamed, &sess.IsActive,
			&sess.SettingsJSON, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastMessageAt); err != nil {
			return nil, fmt.Errorf("regstore: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// BindSessionToPlan sets a session's bound plan id.
func (s *Store) BindSessionToPlan(ctx context.Context, sessionID string, planID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET plan_id = ?, updated_at = ? WHERE id = ?`, planID, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("regstore: bind session %s: %w", sessionID, err)
	}
	return checkRowsAffectedStr(res, sessionID)
}

// UnbindSessionPlan clears a session's bound plan id, used after delete_plan
// removes the plan it was pointing at.
func (s *Store) UnbindSessionPlan(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET plan_id = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("regstore: unbind session %s: %w", sessionID, err)
	}
	return checkRowsAffectedStr(res, sessionID)
}

// SessionPatch is a partial update for UpdateSession (name/activity/settings).
// A nil or empty Name leaves the name untouched; setting a non-empty name
// marks is_user_named sticky per spec.
type SessionPatch struct {
	Name         *string
	IsActive     *bool
	SettingsJSON *string
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch SessionPatch) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	name := sess.Name
	isUserNamed := sess.IsUserNamed
	nameSource := sess.NameSource
	if patch.Name != nil && *patch.Name != "" {
		name = *patch.Name
		isUserNamed = true
		nameSource = "user"
	}
	isActive := sess.IsActive
	if patch.IsActive != nil {
		isActive = *patch.IsActive
	}
	settings := sess.SettingsJSON
	if patch.SettingsJSON != nil {
		settings = *patch.SettingsJSON
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET name = ?, name_source = ?, is_user_named = ?, is_active = ?, settings_json = ?, updated_at = ?
		 WHERE id = ?`, name, nameSource, isUserNamed, isActive, settings, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("regstore: update session %s: %w", id, err)
	}
	return nil
}

// SetSessionName sets the session's name and name_source without touching
// is_user_named — used by the auto-title background task, which must never
// override a user-given name (enforced by the caller checking IsUserNamed
// first).
func (s *Store) SetSessionName(ctx context.Context, id, name, nameSource string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET name = ?, name_source = ?, updated_at = ? WHERE id = ?`,
		name, nameSource, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("regstore: set session name %s: %w", id, err)
	}
	return checkRowsAffectedStr(res, id)
}

// DeleteSession hard-deletes a session and cascades to its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("regstore: delete session %s: %w", id, err)
	}
	return checkRowsAffectedStr(res, id)
}

// ArchiveSession soft-deletes a session by marking it inactive.
func (s *Store) ArchiveSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET is_active = 0, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("regstore: archive session %s: %w", id, err)
	}
	return checkRowsAffectedStr(res, id)
}

func (s *Store) TouchSessionActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("regstore: touch session %s: %w", id, err)
	}
	return nil
}

// Message is a row in chat_messages.
type Message struct {
	ID           int64
	SessionID    string
	Role         string
	Content      string
	MetadataJSON string
	CreatedAt    time.Time
}

// AppendMessage appends a message to a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content, metadataJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, role, content, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, role, content, metadataJSON, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("regstore: append message: %w", err)
	}
	return res.LastInsertId()
}

// ListMessages returns the most recent limit messages for a session in
// ascending chronological order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata_json, created_at FROM (
			SELECT id, session_id, role, content, metadata_json, created_at
			FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("regstore: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.MetadataJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("regstore: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountUserMessages returns how many user-role messages a session has, used
// by the auto-title heuristic.
func (s *Store) CountUserMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ? AND role = 'user'`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("regstore: count user messages: %w", err)
	}
	return n, nil
}

// JobIndexEntry is a row in plan_job_index, used to route a job lookup to
// the correct per-plan or shared job-log store without opening every file.
type JobIndexEntry struct {
	JobID      string
	PlanID     sql.NullInt64
	JobType    string
	Status     string
	CreatedAt  time.Time
	FinishedAt sql.NullTime
}

// IndexJob records a new job's routing entry.
func (s *Store) IndexJob(ctx context.Context, jobID string, planID *int64, jobType, status string) error {
	var pid sql.NullInt64
	if planID != nil {
		pid = sql.NullInt64{Int64: *planID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_job_index (job_id, plan_id, job_type, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, pid, jobType, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("regstore: index job %s: %w", jobID, err)
	}
	return nil
}

// UpdateJobIndexStatus updates a job's routing status, setting finished_at
// when the status is terminal.
func (s *Store) UpdateJobIndexStatus(ctx context.Context, jobID, status string, terminal bool) error {
	if terminal {
		_, err := s.db.ExecContext(ctx,
			`UPDATE plan_job_index SET status = ?, finished_at = ? WHERE job_id = ?`, status, time.Now().UTC(), jobID)
		if err != nil {
			return fmt.Errorf("regstore: update job index %s: %w", jobID, err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE plan_job_index SET status = ? WHERE job_id = ?`, status, jobID)
	if err != nil {
		return fmt.Errorf("regstore: update job index %s: %w", jobID, err)
	}
	return nil
}

// GetJobIndexEntry returns the routing entry for a job id.
func (s *Store) GetJobIndexEntry(ctx context.Context, jobID string) (JobIndexEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, plan_id, job_type, status, created_at, finished_at FROM plan_job_index WHERE job_id = ?`, jobID)
	var e JobIndexEntry
	if err := row.Scan(&e.JobID, &e.PlanID, &e.JobType, &e.Status, &e.CreatedAt, &e.FinishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JobIndexEntry{}, ErrNotFound
		}
		return JobIndexEntry{}, fmt.Errorf("regstore: get job index %s: %w", jobID, err)
	}
	return e, nil
}

func checkRowsAffectedStr(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("regstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
