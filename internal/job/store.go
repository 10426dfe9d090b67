// Package job implements the Job Manager: an asynchronous job registry with
// structured action/log streams, SSE fan-out, and retention cleanup.
//
// Job rows and their log streams live in one sqlite file (the "system jobs
// store"), independent of any single plan's per-plan file: a job started
// against plan P must still be queryable and resumable if plan P's file gets
// evicted from the planfiles cache mid-run. Schema mirrors the per-plan
// plan_action_logs/plan_job_logs tables (see internal/planstore) but with
// plan_id nullable, per spec's "shared system-jobs store" persistence note.
package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("job: not found")

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	job_type         TEXT NOT NULL,
	plan_id          INTEGER,
	target_task_id   INTEGER,
	session_id       TEXT,
	parameters_json  TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'pending',
	result_json      TEXT NOT NULL DEFAULT '{}',
	stats_json       TEXT NOT NULL DEFAULT '{}',
	error_message    TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at      DATETIME
);

CREATE TABLE IF NOT EXISTS plan_job_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id       TEXT NOT NULL,
	sequence     INTEGER NOT NULL,
	timestamp    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	level        TEXT NOT NULL,
	message      TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_plan_job_logs_job_seq ON plan_job_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS plan_action_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id       INTEGER,
	job_id        TEXT NOT NULL,
	session_id    TEXT,
	action_kind   TEXT NOT NULL,
	action_name   TEXT NOT NULL,
	status        TEXT NOT NULL,
	success       BOOLEAN,
	message       TEXT NOT NULL DEFAULT '',
	details_json  TEXT NOT NULL DEFAULT '{}',
	sequence      INTEGER NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_plan_action_logs_job_seq ON plan_action_logs(job_id, sequence);

CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const currentSchemaVersion = 1

// Store persists job rows and their log/action-log streams.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the jobs sqlite file.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("job: open %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("job: create schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("job: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, currentSchemaVersion)
		return err
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Record is the full persisted state of a job.
type Record struct {
	ID             string
	JobType        string
	PlanID         sql.NullInt64
	TargetTaskID   sql.NullInt64
	SessionID      sql.NullString
	ParametersJSON string
	Status         string
	ResultJSON     string
	StatsJSON      string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     sql.NullTime
}

const recordColumns = `id, job_type, plan_id, target_task_id, session_id, parameters_json, status, result_json, stats_json, error_message, created_at, updated_at, finished_at`

func scanRecord(row interface {
	Scan(dest ...any) error
}) (Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.JobType, &r.PlanID, &r.TargetTaskID, &r.SessionID, &r.ParametersJSON,
		&r.Status, &r.ResultJSON, &r.StatsJSON, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt)
	return r, err
}

// CreateParams are the caller-supplied fields for a new job.
type CreateParams struct {
	ID             string
	JobType        string
	PlanID         *int64
	TargetTaskID   *int64
	SessionID      string
	ParametersJSON string
}

// Insert persists a new job row in status "pending".
func (s *Store) Insert(ctx context.Context, p CreateParams) error {
	params := p.ParametersJSON
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, job_type, plan_id, target_task_id, session_id, parameters_json, status)
		VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		p.ID, p.JobType, nullInt(p.PlanID), nullInt(p.TargetTaskID), nullStr(p.SessionID), params)
	if err != nil {
		return fmt.Errorf("job: insert: %w", err)
	}
	return nil
}

// Get returns the full job record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("job: get %s: %w", id, err)
	}
	return r, nil
}

// UpdateStatus transitions a job's status, optionally setting result/stats/
// error and finished_at (when terminal).
func (s *Store) UpdateStatus(ctx context.Context, id, status string, resultJSON, statsJSON, errMsg string, terminal bool) error {
	var res sql.Result
	var err error
	if terminal {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, result_json = COALESCE(NULLIF(?, ''), result_json),
				stats_json = COALESCE(NULLIF(?, ''), stats_json), error_message = ?,
				finished_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`, status, resultJSON, statsJSON, errMsg, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("job: update status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LogEvent is one entry in a job's log stream.
type LogEvent struct {
	Sequence     int64
	Timestamp    time.Time
	Level        string
	Message      string
	MetadataJSON string
}

// NextLogSequence returns the next sequence number for job_id's log stream.
func (s *Store) NextLogSequence(ctx context.Context, jobID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM plan_job_logs WHERE job_id = ?`, jobID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendLog persists one log entry at the given (caller-reserved) sequence.
func (s *Store) AppendLog(ctx context.Context, jobID string, sequence int64, level, message, metadataJSON string) error {
	if metadataJSON == "" {
		metadataJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_job_logs(job_id, sequence, level, message, metadata_json) VALUES (?, ?, ?, ?, ?)`,
		jobID, sequence, level, message, metadataJSON)
	return err
}

// LogsSince returns log entries for job_id with sequence > cursor, ascending.
func (s *Store) LogsSince(ctx context.Context, jobID string, cursor int64) ([]LogEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, timestamp, level, message, metadata_json FROM plan_job_logs
		WHERE job_id = ? AND sequence > ? ORDER BY sequence ASC`, jobID, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEvent
	for rows.Next() {
		var e LogEvent
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.Level, &e.Message, &e.MetadataJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActionLogEvent is one entry in a job's action-log stream.
type ActionLogEvent struct {
	Sequence    int64
	ActionKind  string
	ActionName  string
	Status      string
	Success     sql.NullBool
	Message     string
	DetailsJSON string
	CreatedAt   time.Time
}

// NextActionLogSequence returns the next sequence number for job_id's
// action-log stream.
func (s *Store) NextActionLogSequence(ctx context.Context, jobID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM plan_action_logs WHERE job_id = ?`, jobID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// AppendActionLog persists one action-log entry. details must already be
// redacted by the caller (see internal/redact).
func (s *Store) AppendActionLog(ctx context.Context, planID *int64, jobID, sessionID string, sequence int64, kind, name, status string, success *bool, message, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_action_logs(plan_id, job_id, session_id, action_kind, action_name, status, success, message, details_json, sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(planID), jobID, nullStr(sessionID), kind, name, status, nullBool(success), message, detailsJSON, sequence)
	return err
}

// ActionLogsForJob returns a job's action-log stream in sequence order.
func (s *Store) ActionLogsForJob(ctx context.Context, jobID string) ([]ActionLogEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, action_kind, action_name, status, success, message, details_json, created_at
		FROM plan_action_logs WHERE job_id = ? ORDER BY sequence ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionLogEvent
	for rows.Next() {
		var e ActionLogEvent
		if err := rows.Scan(&e.Sequence, &e.ActionKind, &e.ActionName, &e.Status, &e.Success, &e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes terminal jobs (and their logs) older than cutoff,
// then trims remaining log rows to maxRows per table, enforcing retention.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time, maxRows int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM plan_job_logs WHERE job_id NOT IN (SELECT id FROM jobs)`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM plan_action_logs WHERE job_id NOT IN (SELECT id FROM jobs)`); err != nil {
		return err
	}
	if maxRows > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM plan_job_logs WHERE id NOT IN (SELECT id FROM plan_job_logs ORDER BY id DESC LIMIT ?)`, maxRows); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM plan_action_logs WHERE id NOT IN (SELECT id FROM plan_action_logs ORDER BY id DESC LIMIT ?)`, maxRows); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}
