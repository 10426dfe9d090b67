// Package session implements the Session Store (C7): thin CRUD over chat
// session metadata and message history, serialised per session id by the
// underlying registry.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestrator-ai/planner/internal/regstore"
)

// Name provenance values, per spec.md's ChatSession definition.
const (
	NameSourceDefault   = "default"
	NameSourcePlan      = "plan"
	NameSourceHeuristic = "heuristic"
	NameSourceUser      = "user"
)

// Session is the domain projection of a chat session row, with nullable
// registry columns resolved into plain Go types.
type Session struct {
	ID            string
	PlanID        *int64
	Name          string
	NameSource    string
	IsUserNamed   bool
	IsActive      bool
	SettingsJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt *time.Time
}

// Message is the domain projection of a chat message row.
type Message struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Metadata  string
	CreatedAt time.Time
}

// Store wraps the main registry's session/message operations.
type Store struct {
	registry *regstore.Store
}

// New builds a Store over an already-open registry.
func New(registry *regstore.Store) *Store {
	return &Store{registry: registry}
}

func fromRegSession(s regstore.Session) Session {
	out := Session{
		ID:           s.ID,
		Name:         s.Name,
		NameSource:   s.NameSource,
		IsUserNamed:  s.IsUserNamed,
		IsActive:     s.IsActive,
		SettingsJSON: s.SettingsJSON,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	if s.PlanID.Valid {
		id := s.PlanID.Int64
		out.PlanID = &id
	}
	if s.LastMessageAt.Valid {
		t := s.LastMessageAt.Time
		out.LastMessageAt = &t
	}
	return out
}

func fromRegMessage(m regstore.Message) Message {
	return Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Metadata:  m.MetadataJSON,
		CreatedAt: m.CreatedAt,
	}
}

// GetOrCreate returns the session for id, creating it with default values if
// this is its first appearance.
func (st *Store) GetOrCreate(ctx context.Context, id string) (Session, error) {
	s, err := st.registry.CreateSessionIfMissing(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("session: get or create %s: %w", id, err)
	}
	return fromRegSession(s), nil
}

// Get returns a session by id.
func (st *Store) Get(ctx context.Context, id string) (Session, error) {
	s, err := st.registry.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return fromRegSession(s), nil
}

// List returns sessions ordered by most recently updated.
func (st *Store) List(ctx context.Context, limit, offset int, activeOnly bool) ([]Session, error) {
	rows, err := st.registry.ListSessions(ctx, limit, offset, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]Session, len(rows))
	for i, r := range rows {
		out[i] = fromRegSession(r)
	}
	return out, nil
}

// BindToPlan binds a session to planID, e.g. on a successful create_plan
// action.
func (st *Store) BindToPlan(ctx context.Context, sessionID string, planID int64) error {
	return st.registry.BindSessionToPlan(ctx, sessionID, planID)
}

// UnbindPlan clears a session's bound plan id, e.g. after delete_plan.
func (st *Store) UnbindPlan(ctx context.Context, sessionID string) error {
	return st.registry.UnbindSessionPlan(ctx, sessionID)
}

// Rename sets a user-given name. This is the only path that marks
// is_user_named, per the sticky-name invariant: once a user has named a
// session, automatic naming (plan-derived or LLM heuristic) must never
// overwrite it again.
func (st *Store) Rename(ctx context.Context, sessionID, name string) error {
	n := name
	return st.registry.UpdateSession(ctx, sessionID, regstore.SessionPatch{Name: &n})
}

// AutoTitle sets a non-sticky name from the given source (plan|heuristic).
// Callers must check IsUserNamed before calling this, since it never
// overrides a user-given name itself at the storage layer — the check is
// the caller's responsibility so the decision (skip vs overwrite) is visible
// at the call site rather than silently swallowed here.
func (st *Store) AutoTitle(ctx context.Context, sessionID, name, source string) error {
	return st.registry.SetSessionName(ctx, sessionID, name, source)
}

// SetActive flips a session's active flag.
func (st *Store) SetActive(ctx context.Context, sessionID string, active bool) error {
	return st.registry.UpdateSession(ctx, sessionID, regstore.SessionPatch{IsActive: &active})
}

// SetSettings replaces a session's free-form settings JSON (e.g. default
// search provider).
func (st *Store) SetSettings(ctx context.Context, sessionID, settingsJSON string) error {
	return st.registry.UpdateSession(ctx, sessionID, regstore.SessionPatch{SettingsJSON: &settingsJSON})
}

// Archive soft-deletes a session (marks it inactive, keeps its history).
func (st *Store) Archive(ctx context.Context, sessionID string) error {
	return st.registry.ArchiveSession(ctx, sessionID)
}

// Delete hard-deletes a session and its message history.
func (st *Store) Delete(ctx context.Context, sessionID string) error {
	return st.registry.DeleteSession(ctx, sessionID)
}

// AppendMessage records one turn of history and bumps the session's
// activity timestamp.
func (st *Store) AppendMessage(ctx context.Context, sessionID, role, content, metadataJSON string) (int64, error) {
	id, err := st.registry.AppendMessage(ctx, sessionID, role, content, metadataJSON)
	if err != nil {
		return 0, err
	}
	if err := st.registry.TouchSessionActivity(ctx, sessionID); err != nil {
		return id, err
	}
	return id, nil
}

// RecentMessages returns the most recent limit messages in chronological
// order, for prompt assembly's "optional history" input.
func (st *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := st.registry.ListMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = fromRegMessage(r)
	}
	return out, nil
}

// UserMessageCount returns how many user-role messages the session has,
// used by the auto-title "sufficient user messages exist" heuristic.
func (st *Store) UserMessageCount(ctx context.Context, sessionID string) (int, error) {
	return st.registry.CountUserMessages(ctx, sessionID)
}
