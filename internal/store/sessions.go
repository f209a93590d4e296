package store

import (
	"context"
	"encoding/json"
	"fmt"
)

var sessionColumns = columns(
	"session_id", "worktree_id", "created_by", "agentic_tool", "status",
	"parent_session_id", "forked_from_session_id", "archived",
	"created_at", "updated_at",
)

// CreateSession inserts a session in idle state.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = NewID()
	}
	if sess.Status == "" {
		sess.Status = SessionIdle
	}
	if sess.TaskIDs == nil {
		sess.TaskIDs = StringList{}
	}
	if len(sess.PermissionConfig) == 0 {
		sess.PermissionConfig = json.RawMessage(`{}`)
	}
	if len(sess.ModelConfig) == 0 {
		sess.ModelConfig = json.RawMessage(`{}`)
	}
	if len(sess.CustomContext) == 0 {
		sess.CustomContext = json.RawMessage(`{}`)
	}
	sess.CreatedAt = now()
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.writer().NamedExecContext(ctx, `
		INSERT INTO sessions (session_id, worktree_id, created_by, unix_username,
			agentic_tool, permission_config, model_config, status, task_ids,
			message_count, parent_session_id, forked_from_session_id,
			custom_context, archived, created_at, updated_at)
		VALUES (:session_id, :worktree_id, :created_by, :unix_username,
			:agentic_tool, :permission_config, :model_config, :status, :task_ids,
			:message_count, :parent_session_id, :forked_from_session_id,
			:custom_context, :archived, :created_at, :updated_at)`, sess)
	if isUniqueViolation(err) {
		return fmt.Errorf("session insert conflict: %w", ErrConflict)
	}
	return err
}

// GetSession fetches a session by full ID or short-ID prefix.
func (s *Store) GetSession(ctx context.Context, idOrPrefix string) (*Session, error) {
	id, err := s.resolveID(ctx, "sessions", "session_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := getOne(ctx, s.reader(), &sess, s.reader().Rebind(
		`SELECT * FROM sessions WHERE session_id = ?`), id); err != nil {
		return nil, err
	}
	return &sess, nil
}

// FindSessions lists sessions matching the query. Archived sessions are
// excluded unless the filter names archived explicitly.
func (s *Store) FindSessions(ctx context.Context, q ListQuery) ([]Session, error) {
	if q.Filters == nil {
		q.Filters = map[string]any{}
	}
	if _, ok := q.Filters["archived"]; !ok {
		q.Filters["archived"] = false
	}
	query, args, err := buildList("sessions", sessionColumns, q)
	if err != nil {
		return nil, err
	}
	sessions := []Session{}
	if err := s.reader().SelectContext(ctx, &sessions, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return sessions, nil
}

// PatchSession deep-merges a patch document into a session. Lifecycle and
// genealogy columns only change through their dedicated operations.
func (s *Store) PatchSession(ctx context.Context, idOrPrefix string, patch map[string]any) (*Session, error) {
	sess, err := s.GetSession(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id := sess.SessionID
	worktreeID, createdBy, created := sess.WorktreeID, sess.CreatedBy, sess.CreatedAt
	status, taskIDs, msgCount := sess.Status, sess.TaskIDs, sess.MessageCount
	parent, forked := sess.ParentSessionID, sess.ForkedFromSessionID
	if err := applyPatch(sess, patch); err != nil {
		return nil, err
	}
	sess.SessionID = id
	sess.WorktreeID, sess.CreatedBy, sess.CreatedAt = worktreeID, createdBy, created
	sess.Status, sess.TaskIDs, sess.MessageCount = status, taskIDs, msgCount
	sess.ParentSessionID, sess.ForkedFromSessionID = parent, forked
	sess.UpdatedAt = now()

	if _, err := s.writer().NamedExecContext(ctx, `
		UPDATE sessions SET unix_username = :unix_username,
			agentic_tool = :agentic_tool,
			permission_config = :permission_config, model_config = :model_config,
			custom_context = :custom_context, archived = :archived,
			updated_at = :updated_at
		WHERE session_id = :session_id`, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetSessionStatus transitions a session's lifecycle state.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`),
		status, now(), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionMessageCount adds delta to the persisted message counter
// and returns the new count.
func (s *Store) IncrementSessionMessageCount(ctx context.Context, sessionID string, delta int) (int, error) {
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(
		`SELECT message_count FROM sessions WHERE session_id = ?`), sessionID); err != nil {
		return 0, err
	}
	count += delta
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET message_count = ?, updated_at = ? WHERE session_id = ?`),
		count, now(), sessionID); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// ListSessionsByStatus returns sessions currently in any of the given states.
// Used by the startup sweep to find work orphaned by a daemon crash.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	if len(statuses) == 0 {
		return []Session{}, nil
	}
	args := make([]any, len(statuses))
	placeholders := ""
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = st
	}
	sessions := []Session{}
	err := s.reader().SelectContext(ctx, &sessions, s.reader().Rebind(
		`SELECT * FROM sessions WHERE status IN (`+placeholders+`)`), args...)
	return sessions, err
}

// RemoveSession deletes a session and cascades to its tasks and messages.
func (s *Store) RemoveSession(ctx context.Context, idOrPrefix string) error {
	id, err := s.resolveID(ctx, "sessions", "session_id", idOrPrefix)
	if err != nil {
		return err
	}
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(
		`DELETE FROM sessions WHERE session_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachSessionMCPServer links an MCP server to a session. Re-attaching is a
// no-op.
func (s *Store) AttachSessionMCPServer(ctx context.Context, sessionID, mcpServerID string) error {
	_, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		INSERT INTO session_mcp_servers (session_id, mcp_server_id, created_at)
		VALUES (?, ?, ?)`), sessionID, mcpServerID, now())
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// ListSessionMCPServers returns the MCP servers attached to a session.
func (s *Store) ListSessionMCPServers(ctx context.Context, sessionID string) ([]MCPServer, error) {
	servers := []MCPServer{}
	err := s.reader().SelectContext(ctx, &servers, s.reader().Rebind(`
		SELECT m.* FROM mcp_servers m
		JOIN session_mcp_servers sm ON sm.mcp_server_id = m.mcp_server_id
		WHERE sm.session_id = ?
		ORDER BY sm.created_at`), sessionID)
	return servers, err
}
