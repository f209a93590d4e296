package store

import (
	"context"
	"fmt"
)

var messageColumns = columns(
	"message_id", "session_id", "task_id", "role", "timestamp",
)

// AppendMessage inserts a message and bumps the session's message counter.
// Returns the zero-based index the message was assigned in the conversation.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (int, error) {
	if m.MessageID == "" {
		m.MessageID = NewID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now()
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(
		`SELECT message_count FROM sessions WHERE session_id = ?`), m.SessionID); err != nil {
		return 0, err
	}

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO messages (message_id, session_id, task_id, role, content,
			parent_tool_use_id, timestamp)
		VALUES (:message_id, :session_id, :task_id, :role, :content,
			:parent_tool_use_id, :timestamp)`, m); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("message insert conflict: %w", ErrConflict)
		}
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET message_count = ?, updated_at = ? WHERE session_id = ?`),
		count+1, now(), m.SessionID); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// GetMessage fetches a message by full ID or short-ID prefix.
func (s *Store) GetMessage(ctx context.Context, idOrPrefix string) (*Message, error) {
	id, err := s.resolveID(ctx, "messages", "message_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := getOne(ctx, s.reader(), &m, s.reader().Rebind(
		`SELECT * FROM messages WHERE message_id = ?`), id); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessages lists messages matching the query, oldest first by default.
func (s *Store) FindMessages(ctx context.Context, q ListQuery) ([]Message, error) {
	if len(q.Sort) == 0 {
		q.Sort = []SortField{{Field: "timestamp"}}
	}
	query, args, err := buildList("messages", messageColumns, q)
	if err != nil {
		return nil, err
	}
	messages := []Message{}
	if err := s.reader().SelectContext(ctx, &messages, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return messages, nil
}

// ListSessionMessages returns a session's full conversation in order.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	messages := []Message{}
	err := s.reader().SelectContext(ctx, &messages, s.reader().Rebind(`
		SELECT * FROM messages WHERE session_id = ? ORDER BY timestamp, message_id`),
		sessionID)
	return messages, err
}

// ListTaskMessages returns the messages recorded during one task, in order.
func (s *Store) ListTaskMessages(ctx context.Context, taskID string) ([]Message, error) {
	messages := []Message{}
	err := s.reader().SelectContext(ctx, &messages, s.reader().Rebind(`
		SELECT * FROM messages WHERE task_id = ? ORDER BY timestamp, message_id`),
		taskID)
	return messages, err
}

// CopySessionMessages duplicates the source session's conversation into the
// destination session with fresh message IDs. Used by session forking.
func (s *Store) CopySessionMessages(ctx context.Context, srcSessionID, dstSessionID string) (int, error) {
	src, err := s.ListSessionMessages(ctx, srcSessionID)
	if err != nil {
		return 0, err
	}
	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for i := range src {
		m := src[i]
		m.MessageID = NewID()
		m.SessionID = dstSessionID
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (message_id, session_id, task_id, role, content,
				parent_tool_use_id, timestamp)
			VALUES (:message_id, :session_id, :task_id, :role, :content,
				:parent_tool_use_id, :timestamp)`, &m); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET message_count = ?, updated_at = ? WHERE session_id = ?`),
		len(src), now(), dstSessionID); err != nil {
		return 0, err
	}
	return len(src), tx.Commit()
}
