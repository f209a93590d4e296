package store

import (
	"context"
	"fmt"
)

var taskColumns = columns(
	"task_id", "session_id", "status", "created_at", "updated_at", "completed_at",
)

// CreateTask inserts a task and appends it to the session's task list in one
// transaction.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.TaskID == "" {
		t.TaskID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO tasks (task_id, session_id, status, full_prompt, description,
			message_range, tool_use_count, report, git_state, raw_sdk_response,
			normalized_sdk_response, computed_context_window, failure_reason,
			completed_at, created_at, updated_at)
		VALUES (:task_id, :session_id, :status, :full_prompt, :description,
			:message_range, :tool_use_count, :report, :git_state, :raw_sdk_response,
			:normalized_sdk_response, :computed_context_window, :failure_reason,
			:completed_at, :created_at, :updated_at)`, t); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("task insert conflict: %w", ErrConflict)
		}
		return err
	}

	var taskIDs StringList
	if err := tx.GetContext(ctx, &taskIDs, tx.Rebind(
		`SELECT task_ids FROM sessions WHERE session_id = ?`), t.SessionID); err != nil {
		return err
	}
	taskIDs = append(taskIDs, t.TaskID)
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET task_ids = ?, updated_at = ? WHERE session_id = ?`),
		taskIDs, t.CreatedAt, t.SessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTask fetches a task by full ID or short-ID prefix.
func (s *Store) GetTask(ctx context.Context, idOrPrefix string) (*Task, error) {
	id, err := s.resolveID(ctx, "tasks", "task_id", idOrPrefix)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := getOne(ctx, s.reader(), &t, s.reader().Rebind(
		`SELECT * FROM tasks WHERE task_id = ?`), id); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTasks lists tasks matching the query.
func (s *Store) FindTasks(ctx context.Context, q ListQuery) ([]Task, error) {
	query, args, err := buildList("tasks", taskColumns, q)
	if err != nil {
		return nil, err
	}
	tasks := []Task{}
	if err := s.reader().SelectContext(ctx, &tasks, s.reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetActiveTask returns the session's non-terminal task, or ErrNotFound when
// the session is quiescent. At most one task per session is ever active.
func (s *Store) GetActiveTask(ctx context.Context, sessionID string) (*Task, error) {
	var t Task
	if err := getOne(ctx, s.reader(), &t, s.reader().Rebind(`
		SELECT * FROM tasks
		WHERE session_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`),
		sessionID, TaskPending, TaskRunning, TaskAwaitingPermission); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasksByStatus returns tasks in any of the given states across all
// sessions, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]Task, error) {
	if len(statuses) == 0 {
		return []Task{}, nil
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
	tasks := []Task{}
	err := s.reader().SelectContext(ctx, &tasks, s.reader().Rebind(
		`SELECT * FROM tasks WHERE status IN (`+placeholders+`) ORDER BY created_at`), args...)
	return tasks, err
}

// PatchTask deep-merges a patch document into a task. Identity and session
// binding are fixed at creation.
func (s *Store) PatchTask(ctx context.Context, idOrPrefix string, patch map[string]any) (*Task, error) {
	t, err := s.GetTask(ctx, idOrPrefix)
	if err != nil {
		return nil, err
	}
	id, sessionID, created := t.TaskID, t.SessionID, t.CreatedAt
	if err := applyPatch(t, patch); err != nil {
		return nil, err
	}
	t.TaskID, t.SessionID, t.CreatedAt = id, sessionID, created
	t.UpdatedAt = now()

	if err := s.updateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask persists all mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = now()
	return s.updateTask(ctx, t)
}

func (s *Store) updateTask(ctx context.Context, t *Task) error {
	res, err := s.writer().NamedExecContext(ctx, `
		UPDATE tasks SET status = :status, full_prompt = :full_prompt,
			description = :description, message_range = :message_range,
			tool_use_count = :tool_use_count, report = :report,
			git_state = :git_state, raw_sdk_response = :raw_sdk_response,
			normalized_sdk_response = :normalized_sdk_response,
			computed_context_window = :computed_context_window,
			failure_reason = :failure_reason, completed_at = :completed_at,
			updated_at = :updated_at
		WHERE task_id = :task_id`, t)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTask moves a task to a terminal state and stamps completion time.
func (s *Store) CompleteTask(ctx context.Context, taskID string, status TaskStatus, failureReason string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	completedAt := now()
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
		WHERE task_id = ?`), status, failureReason, completedAt, completedAt, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus transitions a non-terminal task state.
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(`
		UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`),
		status, now(), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
