// Package events provides event types and subjects for the Agor event system.
package events

import "fmt"

// Event types for sessions
const (
	SessionCreated       = "session.created"
	SessionUpdated       = "session.updated"
	SessionStatusChanged = "session.status_changed"
	SessionDeleted       = "session.deleted"
)

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatusChanged = "task.status_changed"
	TaskCompleted     = "task.completed"
	TaskStopped       = "task.stopped"
)

// Event types for worktrees
const (
	WorktreeCreated           = "worktree.created"
	WorktreeUpdated           = "worktree.updated"
	WorktreeFilesystemChanged = "worktree.filesystem_changed"
	WorktreeDeleted           = "worktree.deleted"
)

// Event types for repos
const (
	RepoCreated = "repo.created"
	RepoUpdated = "repo.updated"
	RepoDeleted = "repo.deleted"
)

// Event types for boards
const (
	BoardCreated = "board.created"
	BoardUpdated = "board.updated"
	BoardDeleted = "board.deleted"
)

// Event types for messages
const (
	MessageAdded    = "message.added"
	StreamingChunk  = "message.streaming_chunk"
	ThinkingStarted = "message.thinking_started"
	ThinkingStopped = "message.thinking_stopped"
)

// Event types for permission requests
const (
	PermissionRequested = "permission.requested"
	PermissionDecided   = "permission.decided"
)

// Event types for terminals
const (
	TerminalOpened = "terminal.opened"
	TerminalClosed = "terminal.closed"
)

// Event types for the message gateway
const (
	GatewayMessageReceived = "gateway.message_received"
	GatewayMessageRouted   = "gateway.message_routed"
)

// SessionSubject returns the bus subject for one session's events.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("agor.sessions.%s", sessionID)
}

// SessionWildcard matches events for all sessions.
const SessionWildcard = "agor.sessions.*"

// TaskSubject returns the bus subject for one task's events.
func TaskSubject(taskID string) string {
	return fmt.Sprintf("agor.tasks.%s", taskID)
}

// WorktreeSubject returns the bus subject for one worktree's events.
func WorktreeSubject(worktreeID string) string {
	return fmt.Sprintf("agor.worktrees.%s", worktreeID)
}

// GatewaySubject returns the bus subject for one gateway channel's events.
func GatewaySubject(channelID string) string {
	return fmt.Sprintf("agor.gateway.%s", channelID)
}

// TerminalSubject returns the bus subject for one terminal's events.
func TerminalSubject(terminalID string) string {
	return fmt.Sprintf("agor.terminals.%s", terminalID)
}
