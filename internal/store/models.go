// Package store provides the relational persistence layer for all Agor
// entities over sqlite or postgres.
package store

import (
	"encoding/json"
	"time"
)

// Role is a user's daemon-level role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// User is a human account on the control plane.
type User struct {
	UserID               string          `db:"user_id" json:"user_id"`
	Email                string          `db:"email" json:"email"`
	PasswordHash         string          `db:"password_hash" json:"-"`
	Role                 Role            `db:"role" json:"role"`
	UnixUsername         string          `db:"unix_username" json:"unix_username,omitempty"`
	MustChangePassword   bool            `db:"must_change_password" json:"must_change_password"`
	DefaultAgenticConfig json.RawMessage `db:"default_agentic_config" json:"default_agentic_config,omitempty"`
	// EncryptedAPIKeys maps tool name to a sealed API key (see internal/auth).
	EncryptedAPIKeys json.RawMessage `db:"encrypted_api_keys" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Repo is a registered git repository.
type Repo struct {
	RepoID            string          `db:"repo_id" json:"repo_id"`
	Slug              string          `db:"slug" json:"slug"` // org/name, unique
	RemoteURL         string          `db:"remote_url" json:"remote_url"`
	LocalPath         string          `db:"local_path" json:"local_path"`
	DefaultBranch     string          `db:"default_branch" json:"default_branch"`
	UnixGroup         string          `db:"unix_group" json:"unix_group,omitempty"`
	EnvironmentConfig json.RawMessage `db:"environment_config" json:"environment_config,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// RefType identifies what a worktree ref points at.
type RefType string

const (
	RefTypeBranch RefType = "branch"
	RefTypeTag    RefType = "tag"
	RefTypeSHA    RefType = "sha"
)

// FilesystemStatus is the lifecycle state of a worktree on disk.
type FilesystemStatus string

const (
	FilesystemCreating FilesystemStatus = "creating"
	FilesystemReady    FilesystemStatus = "ready"
	FilesystemFailed   FilesystemStatus = "failed"
	FilesystemRemoved  FilesystemStatus = "removed"
)

// OthersCan is the non-owner interaction level for a worktree.
type OthersCan string

const (
	OthersCanNone   OthersCan = "none"
	OthersCanView   OthersCan = "view"
	OthersCanPrompt OthersCan = "prompt"
	OthersCanAll    OthersCan = "all"
)

// FSAccess is the non-owner filesystem access level for a worktree.
type FSAccess string

const (
	FSAccessNone  FSAccess = "none"
	FSAccessRead  FSAccess = "read"
	FSAccessWrite FSAccess = "write"
)

// Worktree is a git working tree derived from a repo.
type Worktree struct {
	WorktreeID          string           `db:"worktree_id" json:"worktree_id"`
	RepoID              string           `db:"repo_id" json:"repo_id"`
	Name                string           `db:"name" json:"name"`
	Ref                 string           `db:"ref" json:"ref"`
	RefType             RefType          `db:"ref_type" json:"ref_type"`
	Path                string           `db:"path" json:"path"`
	BaseRef             string           `db:"base_ref" json:"base_ref,omitempty"`
	NewBranch           bool             `db:"new_branch" json:"new_branch"`
	WorktreeUniqueID    int              `db:"worktree_unique_id" json:"worktree_unique_id"`
	BoardID             string           `db:"board_id" json:"board_id,omitempty"`
	CreatedBy           string           `db:"created_by" json:"created_by"`
	FilesystemStatus    FilesystemStatus `db:"filesystem_status" json:"filesystem_status"`
	FilesystemError     string           `db:"filesystem_error" json:"filesystem_error,omitempty"`
	OthersCan           OthersCan        `db:"others_can" json:"others_can"`
	OthersFSAccess      FSAccess         `db:"others_fs_access" json:"others_fs_access"`
	UnixGroup           string           `db:"unix_group" json:"unix_group,omitempty"`
	EnvironmentInstance json.RawMessage  `db:"environment_instance" json:"environment_instance,omitempty"`
	// ProjectConfig: {allowedTools?} shared by every session on the worktree.
	ProjectConfig json.RawMessage `db:"project_config" json:"project_config,omitempty"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// WorktreeOwner is the (worktree, user) ownership junction.
type WorktreeOwner struct {
	WorktreeID string    `db:"worktree_id" json:"worktree_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Board is a spatial workspace grouping worktrees and notes.
type Board struct {
	BoardID   string    `db:"board_id" json:"board_id"`
	Name      string    `db:"name" json:"name"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BoardObject is a positioned object on a board.
type BoardObject struct {
	ObjectID   string          `db:"object_id" json:"object_id"`
	BoardID    string          `db:"board_id" json:"board_id"`
	ObjectType string          `db:"object_type" json:"object_type"`
	RefID      string          `db:"ref_id" json:"ref_id,omitempty"`
	X          float64         `db:"x" json:"x"`
	Y          float64         `db:"y" json:"y"`
	Data       json.RawMessage `db:"data" json:"data,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// BoardComment is a comment anchored to a board object.
type BoardComment struct {
	CommentID string    `db:"comment_id" json:"comment_id"`
	BoardID   string    `db:"board_id" json:"board_id"`
	ObjectID  string    `db:"object_id" json:"object_id,omitempty"`
	AuthorID  string    `db:"author_id" json:"author_id"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionIdle               SessionStatus = "idle"
	SessionRunning            SessionStatus = "running"
	SessionAwaitingPermission SessionStatus = "awaiting_permission"
	SessionCompleted          SessionStatus = "completed"
	SessionFailed             SessionStatus = "failed"
)

// Session is a long-running conversation with one agent tool against one
// worktree.
type Session struct {
	SessionID    string        `db:"session_id" json:"session_id"`
	WorktreeID   string        `db:"worktree_id" json:"worktree_id"`
	CreatedBy    string        `db:"created_by" json:"created_by"`
	UnixUsername string        `db:"unix_username" json:"unix_username,omitempty"`
	AgenticTool  string        `db:"agentic_tool" json:"agentic_tool"`
	// PermissionConfig: {mode, allowedTools?, codex?:{sandboxMode,approvalPolicy,networkAccess}}
	PermissionConfig    json.RawMessage `db:"permission_config" json:"permission_config,omitempty"`
	ModelConfig         json.RawMessage `db:"model_config" json:"model_config,omitempty"`
	Status              SessionStatus   `db:"status" json:"status"`
	TaskIDs             StringList      `db:"task_ids" json:"tasks"`
	MessageCount        int             `db:"message_count" json:"message_count"`
	ParentSessionID     string          `db:"parent_session_id" json:"parent_session_id,omitempty"`
	ForkedFromSessionID string          `db:"forked_from_session_id" json:"forked_from_session_id,omitempty"`
	CustomContext       json.RawMessage `db:"custom_context" json:"custom_context,omitempty"`
	Archived            bool            `db:"archived" json:"archived"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending             TaskStatus = "pending"
	TaskRunning             TaskStatus = "running"
	TaskAwaitingPermission  TaskStatus = "awaiting_permission"
	TaskCompleted           TaskStatus = "completed"
	TaskFailed              TaskStatus = "failed"
	TaskStopped             TaskStatus = "stopped"
)

// IsTerminal reports whether the status is a terminal task state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskStopped:
		return true
	}
	return false
}

// MessageRange is the contiguous message index range owned by a task.
type MessageRange struct {
	StartIndex int `json:"start_index"`
	EndIndex   int `json:"end_index"`
}

// GitState captures the worktree SHA at task boundaries. Either value may be
// "unknown" or carry a "-dirty" suffix.
type GitState struct {
	ShaAtStart string `json:"sha_at_start,omitempty"`
	ShaAtEnd   string `json:"sha_at_end,omitempty"`
}

// Task is a single agent turn triggered by a prompt.
type Task struct {
	TaskID                string          `db:"task_id" json:"task_id"`
	SessionID             string          `db:"session_id" json:"session_id"`
	Status                TaskStatus      `db:"status" json:"status"`
	FullPrompt            string          `db:"full_prompt" json:"full_prompt"`
	Description           string          `db:"description" json:"description,omitempty"`
	MessageRange          JSONColumn[MessageRange] `db:"message_range" json:"message_range"`
	ToolUseCount          int             `db:"tool_use_count" json:"tool_use_count"`
	Report                string          `db:"report" json:"report,omitempty"`
	GitState              JSONColumn[GitState] `db:"git_state" json:"git_state"`
	RawSDKResponse        RawJSON         `db:"raw_sdk_response" json:"raw_sdk_response,omitempty"`
	NormalizedSDKResponse RawJSON         `db:"normalized_sdk_response" json:"normalized_sdk_response,omitempty"`
	ComputedContextWindow int             `db:"computed_context_window" json:"computed_context_window,omitempty"`
	FailureReason         string          `db:"failure_reason" json:"failure_reason,omitempty"`
	CompletedAt           *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ContentBlock is one ordered block of message content. Type is one of
// "text", "tool_use", "tool_result".
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"id,omitempty"`
	ToolName  string          `json:"name,omitempty"`
	ToolInput json.RawMessage `json:"input,omitempty"`

	// tool_result
	ForToolUseID string          `json:"tool_use_id,omitempty"`
	Result       json.RawMessage `json:"content,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
}

// Message is one entry in a session's conversation.
type Message struct {
	MessageID       string                    `db:"message_id" json:"message_id"`
	SessionID       string                    `db:"session_id" json:"session_id"`
	TaskID          string                    `db:"task_id" json:"task_id"`
	Role            MessageRole               `db:"role" json:"role"`
	Content         JSONColumn[[]ContentBlock] `db:"content" json:"content"`
	ParentToolUseID string                    `db:"parent_tool_use_id" json:"parent_tool_use_id,omitempty"`
	Timestamp       time.Time                 `db:"timestamp" json:"timestamp"`
}

// MCPServer is a registered MCP endpoint.
type MCPServer struct {
	MCPServerID string          `db:"mcp_server_id" json:"mcp_server_id"`
	Name        string          `db:"name" json:"name"`
	Transport   string          `db:"transport" json:"transport"` // stdio | sse | http
	Command     string          `db:"command" json:"command,omitempty"`
	URL         string          `db:"url" json:"url,omitempty"`
	Config      json.RawMessage `db:"config" json:"config,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// SessionMCPServer attaches an MCP server to a session.
type SessionMCPServer struct {
	SessionID   string    `db:"session_id" json:"session_id"`
	MCPServerID string    `db:"mcp_server_id" json:"mcp_server_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// GatewayChannel binds an external chat platform to a worktree.
type GatewayChannel struct {
	ChannelID        string          `db:"channel_id" json:"channel_id"`
	ChannelType      string          `db:"channel_type" json:"channel_type"`
	ChannelKey       string          `db:"channel_key" json:"-"`
	AgorUserID       string          `db:"agor_user_id" json:"agor_user_id"`
	TargetWorktreeID string          `db:"target_worktree_id" json:"target_worktree_id"`
	Enabled          bool            `db:"enabled" json:"enabled"`
	Config           json.RawMessage `db:"config" json:"config,omitempty"` // incl. optional app_token
	AgenticConfig    json.RawMessage `db:"agentic_config" json:"agentic_config,omitempty"`
	LastMessageAt    *time.Time      `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// ThreadSessionMap links one platform thread to one session.
type ThreadSessionMap struct {
	ChannelID     string     `db:"channel_id" json:"channel_id"`
	ThreadID      string     `db:"thread_id" json:"thread_id"`
	SessionID     string     `db:"session_id" json:"session_id"`
	Status        string     `db:"status" json:"status"`
	LastMessageAt *time.Time `db:"last_message_at" json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}
