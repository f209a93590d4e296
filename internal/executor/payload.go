// Package executor defines the daemon/executor subprocess contract: the
// stdin payload union, the stdout result envelope, and the spawner that
// launches executors under the configured Unix identity.
package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command identifies one executor action. The set is closed; unknown
// commands are rejected at decode time.
type Command string

const (
	CommandPrompt         Command = "prompt"
	CommandGitClone       Command = "git.clone"
	CommandWorktreeAdd    Command = "git.worktree.add"
	CommandWorktreeRemove Command = "git.worktree.remove"
	CommandWorktreeClean  Command = "git.worktree.clean"
	CommandSyncWorktree   Command = "unix.sync-worktree"
	CommandSyncRepo       Command = "unix.sync-repo"
	CommandSyncUser       Command = "unix.sync-user"
	CommandZellijAttach   Command = "zellij.attach"
	CommandZellijTab      Command = "zellij.tab"
)

var knownCommands = map[Command]bool{
	CommandPrompt:         true,
	CommandGitClone:       true,
	CommandWorktreeAdd:    true,
	CommandWorktreeRemove: true,
	CommandWorktreeClean:  true,
	CommandSyncWorktree:   true,
	CommandSyncRepo:       true,
	CommandSyncUser:       true,
	CommandZellijAttach:   true,
	CommandZellijTab:      true,
}

// Payload is the envelope written to the executor's stdin. Impersonation is
// never part of the payload; the daemon picks the Unix user at spawn time.
type Payload struct {
	Command      Command           `json:"command"`
	SessionToken string            `json:"sessionToken"`
	DaemonURL    string            `json:"daemonUrl,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	DataHome     string            `json:"dataHome,omitempty"`
	Params       json.RawMessage   `json:"params"`
}

// PromptParams drives a single agent turn.
type PromptParams struct {
	TaskID         string `json:"taskId"`
	SessionID      string `json:"sessionId"`
	Tool           string `json:"tool"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd"`
	PermissionMode string `json:"permissionMode"`
	ResumeToken    string `json:"resumeToken,omitempty"`
}

// GitCloneParams clones and registers a repository.
type GitCloneParams struct {
	RepoID    string `json:"repoId"`
	RemoteURL string `json:"remoteUrl"`
	LocalPath string `json:"localPath"`
}

// WorktreeAddParams creates a git worktree and applies its Unix state.
type WorktreeAddParams struct {
	WorktreeID    string `json:"worktreeId"`
	RepoID        string `json:"repoId"`
	RepoPath      string `json:"repoPath"`
	WorktreeName  string `json:"worktreeName"`
	WorktreePath  string `json:"worktreePath"`
	Branch        string `json:"branch,omitempty"`
	SourceBranch  string `json:"sourceBranch,omitempty"`
	CreateBranch  bool   `json:"createBranch,omitempty"`
	InitUnixGroup bool   `json:"initUnixGroup,omitempty"`
	OthersAccess  string `json:"othersAccess,omitempty"`
	DaemonUser    string `json:"daemonUser,omitempty"`
	RepoUnixGroup string `json:"repoUnixGroup,omitempty"`
}

// WorktreeRemoveParams removes a worktree's filesystem and row.
type WorktreeRemoveParams struct {
	WorktreeID   string `json:"worktreeId"`
	RepoPath     string `json:"repoPath"`
	WorktreePath string `json:"worktreePath"`
}

// WorktreeCleanParams discards uncommitted changes in a worktree.
type WorktreeCleanParams struct {
	WorktreeID   string `json:"worktreeId"`
	WorktreePath string `json:"worktreePath"`
}

// SyncWorktreeParams reconciles a worktree's Unix group state. The daemon
// denormalizes everything the executor needs; the executor holds no database
// connection.
type SyncWorktreeParams struct {
	WorktreeID     string   `json:"worktreeId"`
	WorktreeName   string   `json:"worktreeName,omitempty"`
	WorktreePath   string   `json:"worktreePath,omitempty"`
	GitAdminDir    string   `json:"gitAdminDir,omitempty"`
	UnixGroup      string   `json:"unixGroup"`
	UsersGroup     string   `json:"usersGroup,omitempty"`
	OthersAccess   string   `json:"othersAccess,omitempty"`
	OwnerUsernames []string `json:"ownerUsernames,omitempty"`
	DaemonUser     string   `json:"daemonUser,omitempty"`
	Delete         bool     `json:"delete,omitempty"`
}

// SyncRepoParams reconciles a repo's Unix group state.
type SyncRepoParams struct {
	RepoID     string `json:"repoId"`
	RepoPath   string `json:"repoPath,omitempty"`
	UnixGroup  string `json:"unixGroup"`
	DaemonUser string `json:"daemonUser,omitempty"`
	Delete     bool   `json:"delete,omitempty"`
}

// WorktreeMembership is one owned worktree a synced user joins.
type WorktreeMembership struct {
	Group string `json:"group"`
	Path  string `json:"path,omitempty"`
	Name  string `json:"name,omitempty"`
}

// SyncUserParams reconciles a user's Unix account. The password rides in the
// payload on stdin, never in argv.
type SyncUserParams struct {
	UserID     string               `json:"userId"`
	Username   string               `json:"username"`
	Shell      string               `json:"shell,omitempty"`
	UsersGroup string               `json:"usersGroup,omitempty"`
	Password   string               `json:"password,omitempty"`
	Worktrees  []WorktreeMembership `json:"worktrees,omitempty"`
	Delete     bool                 `json:"delete,omitempty"`
	DeleteHome bool                 `json:"deleteHome,omitempty"`
}

// ZellijAttachParams opens a persistent terminal session.
type ZellijAttachParams struct {
	UserID      string `json:"userId"`
	WorktreeID  string `json:"worktreeId,omitempty"`
	SessionName string `json:"sessionName"`
	Cwd         string `json:"cwd"`
	TabName     string `json:"tabName,omitempty"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	EnvFile     string `json:"envFile,omitempty"`
	Mode        string `json:"mode"` // zellij | shell
}

// ZellijTabParams creates or focuses a tab in an existing zellij session.
type ZellijTabParams struct {
	SessionName string `json:"sessionName"`
	TabName     string `json:"tabName"`
	Cwd         string `json:"cwd,omitempty"`
}

// ResultError carries a failure through the stdout envelope.
type ResultError struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Result is the envelope the executor writes to stdout before exiting.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ResultError    `json:"error,omitempty"`
}

// DecodePayload parses a payload strictly: unknown fields and unknown
// commands are rejected.
func DecodePayload(data []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("malformed executor payload: %w", err)
	}
	if !knownCommands[p.Command] {
		return nil, fmt.Errorf("unknown executor command %q", p.Command)
	}
	if p.SessionToken == "" {
		return nil, fmt.Errorf("executor payload missing session token")
	}
	return &p, nil
}

// DecodeParams parses command params strictly into dst.
func DecodeParams[T any](p *Payload) (*T, error) {
	dec := json.NewDecoder(bytes.NewReader(p.Params))
	dec.DisallowUnknownFields()

	var params T
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("malformed params for %s: %w", p.Command, err)
	}
	return &params, nil
}

// EncodePayload renders a payload for the executor's stdin.
func EncodePayload(cmd Command, sessionToken, daemonURL string, params any) ([]byte, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return json.Marshal(&Payload{
		Command:      cmd,
		SessionToken: sessionToken,
		DaemonURL:    daemonURL,
		Params:       raw,
	})
}

// NewErrorResult builds a failed result envelope.
func NewErrorResult(code, message string) *Result {
	return &Result{Success: false, Error: &ResultError{Code: code, Message: message}}
}

// NewSuccessResult builds a successful result envelope with optional data.
func NewSuccessResult(data any) (*Result, error) {
	if data == nil {
		return &Result{Success: true}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Result{Success: true, Data: raw}, nil
}
