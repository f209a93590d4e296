package terminal

import (
	"sync"
	"time"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

// Registrations older than this are dropped; a client that still wants the
// endpoint re-registers.
const sshRegistrationTTL = 15 * time.Minute

// SSHRegistration advertises an SSH-reachable terminal endpoint for a
// worktree. The CLI registers before `worktree ssh` and reads the info back
// to build its connect command.
type SSHRegistration struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	WorktreeID   string    `json:"worktree_id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	UnixUsername string    `json:"unix_username"`
	RegisteredAt time.Time `json:"registered_at"`
}

// SSHRegistry holds live SSH terminal registrations in memory. They are
// advisory routing hints, not durable state, so a daemon restart clears them.
type SSHRegistry struct {
	mu      sync.Mutex
	entries map[string]*SSHRegistration
}

// NewSSHRegistry builds an empty registry.
func NewSSHRegistry() *SSHRegistry {
	return &SSHRegistry{entries: make(map[string]*SSHRegistration)}
}

// RegisterRequest creates an SSH terminal registration.
type RegisterRequest struct {
	WorktreeID   string `json:"worktree_id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	UnixUsername string `json:"unix_username"`
}

// Register records an endpoint and returns its registration.
func (r *SSHRegistry) Register(user *store.User, req *RegisterRequest) (*SSHRegistration, error) {
	if err := requireOperator(user); err != nil {
		return nil, err
	}
	if req.WorktreeID == "" || req.Port <= 0 {
		return nil, rpc.NewError(rpc.CodeValidationFailed, "worktree_id and port are required")
	}
	host := req.Host
	if host == "" {
		host = "localhost"
	}
	username := req.UnixUsername
	if username == "" {
		username = user.UnixUsername
	}

	reg := &SSHRegistration{
		ID:           store.NewID(),
		UserID:       user.UserID,
		WorktreeID:   req.WorktreeID,
		Host:         host,
		Port:         req.Port,
		UnixUsername: username,
		RegisteredAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.pruneLocked()
	r.entries[reg.ID] = reg
	r.mu.Unlock()
	return reg, nil
}

// Info returns a registration by ID.
func (r *SSHRegistry) Info(user *store.User, id string) (*SSHRegistration, error) {
	if user == nil {
		return nil, rpc.NewError(rpc.CodeNotAuthenticated, "authentication required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	reg, ok := r.entries[id]
	if !ok {
		return nil, rpc.NewError(rpc.CodeNotFound, "unknown ssh terminal registration %q", id)
	}
	return reg, nil
}

func (r *SSHRegistry) pruneLocked() {
	cutoff := time.Now().Add(-sshRegistrationTTL)
	for id, reg := range r.entries {
		if reg.RegisteredAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}
