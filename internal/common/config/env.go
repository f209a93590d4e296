package config

import (
	"os"
	"path/filepath"
)

// Env carries the resolved data-home layout. All process-scoped paths (PID
// file, token file, repos, worktrees, logs) hang off Root so tests can point
// the daemon at a temporary directory instead of ~/.agor.
type Env struct {
	Root string
}

// NewEnv resolves the data home from AGOR_DATA_HOME or ~/.agor.
func NewEnv() (*Env, error) {
	if root := os.Getenv("AGOR_DATA_HOME"); root != "" {
		return &Env{Root: root}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Env{Root: filepath.Join(home, ".agor")}, nil
}

// NewEnvAt creates an Env rooted at the given directory. Used by tests.
func NewEnvAt(root string) *Env {
	return &Env{Root: root}
}

// EnsureLayout creates the data-home directory tree.
func (e *Env) EnsureLayout() error {
	for _, dir := range []string{
		e.Root,
		e.ReposDir(),
		e.WorktreesDir(),
		e.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	// SSH material is private to the daemon user.
	return os.MkdirAll(e.SSHDir(), 0o700)
}

// ReposDir returns the directory holding cloned repositories.
func (e *Env) ReposDir() string { return filepath.Join(e.Root, "repos") }

// RepoPath returns the clone path for a repo slug (org/name).
func (e *Env) RepoPath(slug string) string {
	return filepath.Join(e.ReposDir(), filepath.FromSlash(slug))
}

// WorktreesDir returns the directory holding git worktrees.
func (e *Env) WorktreesDir() string { return filepath.Join(e.Root, "worktrees") }

// WorktreePath returns the mount path for a worktree of a repo slug.
func (e *Env) WorktreePath(slug, name string) string {
	return filepath.Join(e.WorktreesDir(), filepath.FromSlash(slug), name)
}

// LogsDir returns the daemon log directory.
func (e *Env) LogsDir() string { return filepath.Join(e.Root, "logs") }

// DaemonLogPath returns the daemon log file path.
func (e *Env) DaemonLogPath() string { return filepath.Join(e.LogsDir(), "daemon.log") }

// PIDFilePath returns the daemon PID file path.
func (e *Env) PIDFilePath() string { return filepath.Join(e.Root, "daemon.pid") }

// TokenFilePath returns the CLI token file path (mode 0600).
func (e *Env) TokenFilePath() string { return filepath.Join(e.Root, "cli-token") }

// SSHDir returns the directory holding the daemon SSH keypair.
func (e *Env) SSHDir() string { return filepath.Join(e.Root, "ssh") }

// SSHKeyPath returns the private key path; the public key is at the same
// path with a .pub suffix.
func (e *Env) SSHKeyPath() string { return filepath.Join(e.SSHDir(), "agor-key") }

// DatabasePath returns the default sqlite database path.
func (e *Env) DatabasePath() string { return filepath.Join(e.Root, "agor.db") }
