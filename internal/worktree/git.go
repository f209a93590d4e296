package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const gitTimeout = 5 * time.Minute

// Git runs git commands for clone, worktree, and snapshot operations. It
// executes as the current process user; impersonation happens at executor
// spawn, never here.
type Git struct {
	gitPath string
}

// NewGit builds a git helper. An empty path resolves "git" from PATH.
func NewGit(gitPath string) *Git {
	if gitPath == "" {
		gitPath = "git"
	}
	return &Git{gitPath: gitPath}
}

func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.gitPath, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Clone clones a remote into path. The parent directory is created first.
func (g *Git) Clone(ctx context.Context, remoteURL, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create clone directory: %w", err)
	}
	_, err := g.run(ctx, "", "clone", remoteURL, path)
	return err
}

// AddWorktree creates a git worktree at path. With createBranch a new branch
// is created from sourceRef; otherwise the existing ref is checked out.
func (g *Git) AddWorktree(ctx context.Context, repoPath, path, ref, sourceRef string, createBranch bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create worktree parent: %w", err)
	}
	args := []string{"worktree", "add"}
	if createBranch {
		args = append(args, "-b", ref, path)
		if sourceRef != "" {
			args = append(args, sourceRef)
		}
	} else {
		args = append(args, path, ref)
	}
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// RemoveWorktree removes a git worktree and prunes stale metadata.
func (g *Git) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := g.run(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		// The tree may already be gone; prune and fall through to rm.
		_, _ = g.run(ctx, repoPath, "worktree", "prune")
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree path: %w", rmErr)
		}
		return nil
	}
	_, _ = g.run(ctx, repoPath, "worktree", "prune")
	return nil
}

// Clean discards uncommitted changes and untracked files in a worktree.
func (g *Git) Clean(ctx context.Context, path string) error {
	if _, err := g.run(ctx, path, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := g.run(ctx, path, "clean", "-fd")
	return err
}

// HeadSHA returns the current commit, suffixed with -dirty when the working
// tree has uncommitted changes. Returns "unknown" if the path is not a git
// tree.
func (g *Git) HeadSHA(ctx context.Context, path string) string {
	sha, err := g.run(ctx, path, "rev-parse", "HEAD")
	if err != nil {
		return "unknown"
	}
	status, err := g.run(ctx, path, "status", "--porcelain")
	if err == nil && status != "" {
		return sha + "-dirty"
	}
	return sha
}

// DefaultBranch resolves the remote HEAD branch name, falling back to main.
func (g *Git) DefaultBranch(ctx context.Context, repoPath string) string {
	out, err := g.run(ctx, repoPath, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err != nil {
		return "main"
	}
	return strings.TrimPrefix(out, "refs/remotes/origin/")
}
