package unixadmin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/common/logger"
)

// Admin wraps a Runner with the concrete operations the worktree and user
// lifecycles need. Every operation is idempotent so sync passes can re-run
// them after partial failures.
type Admin struct {
	runner Runner
	log    *logger.Logger
}

// NewAdmin wraps a runner.
func NewAdmin(runner Runner, log *logger.Logger) *Admin {
	return &Admin{runner: runner, log: log}
}

// DetectRunner picks the strongest available escalation path: direct when the
// daemon runs as root, sudo -n when a rule permits it, otherwise noop.
func DetectRunner(ctx context.Context, cfg config.ExecutionConfig, rbac config.RBACConfig, log *logger.Logger) Runner {
	if !rbac.Enabled {
		log.Info("Unix isolation disabled by configuration")
		return NewNoopRunner(log)
	}
	if os.Geteuid() == 0 {
		log.Info("Running as root, using direct privileged execution")
		return NewDirectRunner(log)
	}
	sudo := NewSudoRunner(cfg.SudoPath, log)
	if sudo.Available(ctx) {
		log.Info("Using sudo for privileged execution")
		return sudo
	}
	log.Warn("No privilege escalation available, Unix isolation degraded to noop")
	return NewNoopRunner(log)
}

// IsNoop reports whether privileged operations are being skipped.
func (a *Admin) IsNoop() bool {
	_, ok := a.runner.(*NoopRunner)
	return ok
}

// EnsureGroup creates a group if it does not exist.
func (a *Admin) EnsureGroup(ctx context.Context, name string) error {
	res, err := a.runner.Run(ctx, "", "groupadd", "-f", name)
	if err != nil {
		return fmt.Errorf("groupadd %s: %w", name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("groupadd %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RemoveGroup deletes a group. A missing group is not an error.
func (a *Admin) RemoveGroup(ctx context.Context, name string) error {
	res, err := a.runner.Run(ctx, "", "groupdel", name)
	if err != nil {
		return fmt.Errorf("groupdel %s: %w", name, err)
	}
	// groupdel exits 6 when the group does not exist.
	if res.ExitCode != 0 && res.ExitCode != 6 {
		return fmt.Errorf("groupdel %s failed: %s", name, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// EnsureUser creates a Unix account with a home directory and the given
// shell, already a member of the shared users group. An existing account is
// left untouched.
func (a *Admin) EnsureUser(ctx context.Context, username, shell, usersGroup string) error {
	check, err := a.runner.Run(ctx, "", "id", "-u", username)
	if err != nil {
		return fmt.Errorf("id %s: %w", username, err)
	}
	if check.ExitCode == 0 {
		return nil
	}

	args := []string{"-m", "-s", shell}
	if usersGroup != "" {
		args = append(args, "-G", usersGroup)
	}
	args = append(args, username)
	res, err := a.runner.Run(ctx, "", "useradd", args...)
	if err != nil {
		return fmt.Errorf("useradd %s: %w", username, err)
	}
	// useradd exits 9 when the account already exists (lost race).
	if res.ExitCode != 0 && res.ExitCode != 9 {
		return fmt.Errorf("useradd %s failed: %s", username, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// AddUserToGroup adds a membership. Re-adding is harmless.
func (a *Admin) AddUserToGroup(ctx context.Context, username, group string) error {
	res, err := a.runner.Run(ctx, "", "usermod", "-aG", group, username)
	if err != nil {
		return fmt.Errorf("usermod -aG %s %s: %w", group, username, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("usermod -aG %s %s failed: %s", group, username, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// RemoveUserFromGroup drops a membership. A missing membership is ignored.
func (a *Admin) RemoveUserFromGroup(ctx context.Context, username, group string) error {
	res, err := a.runner.Run(ctx, "", "gpasswd", "-d", username, group)
	if err != nil {
		return fmt.Errorf("gpasswd -d %s %s: %w", username, group, err)
	}
	if res.ExitCode != 0 && !strings.Contains(res.Stderr, "is not a member") {
		return fmt.Errorf("gpasswd -d %s %s failed: %s", username, group, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// SetPassword rotates an account password. The secret goes through chpasswd's
// stdin and never appears in argv or logs.
func (a *Admin) SetPassword(ctx context.Context, username, password string) error {
	res, err := a.runner.Run(ctx, fmt.Sprintf("%s:%s\n", username, password), "chpasswd")
	if err != nil {
		return fmt.Errorf("chpasswd for %s: %w", username, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chpasswd for %s failed: %s", username, strings.TrimSpace(res.Stderr))
	}
	a.log.Info("Rotated unix password", zap.String("username", username))
	return nil
}

// SetGroupOwnership recursively assigns a directory tree to a group with
// setgid so new files inherit it.
func (a *Admin) SetGroupOwnership(ctx context.Context, path, group string) error {
	res, err := a.runner.Run(ctx, "", "chgrp", "-R", group, path)
	if err != nil {
		return fmt.Errorf("chgrp -R %s %s: %w", group, path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chgrp -R %s %s failed: %s", group, path, strings.TrimSpace(res.Stderr))
	}
	res, err = a.runner.Run(ctx, "", "chmod", "-R", "g+rwX,o-rwx", path)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("chmod %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	res, err = a.runner.Run(ctx, "", "find", path, "-type", "d", "-exec", "chmod", "g+s", "{}", "+")
	if err != nil {
		return fmt.Errorf("setgid on %s: %w", path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setgid on %s failed: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// GrantReadACL gives a group read-only access to a tree via POSIX ACLs.
func (a *Admin) GrantReadACL(ctx context.Context, path, group string) error {
	return a.setACL(ctx, path, fmt.Sprintf("g:%s:rX", group))
}

// GrantWriteACL gives a group read-write access to a tree via POSIX ACLs.
func (a *Admin) GrantWriteACL(ctx context.Context, path, group string) error {
	return a.setACL(ctx, path, fmt.Sprintf("g:%s:rwX", group))
}

// RevokeACL removes a group's ACL entries from a tree.
func (a *Admin) RevokeACL(ctx context.Context, path, group string) error {
	res, err := a.runner.Run(ctx, "", "setfacl", "-R", "-x", "g:"+group, path)
	if err != nil {
		return fmt.Errorf("setfacl -x g:%s %s: %w", group, path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setfacl -x g:%s %s failed: %s", group, path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *Admin) setACL(ctx context.Context, path, entry string) error {
	// -d sets the default ACL so new files inherit access.
	res, err := a.runner.Run(ctx, "", "setfacl", "-R", "-m", entry, "-m", "d:"+entry, path)
	if err != nil {
		return fmt.Errorf("setfacl -m %s %s: %w", entry, path, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setfacl -m %s %s failed: %s", entry, path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// UserExists reports whether a Unix account exists.
func (a *Admin) UserExists(ctx context.Context, username string) (bool, error) {
	res, err := a.runner.Run(ctx, "", "id", "-u", username)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// GroupMembers lists the members of a group.
func (a *Admin) GroupMembers(ctx context.Context, group string) ([]string, error) {
	res, err := a.runner.Run(ctx, "", "getent", "group", group)
	if err != nil {
		return nil, fmt.Errorf("getent group %s: %w", group, err)
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	// getent output: name:x:gid:member1,member2
	parts := strings.Split(strings.TrimSpace(res.Stdout), ":")
	if len(parts) < 4 || parts[3] == "" {
		return nil, nil
	}
	return strings.Split(parts[3], ","), nil
}
