package unixadmin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
)

// recordingRunner captures every command instead of executing it.
type recordingRunner struct {
	calls   []recordedCall
	results map[string]*Result
}

type recordedCall struct {
	stdin string
	name  string
	args  []string
}

func (r *recordingRunner) Run(ctx context.Context, stdin string, name string, args ...string) (*Result, error) {
	r.calls = append(r.calls, recordedCall{stdin: stdin, name: name, args: args})
	key := name + " " + strings.Join(args, " ")
	for prefix, res := range r.results {
		if strings.HasPrefix(key, prefix) {
			return res, nil
		}
	}
	return &Result{}, nil
}

func (r *recordingRunner) Available(ctx context.Context) bool { return true }

func newTestAdmin(runner Runner) *Admin {
	return NewAdmin(runner, logger.Default())
}

func TestSetPasswordUsesStdinNotArgv(t *testing.T) {
	rec := &recordingRunner{}
	a := newTestAdmin(rec)

	require.NoError(t, a.SetPassword(context.Background(), "alice", "s3cret"))

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "chpasswd", call.name)
	assert.Equal(t, "alice:s3cret\n", call.stdin)
	for _, arg := range call.args {
		assert.NotContains(t, arg, "s3cret")
	}
}

func TestEnsureUserSkipsExistingAccount(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"id -u alice": {Stdout: "1001\n", ExitCode: 0},
	}}
	a := newTestAdmin(rec)

	require.NoError(t, a.EnsureUser(context.Background(), "alice", "/bin/bash", "agor_users"))

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "id", rec.calls[0].name)
}

func TestEnsureUserCreatesMissingAccount(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"id -u alice": {ExitCode: 1},
	}}
	a := newTestAdmin(rec)

	require.NoError(t, a.EnsureUser(context.Background(), "alice", "/bin/bash", "agor_users"))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "useradd", rec.calls[1].name)
	assert.Equal(t, []string{"-m", "-s", "/bin/bash", "-G", "agor_users", "alice"}, rec.calls[1].args)
}

func TestEnsureUserToleratesCreationRace(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"id -u alice": {ExitCode: 1},
		"useradd":     {ExitCode: 9, Stderr: "useradd: user 'alice' already exists"},
	}}
	a := newTestAdmin(rec)

	require.NoError(t, a.EnsureUser(context.Background(), "alice", "/bin/bash", ""))
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	rec := &recordingRunner{}
	a := newTestAdmin(rec)

	require.NoError(t, a.EnsureGroup(context.Background(), "agor_wt_0a1b2c3d"))
	require.NoError(t, a.EnsureGroup(context.Background(), "agor_wt_0a1b2c3d"))

	for _, call := range rec.calls {
		assert.Equal(t, []string{"-f", "agor_wt_0a1b2c3d"}, call.args)
	}
}

func TestRemoveGroupIgnoresMissing(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"groupdel": {ExitCode: 6, Stderr: "groupdel: group 'gone' does not exist"},
	}}
	a := newTestAdmin(rec)
	require.NoError(t, a.RemoveGroup(context.Background(), "gone"))
}

func TestRemoveUserFromGroupIgnoresNonMember(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"gpasswd": {ExitCode: 3, Stderr: "gpasswd: user 'bob' is not a member of 'g'"},
	}}
	a := newTestAdmin(rec)
	require.NoError(t, a.RemoveUserFromGroup(context.Background(), "bob", "g"))
}

func TestGroupMembersParsesGetent(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"getent group agor_wt_0a1b2c3d": {Stdout: "agor_wt_0a1b2c3d:x:1500:alice,bob\n"},
	}}
	a := newTestAdmin(rec)

	members, err := a.GroupMembers(context.Background(), "agor_wt_0a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
}

func TestGroupMembersEmptyGroup(t *testing.T) {
	rec := &recordingRunner{results: map[string]*Result{
		"getent group empty": {Stdout: "empty:x:1501:\n"},
	}}
	a := newTestAdmin(rec)

	members, err := a.GroupMembers(context.Background(), "empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestSudoRunnerAlwaysNonInteractive(t *testing.T) {
	// The sudo runner must prepend -n so a missing rule fails fast instead
	// of hanging on a password prompt.
	r := NewSudoRunner("/usr/bin/sudo", logger.Default())
	assert.Equal(t, "/usr/bin/sudo", r.sudoPath)
}

func TestNoopRunnerSucceeds(t *testing.T) {
	r := NewNoopRunner(logger.Default())
	res, err := r.Run(context.Background(), "", "useradd", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, r.Available(context.Background()))
}
