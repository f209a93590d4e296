package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/unixadmin"
)

type recordingAdminRunner struct {
	calls [][]string
}

func (r *recordingAdminRunner) Run(_ context.Context, _, name string, args ...string) (*unixadmin.Result, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	return &unixadmin.Result{}, nil
}

func (r *recordingAdminRunner) Available(context.Context) bool { return true }

func TestApplySyncWorktreeCoversGitAdminDir(t *testing.T) {
	rec := &recordingAdminRunner{}
	admin := unixadmin.NewAdmin(rec, logger.Default())
	r := New(logger.Default())

	_, err := r.applySyncWorktree(context.Background(), admin, &executor.SyncWorktreeParams{
		WorktreeID:   "wt-1",
		WorktreeName: "feat-x",
		WorktreePath: "/srv/worktrees/feat-x",
		GitAdminDir:  "/srv/repos/acme/api/.git/worktrees/feat-x",
		UnixGroup:    "agor_wt_1",
	})
	require.NoError(t, err)

	// Both the checkout and the repo-side git metadata get group ownership.
	var chgrped []string
	for _, call := range rec.calls {
		if call[0] == "chgrp" {
			chgrped = append(chgrped, call[len(call)-1])
		}
	}
	assert.Contains(t, chgrped, "/srv/worktrees/feat-x")
	assert.Contains(t, chgrped, "/srv/repos/acme/api/.git/worktrees/feat-x")
}

func TestApplySyncWorktreeSkipsMissingGitAdminDir(t *testing.T) {
	rec := &recordingAdminRunner{}
	admin := unixadmin.NewAdmin(rec, logger.Default())
	r := New(logger.Default())

	_, err := r.applySyncWorktree(context.Background(), admin, &executor.SyncWorktreeParams{
		WorktreeID: "wt-1",
		UnixGroup:  "agor_wt_1",
	})
	require.NoError(t, err)

	for _, call := range rec.calls {
		assert.NotEqual(t, "chgrp", call[0])
	}
}
