package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/rpc"
	"github.com/agor-sh/agor/internal/store"
)

func TestSSHRegisterAndInfo(t *testing.T) {
	r := NewSSHRegistry()

	reg, err := r.Register(admin(), &RegisterRequest{WorktreeID: "w-1", Port: 2201})
	require.NoError(t, err)
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, "localhost", reg.Host)
	assert.Equal(t, "admin", reg.UnixUsername)

	got, err := r.Info(admin(), reg.ID)
	require.NoError(t, err)
	assert.Equal(t, reg, got)

	_, err = r.Info(admin(), "nope")
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestSSHRegisterRequiresOperator(t *testing.T) {
	r := NewSSHRegistry()
	member := &store.User{UserID: "u-2", Role: store.RoleMember}

	_, err := r.Register(member, &RegisterRequest{WorktreeID: "w-1", Port: 2201})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeForbidden, rpc.CodeOf(err))

	_, err = r.Register(admin(), &RegisterRequest{Port: 2201})
	require.Error(t, err)
	assert.Equal(t, rpc.CodeValidationFailed, rpc.CodeOf(err))
}
