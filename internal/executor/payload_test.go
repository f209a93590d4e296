package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadRoundTrip(t *testing.T) {
	data, err := EncodePayload(CommandPrompt, "tok", "ws://localhost:3030/ws", &PromptParams{
		TaskID:         "t-1",
		SessionID:      "s-1",
		Tool:           "claude-code",
		Prompt:         "write hello.txt",
		Cwd:            "/srv/worktrees/acme/feat-x",
		PermissionMode: "acceptEdits",
	})
	require.NoError(t, err)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, CommandPrompt, p.Command)
	assert.Equal(t, "tok", p.SessionToken)

	params, err := DecodeParams[PromptParams](p)
	require.NoError(t, err)
	assert.Equal(t, "t-1", params.TaskID)
	assert.Equal(t, "acceptEdits", params.PermissionMode)
}

func TestDecodePayloadRejectsUnknownCommand(t *testing.T) {
	_, err := DecodePayload([]byte(`{"command":"rm.rf","sessionToken":"tok","params":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown executor command")
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	_, err := DecodePayload([]byte(`{"command":"prompt","sessionToken":"tok","params":{},"runAsUser":"root"}`))
	require.Error(t, err)
}

func TestDecodePayloadRequiresSessionToken(t *testing.T) {
	_, err := DecodePayload([]byte(`{"command":"prompt","params":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session token")
}

func TestDecodeParamsRejectsUnknownFields(t *testing.T) {
	data, err := EncodePayload(CommandSyncUser, "tok", "", map[string]any{
		"userId":    "u-1",
		"runAsUser": "root",
	})
	require.NoError(t, err)

	p, err := DecodePayload(data)
	require.NoError(t, err)

	_, err = DecodeParams[SyncUserParams](p)
	require.Error(t, err)
}

func TestSyncUserPasswordTravelsInPayloadNotArgv(t *testing.T) {
	data, err := EncodePayload(CommandSyncUser, "tok", "", &SyncUserParams{
		UserID:   "u-1",
		Password: "s3cret",
	})
	require.NoError(t, err)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	params, err := DecodeParams[SyncUserParams](p)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", params.Password)
}

func TestResolveCommandInterposesSudo(t *testing.T) {
	s := NewSpawner(testExecConfig("strict"), "", testLogger())

	name, args := s.resolveCommand("alice")
	assert.Equal(t, "sudo", name)
	require.Len(t, args, 4)
	assert.Equal(t, "-n", args[0])
	assert.Equal(t, []string{"-u", "alice"}, args[1:3])

	name, args = s.resolveCommand("")
	assert.NotEqual(t, "sudo", name)
	assert.Empty(t, args)
}

func TestResolveUnixUserModes(t *testing.T) {
	tests := []struct {
		mode     string
		gitOp    bool
		expected string
	}{
		{"simple", false, ""},
		{"insulated", false, "agor_exec"},
		{"strict", false, "alice"},
		{"strict", true, ""}, // git ops always run as the daemon user
		{"insulated", true, "agor_exec"},
	}
	for _, tt := range tests {
		s := NewSpawner(testExecConfig(tt.mode), "", testLogger())
		got := s.ResolveUnixUser("alice", tt.gitOp)
		assert.Equal(t, tt.expected, got, "mode=%s gitOp=%v", tt.mode, tt.gitOp)
	}
}

func TestAbortUnknownKey(t *testing.T) {
	s := NewSpawner(testExecConfig("simple"), "", testLogger())
	assert.False(t, s.Abort("s-1", "t-1"))
}

func TestCappedBufferTruncates(t *testing.T) {
	b := &cappedBuffer{limit: 8}
	n, err := b.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, "01234567", b.String())
}

func TestLastLinePicksResultEnvelope(t *testing.T) {
	out := []byte("progress: cloning\nprogress: done\n{\"success\":true}\n")
	assert.Equal(t, `{"success":true}`, string(lastLine(out)))
}
