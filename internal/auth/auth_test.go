package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/store"
)

func newTestService() *Service {
	return NewService(config.AuthConfig{
		JWTSecret:     "test-secret",
		TokenDuration: 3600,
	})
}

func TestPasswordHashRoundTrip(t *testing.T) {
	s := newTestService()
	hash, err := s.HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	require.NoError(t, s.VerifyPassword(hash, "hunter2"))
	require.ErrorIs(t, s.VerifyPassword(hash, "wrong"), ErrInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestService()
	u := &store.User{UserID: "u-1", Email: "alice@example.com", Role: store.RoleAdmin}

	token, err := s.IssueToken(u)
	require.NoError(t, err)

	claims, err := s.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, store.RoleAdmin, claims.Role)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := newTestService()
	verifier := NewService(config.AuthConfig{JWTSecret: "other-secret", TokenDuration: 3600})

	token, err := issuer.IssueToken(&store.User{UserID: "u-1"})
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsGarbage(t *testing.T) {
	s := newTestService()
	_, err := s.VerifyToken("not-a-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVaultSealOpen(t *testing.T) {
	v := NewVault("secret")
	sealed, err := v.Seal("sk-ant-xxxx")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-ant")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-xxxx", plain)
}

func TestVaultRejectsForeignSeal(t *testing.T) {
	sealed, err := NewVault("secret-a").Seal("value")
	require.NoError(t, err)

	_, err = NewVault("secret-b").Open(sealed)
	require.ErrorIs(t, err, ErrVaultSealBroken)
}

func TestVaultKeyDocument(t *testing.T) {
	v := NewVault("secret")

	doc, err := v.SealKeys(map[string]string{"claude-code": "sk-1"})
	require.NoError(t, err)

	doc, err = v.UpsertKey(doc, "codex", "sk-2")
	require.NoError(t, err)

	got, err := v.OpenKey(doc, "claude-code")
	require.NoError(t, err)
	assert.Equal(t, "sk-1", got)

	got, err = v.OpenKey(doc, "codex")
	require.NoError(t, err)
	assert.Equal(t, "sk-2", got)

	_, err = v.OpenKey(doc, "gemini")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTokenFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.token")
	require.NoError(t, WriteTokenFile(path, "tok-123"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "0600", fmt.Sprintf("%04o", info.Mode().Perm()))

	token, err := ReadTokenFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}
