package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/clef/pkg/apierrors"
	"github.com/platinummonkey/clef/pkg/observability"
	"github.com/platinummonkey/clef/pkg/storage/db"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, os.Stderr)
	store, err := db.Open(filepath.Join(t.TempDir(), "clef.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, logger)
}

func TestLoginRegistersUnknownUser(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	result, err := s.LoginOrRegister(ctx, "alice", "s3cret", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.User.Username)
	assert.Equal(t, "alice@example.com", result.User.Email)
	require.NoError(t, s.generator.ValidateTokenFormat(result.Token))

	// The issued token resolves back to the user.
	principal, err := s.Validate(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.User.ID, principal.UserID)
	assert.Equal(t, "alice", principal.Username)
}

func TestLoginExistingUser(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	first, err := s.LoginOrRegister(ctx, "bob", "hunter2", "bob@corp.test")
	require.NoError(t, err)

	t.Run("correct password", func(t *testing.T) {
		second, err := s.LoginOrRegister(ctx, "bob", "hunter2", "")
		require.NoError(t, err)
		assert.Equal(t, first.User.ID, second.User.ID)
		assert.NotEqual(t, first.Token, second.Token)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := s.LoginOrRegister(ctx, "bob", "wrong", "")
		require.Error(t, err)
		assert.Equal(t, apierrors.KindUnauthorized, apierrors.KindOf(err))
	})
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.LoginOrRegister(ctx, "carol", "pw", "shared@example.com")
	require.NoError(t, err)

	_, err = s.LoginOrRegister(ctx, "carol2", "pw", "shared@example.com")
	require.Error(t, err)
	assert.Equal(t, apierrors.KindBadRequest, apierrors.KindOf(err))
}

func TestValidateRejectsBadTokens(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.Validate(ctx, "garbage")
	assert.Equal(t, apierrors.KindUnauthorized, apierrors.KindOf(err))

	_, err = s.Validate(ctx, "clef_YWJjZGVmZ2hpamtsbW5vcA")
	assert.Equal(t, apierrors.KindUnauthorized, apierrors.KindOf(err))
}

func TestRevoke(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	result, err := s.LoginOrRegister(ctx, "dave", "pw", "")
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, result.Token))

	// The token no longer authenticates.
	_, err = s.Validate(ctx, result.Token)
	assert.Equal(t, apierrors.KindUnauthorized, apierrors.KindOf(err))

	// Double revoke reports not-found.
	err = s.Revoke(ctx, result.Token)
	assert.True(t, apierrors.IsNotFound(err))
}
