// ABOUTME: Tests for password hashing, login and agent token authentication
// ABOUTME: Uses the in-memory mock store

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/2389/miner-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	users := store.NewMockStore()

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.NoError(t, users.CreateUser(ctx, &store.User{Email: "Admin@Example.com", PasswordHash: hash, Role: store.RoleAdmin}))

	t.Run("success is case insensitive on email", func(t *testing.T) {
		u, err := Login(ctx, users, "admin@example.COM", "correct horse")
		require.NoError(t, err)
		assert.Equal(t, store.RoleAdmin, u.Role)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := Login(ctx, users, "admin@example.com", "nope")
		assert.True(t, errors.Is(err, ErrInvalidCredentials))
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := Login(ctx, users, "ghost@example.com", "correct horse")
		assert.True(t, errors.Is(err, ErrInvalidCredentials))
	})
}

func TestAgentTokenAuthenticator(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()

	token, err := GenerateAgentToken()
	require.NoError(t, err)
	assert.Len(t, token, 43)

	other, err := GenerateAgentToken()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	farm := &store.Farm{Name: "f"}
	require.NoError(t, s.CreateFarm(ctx, farm))
	agent := &store.Agent{FarmID: farm.ID, Token: token}
	require.NoError(t, s.CreateAgent(ctx, agent))

	authn := NewAgentTokenAuthenticator(s)

	got, err := authn.AuthenticateAgent(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.ID)

	_, err = authn.AuthenticateAgent(ctx, other)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	_, err = authn.AuthenticateAgent(ctx, "")
	assert.True(t, errors.Is(err, ErrInvalidToken))
}
