// ABOUTME: Tests for user lifecycle operations
// ABOUTME: Covers registration, approval, rejection, blocking, unblocking and promotion

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPending(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	u, created, err := s.RegisterPending(ctx, 42, "alice")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, RolePending, u.Role)
	assert.Equal(t, "alice", u.Username)

	u, created, err = s.RegisterPending(ctx, 42, "alice2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "alice2", u.Username)
	assert.Equal(t, RolePending, u.Role)

	// Known users keep their role.
	u, created, err = s.RegisterPending(ctx, testAdmin, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, RoleAdmin, u.Role)

	_, _, err = s.RegisterPending(ctx, 0, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUserLifecycle(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, _, err := s.RegisterPending(ctx, 7, "bob")
	require.NoError(t, err)

	require.NoError(t, s.Approve(ctx, 7))
	u, err := s.GetUser(7)
	require.NoError(t, err)
	assert.Equal(t, RoleUser, u.Role)

	require.NoError(t, s.Block(ctx, testAdmin, 7))
	u, _ = s.GetUser(7)
	assert.Equal(t, RoleBlocked, u.Role)

	err = s.Approve(ctx, 7)
	assert.ErrorIs(t, err, ErrValidation, "blocked users must be unblocked first")

	require.NoError(t, s.Unblock(ctx, 7))
	u, _ = s.GetUser(7)
	assert.Equal(t, RolePending, u.Role)

	assert.ErrorIs(t, s.Promote(ctx, 7), ErrValidation, "pending users cannot be promoted")

	require.NoError(t, s.Approve(ctx, 7))
	require.NoError(t, s.Promote(ctx, 7))
	u, _ = s.GetUser(7)
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestReject(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, _, err := s.RegisterPending(ctx, 8, "eve")
	require.NoError(t, err)
	require.NoError(t, s.Reject(ctx, 8))
	_, err = s.GetUser(8)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Reject(ctx, 8), ErrNotFound)
	assert.ErrorIs(t, s.Reject(ctx, testAdmin), ErrValidation)
}

func TestBlock_Restrictions(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Block(ctx, testAdmin, testAdmin), ErrValidation)

	require.NoError(t, s.SetRole(ctx, 9, RoleAdmin))
	assert.ErrorIs(t, s.Block(ctx, testAdmin, 9), ErrValidation)

	assert.ErrorIs(t, s.Block(ctx, testAdmin, 404), ErrNotFound)
}

func TestSetRole(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.SetRole(ctx, 3, Role("wizard")), ErrValidation)
	assert.ErrorIs(t, s.SetRole(ctx, testAdmin, RoleUser), ErrValidation)

	require.NoError(t, s.SetRole(ctx, 3, RoleUser))
	require.NoError(t, s.SetRole(ctx, 2, RolePending))

	users := s.ListUsers()
	require.Len(t, users, 3)
	assert.Equal(t, UserID(2), users[0].ID)
	assert.Equal(t, UserID(3), users[1].ID)
	assert.Equal(t, testAdmin, users[2].ID)
}

func TestParseUserID(t *testing.T) {
	id, err := ParseUserID("12345")
	require.NoError(t, err)
	assert.Equal(t, UserID(12345), id)

	for _, bad := range []string{"", "abc", "-4", "0"} {
		_, err := ParseUserID(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}
