// ABOUTME: Tests for server entry operations
// ABOUTME: Covers the single-default invariant, validation, deletion cascade and default resolution

package store

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countDefaults(s *Store) int {
	n := 0
	for _, e := range s.ListServers() {
		if e.IsDefault {
			n++
		}
	}
	return n
}

func TestSetDefault_Scenario(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000}))
	require.NoError(t, s.SetDefault(ctx, "main"))

	main, err := s.GetServer("main")
	require.NoError(t, err)
	assert.True(t, main.IsDefault)

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "backup", Host: "10.0.0.2", Port: 8000}))
	require.NoError(t, s.SetDefault(ctx, "backup"))

	main, err = s.GetServer("main")
	require.NoError(t, err)
	backup, err := s.GetServer("backup")
	require.NoError(t, err)
	assert.False(t, main.IsDefault)
	assert.True(t, backup.IsDefault)
}

func TestSetDefault_UnknownServer(t *testing.T) {
	s, _ := setupTestStore(t)
	err := s.SetDefault(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStorage)
}

func TestDefaultInvariant_RandomSequences(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("s%d", rng.Intn(5))
		switch rng.Intn(3) {
		case 0:
			_ = s.UpsertServer(ctx, ServerEntry{ID: id, Host: "localhost", Port: 8000, IsDefault: rng.Intn(2) == 0})
		case 1:
			_ = s.DeleteServer(ctx, id)
		case 2:
			_ = s.SetDefault(ctx, id)
		}
		require.LessOrEqual(t, countDefaults(s), 1, "step %d", i)
	}
}

func TestUpsertServer_IsDefaultMovesDefault(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "a", Host: "localhost", Port: 1, IsDefault: true}))
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "b", Host: "localhost", Port: 2, IsDefault: true}))

	id, ok := s.DefaultServer()
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, 1, countDefaults(s))
}

func TestUpsertServer_Validation(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		entry ServerEntry
		field string
	}{
		{"empty id", ServerEntry{ID: "", Host: "localhost", Port: 80}, "id"},
		{"bad id", ServerEntry{ID: "has space", Host: "localhost", Port: 80}, "id"},
		{"empty host", ServerEntry{ID: "a", Host: "", Port: 80}, "host"},
		{"host with scheme", ServerEntry{ID: "a", Host: "http://x", Port: 80}, "host"},
		{"host with underscore", ServerEntry{ID: "a", Host: "bad_host", Port: 80}, "host"},
		{"port zero", ServerEntry{ID: "a", Host: "localhost", Port: 0}, "port"},
		{"port too big", ServerEntry{ID: "a", Host: "localhost", Port: 70000}, "port"},
		{"transport", ServerEntry{ID: "a", Host: "localhost", Port: 80, Transport: "smtp"}, "transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.UpsertServer(ctx, tc.entry)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	// IP literals are accepted.
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "v4", Host: "192.168.1.10", Port: 8000}))
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "v6", Host: "::1", Port: 8000}))
}

func TestAddServer_DuplicateID(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000}))
	err := s.AddServer(ctx, ServerEntry{ID: "main", Host: "other", Port: 8001})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, err, ErrValidation)

	got, err := s.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, "localhost", got.Host)
}

func TestAddServer_OwnerGetsManageGrant(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetRole(ctx, 5, RoleUser))

	require.NoError(t, s.AddServer(ctx, ServerEntry{ID: "mine", Host: "localhost", Port: 8000, Owner: 5}))
	level, ok := s.Grant(5, "mine")
	require.True(t, ok)
	assert.Equal(t, AccessManage, level)

	// Admin owners need no grant.
	require.NoError(t, s.AddServer(ctx, ServerEntry{ID: "adm", Host: "localhost", Port: 8000, Owner: testAdmin}))
	_, ok = s.Grant(testAdmin, "adm")
	assert.False(t, ok)
}

func TestUpsertServer_PreservesOwnerAndCreation(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, t.TempDir()+"/c.yaml", clock)
	ctx := context.Background()

	require.NoError(t, s.AddServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000, Owner: testAdmin}))
	created := clock.Now()
	clock.Add(1)

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "example.com", Port: 8001}))
	got, err := s.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, testAdmin, got.Owner)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.UpdatedAt.After(created))
	assert.Equal(t, TransportHTTP, got.Transport)
}

func TestDeleteServer_Cascades(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRole(ctx, 5, RoleUser))
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000, Enabled: true}))
	require.NoError(t, s.SetDefault(ctx, "main"))
	require.NoError(t, s.SetChatDefault(ctx, "!room", "main"))
	require.NoError(t, s.GrantAccess(ctx, 5, "main", AccessRead))
	_, err := s.AddWallet(ctx, Wallet{ServerID: "main", Chain: "ethereum", Address: "0xabc"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteServer(ctx, "main"))

	_, err = s.GetServer("main")
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := s.DefaultServer()
	assert.False(t, ok)
	_, ok = s.ChatDefault("!room")
	assert.False(t, ok)
	_, ok = s.Grant(5, "main")
	assert.False(t, ok)
	assert.Empty(t, s.ListWallets("main"))

	assert.ErrorIs(t, s.DeleteServer(ctx, "main"), ErrNotFound)
}

func TestResolveDefault_Order(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, ok := s.ResolveDefault("!room", nil)
	assert.False(t, ok, "no servers configured")

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: id, Host: "localhost", Port: 8000, Enabled: true}))
	}

	id, ok := s.ResolveDefault("!room", nil)
	require.True(t, ok)
	assert.Equal(t, "a", id, "falls back to first by id")

	require.NoError(t, s.SetDefault(ctx, "b"))
	id, _ = s.ResolveDefault("!room", nil)
	assert.Equal(t, "b", id)

	require.NoError(t, s.SetChatDefault(ctx, "!room", "c"))
	id, _ = s.ResolveDefault("!room", nil)
	assert.Equal(t, "c", id)

	id, _ = s.ResolveDefault("!room", func(sid string) bool { return sid != "c" })
	assert.Equal(t, "b", id, "disallowed chat default is skipped")

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "b", Host: "localhost", Port: 8000, Enabled: false}))
	id, _ = s.ResolveDefault("", func(sid string) bool { return sid != "a" })
	assert.Equal(t, "c", id, "disabled servers are skipped")
}

func TestSetChatDefault_UnknownServer(t *testing.T) {
	s, _ := setupTestStore(t)
	assert.ErrorIs(t, s.SetChatDefault(context.Background(), "!room", "ghost"), ErrNotFound)
}

func TestClearChatDefault(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: id, Host: "localhost", Port: 8000, Enabled: true}))
	}
	require.NoError(t, s.SetDefault(ctx, "a"))
	require.NoError(t, s.SetChatDefault(ctx, "!room", "b"))

	prev, err := s.ClearChatDefault(ctx, "!room")
	require.NoError(t, err)
	assert.Equal(t, "b", prev)

	_, ok := s.ChatDefault("!room")
	assert.False(t, ok)
	id, _ := s.ResolveDefault("!room", nil)
	assert.Equal(t, "a", id, "falls back to the global default")

	_, err = s.ClearChatDefault(ctx, "!room")
	assert.ErrorIs(t, err, ErrNotFound)
}
