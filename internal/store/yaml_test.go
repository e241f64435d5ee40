// ABOUTME: Tests for the YAML document persister
// ABOUTME: Covers round trips, credential sealing, hand-edited files and file mode

package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/condor/internal/secrets"
)

func populate(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{
		ID: "main", Host: "localhost", Port: 8000,
		Username: "admin", Password: "hunter2", Enabled: true, IsDefault: true,
	}))
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{
		ID: "grpc-node", Host: "10.1.2.3", Port: 50051, Token: "tok", Transport: TransportGRPC,
	}))
	require.NoError(t, s.SetRole(ctx, 5, RoleUser))
	require.NoError(t, s.GrantAccess(ctx, 5, "main", AccessTrade))
	require.NoError(t, s.SetChatDefault(ctx, "!room:example.org", "grpc-node"))
	_, err := s.AddWallet(ctx, Wallet{ServerID: "main", Chain: "Solana", Address: "So1abc", AddedBy: 5})
	require.NoError(t, err)
	_, err = s.AppendAudit(ctx, AuditEntry{Actor: 5, Action: AuditWalletAdded, TargetType: TargetWallet, TargetID: "So1abc"})
	require.NoError(t, err)
}

func assertPopulated(t *testing.T, s *Store) {
	t.Helper()
	main, err := s.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", main.Password)
	assert.True(t, main.IsDefault)
	assert.True(t, main.Enabled)

	node, err := s.GetServer("grpc-node")
	require.NoError(t, err)
	assert.Equal(t, TransportGRPC, node.Transport)
	assert.Equal(t, "tok", node.Token)
	assert.False(t, node.Enabled)

	level, ok := s.Grant(5, "main")
	require.True(t, ok)
	assert.Equal(t, AccessTrade, level)

	chat, ok := s.ChatDefault("!room:example.org")
	require.True(t, ok)
	assert.Equal(t, "grpc-node", chat)

	wallets := s.ListWallets("main")
	require.Len(t, wallets, 1)
	assert.Equal(t, "solana", wallets[0].Chain)
	assert.Equal(t, "main", wallets[0].ServerID)

	recent := s.RecentAudit(AuditFilter{}, 10)
	require.Len(t, recent, 1)
	assert.Equal(t, AuditWalletAdded, recent[0].Action)
}

func TestYAMLPersister_RoundTrip(t *testing.T) {
	s, path := setupTestStore(t)
	populate(t, s)

	s2 := reopen(t, s, path)
	assertPopulated(t, s2)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestYAMLPersister_SealsCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "condor.yaml")
	sealer, err := secrets.Open(filepath.Join(dir, secrets.KeyFileName))
	require.NoError(t, err)

	s, err := Open(context.Background(), NewYAMLPersister(path, sealer), Options{})
	require.NoError(t, err)
	require.NoError(t, s.EnsureInitialized(context.Background(), testAdmin, ""))
	populate(t, s)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), secrets.Prefix)

	s2, err := Open(context.Background(), NewYAMLPersister(path, sealer), Options{})
	require.NoError(t, err)
	defer s2.Close()
	assertPopulated(t, s2)

	// Without the key the sealed values cannot be opened.
	_, err = NewYAMLPersister(path, nil).Load(context.Background())
	assert.ErrorIs(t, err, secrets.ErrOpen)
}

func TestYAMLPersister_HandEditedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "condor.yaml")
	doc := strings.TrimSpace(`
version: 1
admin_id: 1000
default_server: main
servers:
  main:
    host: localhost
    port: 8000
    username: admin
    password: plain-text
users:
  1000:
    role: admin
`)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Open(context.Background(), NewYAMLPersister(path, nil), Options{})
	require.NoError(t, err)
	defer s.Close()

	main, err := s.GetServer("main")
	require.NoError(t, err)
	assert.True(t, main.Enabled, "missing enabled key means enabled")
	assert.Equal(t, TransportHTTP, main.Transport)
	assert.Equal(t, "plain-text", main.Password)
	assert.True(t, main.IsDefault)

	u, err := s.GetUser(1000)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestYAMLPersister_DanglingDefaultCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "condor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\ndefault_server: gone\nservers: {}\n"), 0o600))

	doc, err := NewYAMLPersister(path, nil).Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc.DefaultServer)
}

func TestYAMLPersister_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	_, err := NewYAMLPersister(filepath.Join(dir, "absent.yaml"), nil).Load(context.Background())
	assert.ErrorIs(t, err, ErrNoDocument)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("servers: [unclosed"), 0o600))
	_, err = Open(context.Background(), NewYAMLPersister(bad, nil), Options{})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	require.NoError(t, writeFileAtomic(path, []byte("a: 1\n"), 0o600))
	require.NoError(t, writeFileAtomic(path, []byte("a: 2\n"), 0o600))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a: 2\n", string(data))
}
