// ABOUTME: Tests for the form registry and server forms
// ABOUTME: Drives forms through a real store, gate, pool and flow engine

package forms

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/backend"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
)

const (
	admin  store.UserID = 1
	alice  store.UserID = 20
	bob    store.UserID = 30
	mallet store.UserID = 40
)

var chat = flow.Key{Chat: "!ops:example.org"}

type testEnv struct {
	st     *store.Store
	pool   *pool.Manager
	reg    *Registry
	engine *flow.Engine

	mu    sync.Mutex
	fakes map[string]*backend.Fake
}

func (e *testEnv) fake(serverID string) *backend.Fake {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.fakes[serverID]
	if !ok {
		f = backend.NewFake()
		e.fakes[serverID] = f
	}
	return f
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.NewYAMLPersister(filepath.Join(t.TempDir(), "condor.yaml"), nil), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureInitialized(ctx, admin, "admin"))

	e := &testEnv{st: st, fakes: make(map[string]*backend.Fake)}
	gate := access.NewGate(st)
	e.pool = pool.New(st, gate, pool.Options{
		Factory: func(entry store.ServerEntry) (backend.Client, error) { return e.fake(entry.ID), nil },
	})
	t.Cleanup(func() { _ = e.pool.Close() })
	e.reg = NewRegistry(Deps{Store: st, Pool: e.pool, Gate: gate})
	e.engine = flow.NewEngine(flow.Options{})
	t.Cleanup(e.engine.Close)
	return e
}

func (e *testEnv) addServer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.st.UpsertServer(context.Background(), store.ServerEntry{
		ID: id, Host: "localhost", Port: 8000, Username: "admin", Password: "pw", Enabled: true,
	}))
}

func (e *testEnv) user(t *testing.T, id store.UserID, grants map[string]store.AccessLevel) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.SetRole(ctx, id, store.RoleUser))
	for sid, level := range grants {
		require.NoError(t, e.st.GrantAccess(ctx, id, sid, level))
	}
}

// drive starts a form and feeds it inputs, "" meaning keep the default.
func (e *testEnv) drive(t *testing.T, kind Kind, req Request, inputs ...string) flow.View {
	t.Helper()
	ctx := context.Background()
	def, err := e.reg.Build(ctx, kind, req)
	require.NoError(t, err)
	v, err := e.engine.Start(ctx, chat, req.Actor, def)
	require.NoError(t, err)
	for _, in := range inputs {
		if in == "" {
			v, err = e.engine.KeepDefault(ctx, chat, req.Actor)
		} else {
			v, err = e.engine.Receive(ctx, chat, req.Actor, in)
		}
		require.NoError(t, err, "input %q", in)
	}
	require.Equal(t, flow.StateConfirming, v.State)
	return v
}

func lastAudit(t *testing.T, st *store.Store, action store.AuditAction) store.AuditEntry {
	t.Helper()
	entries := st.RecentAudit(store.AuditFilter{Action: action}, 1)
	require.Len(t, entries, 1, "no %s entry", action)
	return entries[0]
}

func TestRegistry_Kinds(t *testing.T) {
	env := setupEnv(t)

	want := slices.Clone(Kinds)
	slices.Sort(want)
	assert.Equal(t, want, env.reg.Registered())
	for _, k := range Kinds {
		_, ok := kindAction[k]
		assert.True(t, ok, "%s has an audit action", k)
	}

	_, err := env.reg.Build(context.Background(), "launch_rocket", Request{Actor: admin})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRegistry_AccessOnOpen(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	env.user(t, alice, map[string]store.AccessLevel{"main": store.AccessRead})
	ctx := context.Background()

	tests := []struct {
		name string
		kind Kind
		req  Request
		err  error
	}{
		{"admin only", KindAddServer, Request{Actor: alice}, access.ErrPermissionDenied},
		{"manage needed", KindEditServer, Request{Actor: alice, ServerID: "main"}, access.ErrPermissionDenied},
		{"trade needed", KindAddWallet, Request{Actor: alice, ServerID: "main"}, access.ErrPermissionDenied},
		{"pending user", KindAddWallet, Request{Actor: mallet, ServerID: "main"}, access.ErrPermissionDenied},
		{"server required", KindAddWallet, Request{Actor: admin}, ErrMissingTarget},
		{"admin adds", KindAddServer, Request{Actor: admin}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.reg.Build(ctx, tt.kind, tt.req)
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}

	var denied *access.DeniedError
	_, err := env.reg.Build(ctx, KindAddWallet, Request{Actor: mallet, ServerID: "main"})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, access.ReasonPendingApproval, denied.Reason)
}

func TestAddServer_Submit(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	v := env.drive(t, KindAddServer, Request{Actor: admin}, "main", "localhost", "", "", "s3cret")
	assert.NotContains(t, v.Transcript(), "s3cret")

	v, err := env.engine.Confirm(ctx, chat, admin)
	require.NoError(t, err)
	assert.Contains(t, v.Result, "Server main added at localhost:8000")
	assert.Contains(t, v.Result, "now the default")

	got, err := env.st.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, 8000, got.Port)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, "s3cret", got.Password)
	assert.Equal(t, admin, got.Owner)
	assert.True(t, got.Enabled)
	assert.True(t, got.IsDefault)

	entry := lastAudit(t, env.st, store.AuditServerAdded)
	assert.Equal(t, admin, entry.Actor)
	assert.Equal(t, "main", entry.TargetID)
	assert.Equal(t, store.OutcomeSuccess, entry.Outcome)
	assert.NotContains(t, entry.Details, "password")

	// A second server does not take over the default.
	env.drive(t, KindAddServer, Request{Actor: admin}, "backup", "10.0.0.2", "9000", "", "pw")
	v, err = env.engine.Confirm(ctx, chat, admin)
	require.NoError(t, err)
	assert.NotContains(t, v.Result, "default")
	def, _ := env.st.DefaultServer()
	assert.Equal(t, "main", def)
}

func TestAddServer_FieldValidation(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	ctx := context.Background()

	def, err := env.reg.Build(ctx, KindAddServer, Request{Actor: admin})
	require.NoError(t, err)
	_, err = env.engine.Start(ctx, chat, admin, def)
	require.NoError(t, err)

	for _, bad := range []string{"main", "bad id", ""} {
		_, err = env.engine.Receive(ctx, chat, admin, bad)
		assert.ErrorIs(t, err, flow.ErrInvalidInput, "id %q", bad)
	}
	_, err = env.engine.Receive(ctx, chat, admin, "fresh")
	require.NoError(t, err)

	for _, bad := range []string{"http://host", "bad host!", ""} {
		_, err = env.engine.Receive(ctx, chat, admin, bad)
		assert.ErrorIs(t, err, flow.ErrInvalidInput, "host %q", bad)
	}
	_, err = env.engine.Receive(ctx, chat, admin, "::1")
	require.NoError(t, err)

	for _, bad := range []string{"0", "65536", "http"} {
		_, err = env.engine.Receive(ctx, chat, admin, bad)
		assert.ErrorIs(t, err, flow.ErrInvalidInput, "port %q", bad)
	}
}

func TestEditServer_SingleField(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	env.user(t, alice, map[string]store.AccessLevel{"main": store.AccessManage})
	ctx := context.Background()

	def, err := env.reg.Build(ctx, KindEditServer, Request{Actor: alice, ServerID: "main", Field: "port"})
	require.NoError(t, err)
	require.Len(t, def.Fields, 1)
	assert.Equal(t, "8000", def.Fields[0].Default)

	env.drive(t, KindEditServer, Request{Actor: alice, ServerID: "main", Field: "port"}, "9001")
	v, err := env.engine.Confirm(ctx, chat, alice)
	require.NoError(t, err)
	assert.Contains(t, v.Result, "updated (port)")
	assert.Contains(t, v.Result, "Status: online")

	got, err := env.st.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, 9001, got.Port)
	assert.Equal(t, "pw", got.Password, "untouched fields kept")

	entry := lastAudit(t, env.st, store.AuditServerUpdated)
	assert.Equal(t, alice, entry.Actor)
	assert.Equal(t, "port", entry.Details["fields"])
}

func TestEditServer_AllFieldsKeepCurrent(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	ctx := context.Background()

	v := env.drive(t, KindEditServer, Request{Actor: admin, ServerID: "main"}, "", "", "", "")
	for _, l := range v.Summary {
		assert.NotEqual(t, "pw", l.Value)
	}
	v, err := env.engine.Confirm(ctx, chat, admin)
	require.NoError(t, err)
	assert.Equal(t, "No changes to main.", v.Result)
	assert.Empty(t, env.st.RecentAudit(store.AuditFilter{Action: store.AuditServerUpdated}, 1))
}

func TestEditServer_Errors(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	ctx := context.Background()

	_, err := env.reg.Build(ctx, KindEditServer, Request{Actor: admin, ServerID: "main", Field: "owner"})
	assert.ErrorIs(t, err, flow.ErrUnknownField)

	_, err = env.reg.Build(ctx, KindEditServer, Request{Actor: admin, ServerID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestShareServer(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	env.user(t, alice, map[string]store.AccessLevel{"main": store.AccessManage})
	_, _, err := env.st.RegisterPending(context.Background(), bob, "bob")
	require.NoError(t, err)
	require.NoError(t, env.st.Approve(context.Background(), bob))
	ctx := context.Background()

	def, err := env.reg.Build(ctx, KindShareServer, Request{Actor: alice, ServerID: "main"})
	require.NoError(t, err)
	_, err = env.engine.Start(ctx, chat, alice, def)
	require.NoError(t, err)

	for _, bad := range []string{"20", "999", "abc"} {
		_, err = env.engine.Receive(ctx, chat, alice, bad)
		assert.ErrorIs(t, err, flow.ErrInvalidInput, "user %q", bad)
	}
	_, err = env.engine.Receive(ctx, chat, alice, "30")
	require.NoError(t, err)
	_, err = env.engine.Receive(ctx, chat, alice, "owner")
	assert.ErrorIs(t, err, flow.ErrInvalidInput)
	_, err = env.engine.Receive(ctx, chat, alice, "trade")
	require.NoError(t, err)

	v, err := env.engine.Confirm(ctx, chat, alice)
	require.NoError(t, err)
	assert.Equal(t, "User 30 now has trade access to main.", v.Result)

	level, ok := env.st.Grant(bob, "main")
	require.True(t, ok)
	assert.Equal(t, store.AccessTrade, level)

	entry := lastAudit(t, env.st, store.AuditAccessGranted)
	assert.Equal(t, map[string]string{"user": "30", "level": "trade"}, entry.Details)
}

func TestSubmit_RechecksAccess(t *testing.T) {
	env := setupEnv(t)
	env.addServer(t, "main")
	env.user(t, alice, map[string]store.AccessLevel{"main": store.AccessTrade})
	ctx := context.Background()

	env.drive(t, KindAddWallet, Request{Actor: alice, ServerID: "main"}, "solana", "key")
	require.NoError(t, env.st.RevokeAccess(ctx, alice, "main"))

	v, err := env.engine.Confirm(ctx, chat, alice)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	assert.Equal(t, flow.StateConfirming, v.State)
	assert.Empty(t, env.st.ListWallets("main"))
	assert.Empty(t, env.fake("main").CallLog(), "backend never called")

	entry := lastAudit(t, env.st, store.AuditWalletAdded)
	assert.Equal(t, store.OutcomeDenied, entry.Outcome)
}
