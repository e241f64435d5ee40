// ABOUTME: Tests for the single-writer store core
// ABOUTME: Covers initialization, durability, concurrency, listeners and close

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdmin UserID = 1000

// fakeClock is a settable clock for deterministic timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingPersister fails every Save after the first failAfter calls.
type failingPersister struct {
	mu        sync.Mutex
	saves     int
	failAfter int
}

func (p *failingPersister) Load(context.Context) (*Document, error) { return nil, ErrNoDocument }
func (p *failingPersister) Close() error                            { return nil }
func (p *failingPersister) Save(context.Context, *Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saves > p.failAfter {
		return errors.New("disk full")
	}
	return nil
}

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "condor.yaml")
	return openTestStore(t, path, nil), path
}

func openTestStore(t *testing.T, path string, clock *fakeClock) *Store {
	t.Helper()
	opts := Options{}
	if clock != nil {
		opts.Now = clock.Now
	}
	s, err := Open(context.Background(), NewYAMLPersister(path, nil), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureInitialized(context.Background(), testAdmin, "root"))
	return s
}

func reopen(t *testing.T, s *Store, path string) *Store {
	t.Helper()
	require.NoError(t, s.Close())
	s2, err := Open(context.Background(), NewYAMLPersister(path, nil), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	return s2
}

func TestEnsureInitialized_SeedsAdminOnce(t *testing.T) {
	s, path := setupTestStore(t)
	ctx := context.Background()

	u, err := s.GetUser(testAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
	assert.Equal(t, testAdmin, s.AdminID())

	// Second call with another identity must not seed a second admin.
	require.NoError(t, s.EnsureInitialized(ctx, 2000, "other"))
	_, err = s.GetUser(2000)
	assert.ErrorIs(t, err, ErrNotFound)

	s2 := reopen(t, s, path)
	u, err = s2.GetUser(testAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, u.Role)
}

func TestEnsureInitialized_RequiresAdminIdentity(t *testing.T) {
	s, err := Open(context.Background(), NewYAMLPersister(filepath.Join(t.TempDir(), "c.yaml"), nil), Options{})
	require.NoError(t, err)
	defer s.Close()

	err = s.EnsureInitialized(context.Background(), 0, "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEnsureInitialized_WritesFirstDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	p := NewYAMLPersister(path, nil)
	s, err := Open(context.Background(), p, Options{})
	require.NoError(t, err)
	require.NoError(t, s.EnsureInitialized(context.Background(), testAdmin, ""))
	require.NoError(t, s.Close())

	doc, err := p.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DocumentVersion, doc.Version)
	assert.Equal(t, testAdmin, doc.AdminID)
}

func TestMutate_StorageErrorLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, &failingPersister{failAfter: 1}, Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureInitialized(ctx, testAdmin, ""))

	err = s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.NotErrorIs(t, err, ErrNotFound)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "upsert_server", se.Op)

	_, err = s.GetServer("main")
	assert.ErrorIs(t, err, ErrNotFound, "failed write must not be visible")
}

func TestMutate_NoChangeSkipsWrite(t *testing.T) {
	ctx := context.Background()
	p := &failingPersister{failAfter: 1}
	s, err := Open(ctx, p, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.EnsureInitialized(ctx, testAdmin, ""))

	// Revoking an absent grant changes nothing and must not hit the persister.
	require.NoError(t, s.RevokeAccess(ctx, testAdmin, "nothing"))
	assert.Equal(t, 1, p.saves)
}

func TestClose_RejectsMutations(t *testing.T) {
	s, _ := setupTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")

	err := s.SetRole(context.Background(), 5, RoleUser)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, s.Closed())
}

func TestWatch_ListenerRunsBeforeCallReturns(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []Change
	)
	cancel := s.Watch(func(c Change) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	})

	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000, Enabled: true}))
	require.NoError(t, s.DeleteServer(ctx, "main"))

	mu.Lock()
	kinds := make([]ChangeKind, 0, len(seen))
	for _, c := range seen {
		kinds = append(kinds, c.Kind)
	}
	mu.Unlock()
	assert.Equal(t, []ChangeKind{ChangeServerAdded, ChangeServerDeleted}, kinds)

	cancel()
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "again", Host: "localhost", Port: 8000}))
	mu.Lock()
	assert.Len(t, seen, 2, "cancelled listener must not be called")
	mu.Unlock()
}

func TestConcurrentUpserts_DistinctIDsAllDurable(t *testing.T) {
	s, path := setupTestStore(t)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.UpsertServer(ctx, ServerEntry{
				ID:   fmt.Sprintf("srv-%02d", i),
				Host: "10.0.0.1",
				Port: 8000 + i,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	s2 := reopen(t, s, path)
	assert.Len(t, s2.ListServers(), n)
}

func TestConcurrentUpserts_SameIDNoLostUpdate(t *testing.T) {
	s, path := setupTestStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 9000 + i}))
		}(i)
	}
	wg.Wait()

	got, err := s.GetServer("main")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Port, 9000)
	assert.Less(t, got.Port, 9000+n)

	s2 := reopen(t, s, path)
	persisted, err := s2.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, got.Port, persisted.Port, "durable value must match the last applied write")
}

func TestSnapshot_IsDetached(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertServer(ctx, ServerEntry{ID: "main", Host: "localhost", Port: 8000}))

	snap := s.Snapshot()
	e := snap.Servers["main"]
	e.Host = "changed"
	snap.Servers["main"] = e
	delete(snap.Users, testAdmin)

	got, err := s.GetServer("main")
	require.NoError(t, err)
	assert.Equal(t, "localhost", got.Host)
	_, err = s.GetUser(testAdmin)
	assert.NoError(t, err)
}

func TestMutate_CancelledContextIsNeverApplied(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 50; i++ {
		err := s.UpsertServer(ctx, ServerEntry{ID: fmt.Sprintf("s%d", i), Host: "localhost", Port: 8000})
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Empty(t, s.ListServers())
	assert.Empty(t, s.RecentAudit(AuditFilter{}, 50))
}

func TestMutate_CancelledWhileQueuedIsDropped(t *testing.T) {
	s, _ := setupTestStore(t)
	bg := context.Background()

	// Hold the writer inside a mutation so the next request waits in the queue.
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.mutate(bg, "hold", false, func(d *Document) ([]Change, error) {
			close(entered)
			<-release
			return nil, nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(bg)
	result := make(chan error, 1)
	go func() {
		result <- s.UpsertServer(ctx, ServerEntry{ID: "late", Host: "localhost", Port: 8000})
	}()
	require.Eventually(t, func() bool { return len(s.requests) == 1 }, time.Second, time.Millisecond)

	cancel()
	close(release)

	require.ErrorIs(t, <-result, context.Canceled)
	_, err := s.GetServer("late")
	assert.ErrorIs(t, err, ErrNotFound)
}
