// ABOUTME: Server pool manager holding backend clients and health per server
// ABOUTME: Lazy handles, coalesced bounded probes, and teardown on store changes

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/condor/internal/backend"
	"github.com/2389/condor/internal/store"
)

var (
	// ErrUnavailable means no client can be handed out for the server.
	ErrUnavailable = errors.New("server unavailable")
	// ErrNoDefault means no server could be resolved for the user.
	ErrNoDefault = errors.New("no default server configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pool closed")
)

// Directory is the part of the store the pool reads.
type Directory interface {
	GetServer(id string) (store.ServerEntry, error)
	ListServers() []store.ServerEntry
	ResolveDefault(chatID string, allowed func(serverID string) bool) (string, bool)
	Watch(l store.Listener) (cancel func())
}

// Authorizer decides which servers a user may use.
type Authorizer interface {
	Allows(userID store.UserID, serverID string, required store.AccessLevel) bool
}

// Health is a point-in-time health observation.
type Health struct {
	Status    backend.HealthStatus
	CheckedAt time.Time
	Error     string
}

// Handle is a live client for one server.
type Handle struct {
	ServerID string
	backend.Client

	gen uint64
}

// Options configures a Manager.
type Options struct {
	Factory       backend.Factory
	ProbeTimeout  time.Duration
	ProbeInterval time.Duration
	StaleAfter    time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager owns backend handles and health.
type Manager struct {
	dir     Directory
	gate    Authorizer
	factory backend.Factory
	logger  *slog.Logger
	now     func() time.Time

	probeTimeout  time.Duration
	probeInterval time.Duration
	staleAfter    time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
	health  map[string]Health
	gens    map[string]uint64
	closed  bool

	group   singleflight.Group
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	unwatch func()
}

// New creates a Manager and subscribes it to store changes.
func New(dir Directory, gate Authorizer, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Factory == nil {
		opts.Factory = backend.NewFactory(backend.Options{Logger: opts.Logger})
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dir:           dir,
		gate:          gate,
		factory:       opts.Factory,
		logger:        opts.Logger.With("component", "pool"),
		now:           opts.Now,
		probeTimeout:  opts.ProbeTimeout,
		probeInterval: opts.ProbeInterval,
		staleAfter:    opts.StaleAfter,
		handles:       make(map[string]*Handle),
		health:        make(map[string]Health),
		gens:          make(map[string]uint64),
		ctx:           ctx,
		cancel:        cancel,
	}
	m.unwatch = dir.Watch(m.onChange)
	return m
}

// GetClient returns the handle for serverID, creating it if needed.
// Unknown or disabled servers yield ErrUnavailable; an unknown server also
// matches store.ErrNotFound.
func (m *Manager) GetClient(_ context.Context, serverID string) (*Handle, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	if h, ok := m.handles[serverID]; ok {
		m.mu.RUnlock()
		return h, nil
	}
	gen := m.gens[serverID]
	m.mu.RUnlock()

	entry, err := m.dir.GetServer(serverID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: server %q is disabled", ErrUnavailable, serverID)
	}

	client, err := m.factory(entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = client.Close()
		return nil, ErrClosed
	}
	if h, ok := m.handles[serverID]; ok {
		m.mu.Unlock()
		_ = client.Close()
		return h, nil
	}
	if m.gens[serverID] != gen {
		// The entry changed while the client was being built.
		m.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("%w: server %q changed, try again", ErrUnavailable, serverID)
	}
	h := &Handle{ServerID: serverID, Client: client, gen: gen}
	m.handles[serverID] = h
	m.mu.Unlock()

	m.logger.Info("=== HANDLE CREATED ===", "server_id", serverID, "transport", entry.Transport)
	m.probeAsync(serverID)
	return h, nil
}

// GetDefaultClient resolves the user's default server (global default,
// then the first server they can read) and returns its handle.
func (m *Manager) GetDefaultClient(ctx context.Context, userID store.UserID) (*Handle, error) {
	return m.GetDefaultClientForChat(ctx, userID, "")
}

// GetDefaultClientForChat is GetDefaultClient with the chat's own default
// taking precedence.
func (m *Manager) GetDefaultClientForChat(ctx context.Context, userID store.UserID, chatID string) (*Handle, error) {
	id, ok := m.ResolveDefault(userID, chatID)
	if !ok {
		return nil, ErrNoDefault
	}
	return m.GetClient(ctx, id)
}

// ResolveDefault returns the server id GetDefaultClientForChat would use.
func (m *Manager) ResolveDefault(userID store.UserID, chatID string) (string, bool) {
	return m.dir.ResolveDefault(chatID, func(serverID string) bool {
		return m.gate == nil || m.gate.Allows(userID, serverID, store.AccessRead)
	})
}

// Health returns the last observation for serverID without blocking. A
// stale or missing observation triggers a background probe.
func (m *Manager) Health(serverID string) Health {
	m.mu.RLock()
	h, ok := m.health[serverID]
	closed := m.closed
	m.mu.RUnlock()

	if !ok {
		h = Health{Status: backend.HealthUnknown}
	}
	if !closed && (!ok || m.now().Sub(h.CheckedAt) > m.staleAfter) {
		m.probeAsync(serverID)
	}
	return h
}

// Refresh rebuilds the handle for serverID and probes it, waiting for the
// result. Concurrent refreshes of the same server share one probe.
func (m *Manager) Refresh(ctx context.Context, serverID string) (Health, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := m.runProbe(ctx, serverID, true)
		if err != nil {
			return Health{}, err
		}
		if res.rebuilt || attempt == 1 {
			return res.health, nil
		}
		// Joined a plain background probe; go again so the handle is rebuilt.
	}
	return Health{}, nil
}

// Start probes every enabled server now and then every probe interval.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.probeInterval)
		defer ticker.Stop()

		m.probeAll()
		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-m.ctx.Done():
				return
			}
		}
	}()
	m.logger.Info("pool started", "probe_interval", m.probeInterval, "probe_timeout", m.probeTimeout)
}

// Close stops background work and closes all clients.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	m.unwatch()
	m.cancel()
	m.wg.Wait()

	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("pool closed", "handles", len(handles))
	return errors.Join(errs...)
}

func (m *Manager) probeAll() {
	for _, e := range m.dir.ListServers() {
		if e.Enabled {
			m.probeAsync(e.ID)
		}
	}
}

func (m *Manager) probeAsync(serverID string) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.wg.Done()
		_, _ = m.runProbe(m.ctx, serverID, false)
	}()
}

type probeResult struct {
	health  Health
	rebuilt bool
}

// runProbe runs one coalesced probe. With rebuild set the handle is
// replaced first.
func (m *Manager) runProbe(ctx context.Context, serverID string, rebuild bool) (probeResult, error) {
	ch := m.group.DoChan(serverID, func() (any, error) {
		if rebuild {
			m.teardown(serverID, "refresh")
		}
		h, err := m.GetClient(m.ctx, serverID)
		if err != nil {
			return probeResult{rebuilt: rebuild}, err
		}
		return probeResult{health: m.probe(h), rebuilt: rebuild}, nil
	})

	select {
	case r := <-ch:
		res, _ := r.Val.(probeResult)
		return res, r.Err
	case <-ctx.Done():
		return probeResult{}, ctx.Err()
	}
}

// probe checks one handle with the probe timeout and records the result.
func (m *Manager) probe(h *Handle) Health {
	ctx, cancel := context.WithTimeout(m.ctx, m.probeTimeout)
	defer cancel()

	type outcome struct {
		status backend.HealthStatus
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		st, err := h.HealthCheck(ctx)
		done <- outcome{st, err}
	}()

	var res Health
	select {
	case o := <-done:
		res = Health{Status: o.status, CheckedAt: m.now()}
		if o.err != nil {
			res.Error = o.err.Error()
		}
		if res.Status == "" {
			res.Status = backend.StatusFromError(o.err)
		}
	case <-ctx.Done():
		res = Health{
			Status:    backend.HealthOffline,
			CheckedAt: m.now(),
			Error:     fmt.Sprintf("health probe timed out after %s", m.probeTimeout),
		}
	}

	m.record(h, res)
	return res
}

// record stores res unless h was torn down or replaced meanwhile.
func (m *Manager) record(h *Handle, res Health) {
	serverID := h.ServerID
	m.mu.Lock()
	if m.handles[serverID] != h || m.gens[serverID] != h.gen {
		m.mu.Unlock()
		m.logger.Debug("stale health result dropped", "server_id", serverID, "status", res.Status)
		return
	}
	prev, had := m.health[serverID]
	m.health[serverID] = res
	m.mu.Unlock()

	if had && prev.Status == res.Status {
		m.logger.Debug("health probe", "server_id", serverID, "status", res.Status)
		return
	}
	switch res.Status {
	case backend.HealthOnline:
		m.logger.Info("=== SERVER ONLINE ===", "server_id", serverID)
	case backend.HealthAuthError:
		m.logger.Warn("=== SERVER AUTH ERROR ===", "server_id", serverID, "error", res.Error)
	default:
		m.logger.Warn("=== SERVER OFFLINE ===", "server_id", serverID, "error", res.Error)
	}
}

// teardown drops and closes the handle for serverID.
func (m *Manager) teardown(serverID, reason string) {
	m.mu.Lock()
	m.gens[serverID]++
	h, ok := m.handles[serverID]
	delete(m.handles, serverID)
	delete(m.health, serverID)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := h.Close(); err != nil {
		m.logger.Warn("closing backend client", "server_id", serverID, "error", err)
	}
	m.logger.Info("=== HANDLE TORN DOWN ===", "server_id", serverID, "reason", reason)
}

// onChange runs on the store writer after a durable mutation.
func (m *Manager) onChange(c store.Change) {
	switch c.Kind {
	case store.ChangeServerDeleted:
		m.teardown(c.ServerID, "deleted")
	case store.ChangeServerUpdated:
		m.teardown(c.ServerID, "updated")
		if c.Server != nil && c.Server.Enabled {
			m.probeAsync(c.ServerID)
		}
	case store.ChangeServerAdded:
		if c.Server != nil && c.Server.Enabled {
			m.probeAsync(c.ServerID)
		}
	}
}
