// ABOUTME: In-memory Client used by tests of packages that depend on backends
// ABOUTME: Records calls and returns configurable health and errors

package backend

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is a scriptable in-memory Client.
type Fake struct {
	mu         sync.Mutex
	Status     HealthStatus
	ProbeErr   error
	ProbeDelay time.Duration
	OpErr      error
	hold       chan struct{}
	Connectors map[string]map[string]any
	Networks   map[string]map[string]any
	Tokens     map[string][]Token
	Pools      []Pool
	Wallets    map[string]string // address -> chain
	Calls      []string

	probes atomic.Int32
	closed atomic.Bool
}

// NewFake returns an online Fake with no configuration.
func NewFake() *Fake {
	return &Fake{
		Status:     HealthOnline,
		Connectors: map[string]map[string]any{},
		Networks:   map[string]map[string]any{},
		Tokens:     map[string][]Token{},
		Wallets:    map[string]string{},
	}
}

// Probes returns how many health checks ran.
func (f *Fake) Probes() int { return int(f.probes.Load()) }

// Closed reports whether Close was called.
func (f *Fake) Closed() bool { return f.closed.Load() }

func (f *Fake) record(call string) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, call)
	hold, err := f.hold, f.OpErr
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return err
}

func (f *Fake) HealthCheck(ctx context.Context) (HealthStatus, error) {
	f.probes.Add(1)
	f.mu.Lock()
	delay, st, err := f.ProbeDelay, f.Status, f.ProbeErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return HealthOffline, ctx.Err()
		}
	}
	return st, err
}

// SetHold makes every later operation wait until ch is closed.
func (f *Fake) SetHold(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = ch
}

// SetHealth changes the scripted probe result.
func (f *Fake) SetHealth(st HealthStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Status, f.ProbeErr = st, err
}

func (f *Fake) ListConnectors(context.Context) ([]string, error) {
	if err := f.record("ListConnectors"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Connectors))
	for name := range f.Connectors {
		out = append(out, name)
	}
	return out, nil
}

func (f *Fake) ConnectorConfig(_ context.Context, name string) (map[string]any, error) {
	if err := f.record("ConnectorConfig " + name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.Connectors[name]
	if !ok {
		return nil, &StatusError{Status: 404, Body: "connector not found"}
	}
	return maps.Clone(cfg), nil
}

func (f *Fake) UpdateConnectorConfig(_ context.Context, name string, cfg map[string]any) error {
	if err := f.record("UpdateConnectorConfig " + name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connectors[name] = maps.Clone(cfg)
	return nil
}

func (f *Fake) ListNetworks(context.Context) ([]string, error) {
	if err := f.record("ListNetworks"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Networks))
	for id := range f.Networks {
		out = append(out, id)
	}
	return out, nil
}

func (f *Fake) NetworkConfig(_ context.Context, network string) (map[string]any, error) {
	if err := f.record("NetworkConfig " + network); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.Networks[network]
	if !ok {
		return nil, &StatusError{Status: 404, Body: "network not found"}
	}
	return maps.Clone(cfg), nil
}

func (f *Fake) UpdateNetworkConfig(_ context.Context, network string, cfg map[string]any) error {
	if err := f.record("UpdateNetworkConfig " + network); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Networks[network] = maps.Clone(cfg)
	return nil
}

func (f *Fake) AddToken(_ context.Context, network string, t Token) error {
	if err := f.record("AddToken " + network); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens[network] = append(f.Tokens[network], t)
	return nil
}

func (f *Fake) DeleteToken(_ context.Context, network, address string) error {
	if err := f.record("DeleteToken " + network); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.Tokens[network][:0]
	for _, t := range f.Tokens[network] {
		if t.Address != address {
			kept = append(kept, t)
		}
	}
	f.Tokens[network] = kept
	return nil
}

func (f *Fake) AddPool(_ context.Context, p Pool) error {
	if err := f.record("AddPool " + p.Address); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pools = append(f.Pools, p)
	return nil
}

func (f *Fake) DeletePool(_ context.Context, p Pool) error {
	if err := f.record("DeletePool " + p.Address); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.Pools[:0]
	for _, x := range f.Pools {
		if x.Address != p.Address {
			kept = append(kept, x)
		}
	}
	f.Pools = kept
	return nil
}

func (f *Fake) AddWallet(_ context.Context, chain, _ string) (string, error) {
	if err := f.record("AddWallet " + chain); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	addr := "0xfake" + chain
	f.Wallets[addr] = chain
	return addr, nil
}

func (f *Fake) RemoveWallet(_ context.Context, chain, address string) error {
	if err := f.record("RemoveWallet " + chain); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Wallets, address)
	return nil
}

func (f *Fake) Close() error {
	f.closed.Store(true)
	return nil
}

// CallLog returns a copy of the recorded calls.
func (f *Fake) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}
