// ABOUTME: Backend client interface, health status values, and error kinds
// ABOUTME: New selects the HTTP or gRPC implementation from a server entry

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/condor/internal/store"
)

// HealthStatus is the last known reachability of a server.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthOnline    HealthStatus = "online"
	HealthOffline   HealthStatus = "offline"
	HealthAuthError HealthStatus = "auth_error"
)

var (
	// ErrAuth means the backend rejected the configured credentials.
	ErrAuth = errors.New("backend rejected credentials")
	// ErrOffline means the backend could not be reached in time.
	ErrOffline = errors.New("backend unreachable")
	// ErrUnsupported means the transport does not offer the operation.
	ErrUnsupported = errors.New("operation not supported by this transport")
)

// AuthError carries detail about a credential rejection.
type AuthError struct {
	Status int    // HTTP status or 0
	Reason string // e.g. "token expired"
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend rejected credentials (HTTP %d)", e.Status)
	}
	return "backend rejected credentials: " + e.Reason
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// StatusError is a non-2xx response that is not an auth failure.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.Status, e.Body)
}

// Token is a token definition on a gateway network.
type Token struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name,omitempty"`
}

// Pool identifies a liquidity pool registered on a gateway connector.
type Pool struct {
	Connector string `json:"connector_name"`
	Network   string `json:"network"`
	Type      string `json:"pool_type"`
	Base      string `json:"base,omitempty"`
	Quote     string `json:"quote,omitempty"`
	Address   string `json:"address"`
}

// GatewayOps are pass-through configuration operations on a server's gateway.
type GatewayOps interface {
	ListConnectors(ctx context.Context) ([]string, error)
	ConnectorConfig(ctx context.Context, name string) (map[string]any, error)
	UpdateConnectorConfig(ctx context.Context, name string, cfg map[string]any) error
	ListNetworks(ctx context.Context) ([]string, error)
	NetworkConfig(ctx context.Context, network string) (map[string]any, error)
	UpdateNetworkConfig(ctx context.Context, network string, cfg map[string]any) error
	AddToken(ctx context.Context, network string, t Token) error
	DeleteToken(ctx context.Context, network, address string) error
	AddPool(ctx context.Context, p Pool) error
	DeletePool(ctx context.Context, p Pool) error
	AddWallet(ctx context.Context, chain, privateKey string) (address string, err error)
	RemoveWallet(ctx context.Context, chain, address string) error
}

// Client is a live connection to one backend server.
type Client interface {
	GatewayOps
	// HealthCheck probes the server. The returned error explains a
	// non-online status.
	HealthCheck(ctx context.Context) (HealthStatus, error)
	Close() error
}

// Options configures client construction.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client  // overrides the default HTTP client
	Timeout    time.Duration // per-request timeout for the default HTTP client
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Factory builds a Client for a server entry.
type Factory func(entry store.ServerEntry) (Client, error)

// New builds a Client for entry using its transport.
func New(entry store.ServerEntry, opts Options) (Client, error) {
	opts.defaults()
	switch entry.Transport {
	case store.TransportHTTP, "":
		return NewHTTPClient(entry, opts), nil
	case store.TransportGRPC:
		return NewGRPCClient(entry, opts)
	default:
		return nil, fmt.Errorf("unknown transport %q for server %q", entry.Transport, entry.ID)
	}
}

// NewFactory returns a Factory that calls New with opts.
func NewFactory(opts Options) Factory {
	return func(entry store.ServerEntry) (Client, error) {
		return New(entry, opts)
	}
}

// StatusFromError classifies a probe error.
func StatusFromError(err error) HealthStatus {
	switch {
	case err == nil:
		return HealthOnline
	case errors.Is(err, ErrAuth):
		return HealthAuthError
	default:
		return HealthOffline
	}
}
