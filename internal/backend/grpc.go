// ABOUTME: gRPC transport that probes a backend with the standard health service
// ABOUTME: Bearer tokens travel as metadata; gateway operations are unsupported

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/condor/internal/store"
)

const passthroughPrefix = "passthrough:///"

// GRPCClient implements Client for servers reachable over gRPC.
type GRPCClient struct {
	serverID string
	token    string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *slog.Logger
	now      func() time.Time
}

// NewGRPCClient creates a lazy connection to host:port. No network I/O
// happens until the first probe.
func NewGRPCClient(entry store.ServerEntry, opts Options) (*GRPCClient, error) {
	opts.defaults()
	addr := net.JoinHostPort(entry.Host, strconv.Itoa(entry.Port))
	conn, err := grpc.NewClient(passthroughPrefix+addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", addr, err)
	}
	return &GRPCClient{
		serverID: entry.ID,
		token:    entry.Token,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   opts.Logger.With("component", "backend", "server_id", entry.ID, "transport", "grpc"),
		now:      opts.Now,
	}, nil
}

// HealthCheck calls grpc.health.v1.Health/Check for the server as a whole.
func (c *GRPCClient) HealthCheck(ctx context.Context) (HealthStatus, error) {
	if c.token != "" {
		if tokenExpired(c.token, c.now()) {
			err := &AuthError{Reason: "token expired"}
			return HealthAuthError, err
		}
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ""})
	if err != nil {
		if st, ok := status.FromError(err); ok {
			switch st.Code() {
			case codes.Unauthenticated, codes.PermissionDenied:
				return HealthAuthError, &AuthError{Reason: st.Message()}
			}
		}
		return HealthOffline, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return HealthOffline, fmt.Errorf("%w: health status %s", ErrOffline, resp.GetStatus())
	}
	return HealthOnline, nil
}

func (c *GRPCClient) ListConnectors(context.Context) ([]string, error) { return nil, ErrUnsupported }
func (c *GRPCClient) ConnectorConfig(context.Context, string) (map[string]any, error) {
	return nil, ErrUnsupported
}
func (c *GRPCClient) UpdateConnectorConfig(context.Context, string, map[string]any) error {
	return ErrUnsupported
}
func (c *GRPCClient) ListNetworks(context.Context) ([]string, error) { return nil, ErrUnsupported }
func (c *GRPCClient) NetworkConfig(context.Context, string) (map[string]any, error) {
	return nil, ErrUnsupported
}
func (c *GRPCClient) UpdateNetworkConfig(context.Context, string, map[string]any) error {
	return ErrUnsupported
}
func (c *GRPCClient) AddToken(context.Context, string, Token) error     { return ErrUnsupported }
func (c *GRPCClient) DeleteToken(context.Context, string, string) error { return ErrUnsupported }
func (c *GRPCClient) AddPool(context.Context, Pool) error               { return ErrUnsupported }
func (c *GRPCClient) DeletePool(context.Context, Pool) error            { return ErrUnsupported }
func (c *GRPCClient) AddWallet(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}
func (c *GRPCClient) RemoveWallet(context.Context, string, string) error { return ErrUnsupported }

// Close closes the underlying connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
