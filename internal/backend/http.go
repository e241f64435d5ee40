// ABOUTME: REST client for a backend server's accounts and gateway endpoints
// ABOUTME: Basic or bearer auth, JSON bodies, and status-to-error classification

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/condor/internal/store"
)

const maxErrorBody = 512

// HTTPClient implements Client over the backend's REST API.
type HTTPClient struct {
	serverID string
	baseURL  string
	username string
	password string
	token    string
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

// NewHTTPClient returns a client for http://host:port.
func NewHTTPClient(entry store.ServerEntry, opts Options) *HTTPClient {
	opts.defaults()
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPClient{
		serverID: entry.ID,
		baseURL:  "http://" + net.JoinHostPort(entry.Host, strconv.Itoa(entry.Port)),
		username: entry.Username,
		password: entry.Password,
		token:    entry.Token,
		http:     hc,
		logger:   opts.Logger.With("component", "backend", "server_id", entry.ID),
		now:      opts.Now,
	}
}

// BaseURL returns the server root URL.
func (c *HTTPClient) BaseURL() string { return c.baseURL }

// HealthCheck calls a protected endpoint so that rejected credentials are
// distinguished from an unreachable server.
func (c *HTTPClient) HealthCheck(ctx context.Context) (HealthStatus, error) {
	err := c.do(ctx, http.MethodGet, "/accounts/", nil, nil)
	return StatusFromError(err), err
}

func (c *HTTPClient) ListConnectors(ctx context.Context) ([]string, error) {
	var resp struct {
		Connectors []struct {
			Name string `json:"name"`
		} `json:"connectors"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateway/connectors", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Connectors))
	for _, cn := range resp.Connectors {
		out = append(out, cn.Name)
	}
	return out, nil
}

func (c *HTTPClient) ConnectorConfig(ctx context.Context, name string) (map[string]any, error) {
	var cfg map[string]any
	err := c.do(ctx, http.MethodGet, "/gateway/connectors/"+url.PathEscape(name), nil, &cfg)
	return cfg, err
}

func (c *HTTPClient) UpdateConnectorConfig(ctx context.Context, name string, cfg map[string]any) error {
	return c.do(ctx, http.MethodPost, "/gateway/connectors/"+url.PathEscape(name), cfg, nil)
}

func (c *HTTPClient) ListNetworks(ctx context.Context) ([]string, error) {
	var resp struct {
		Networks []struct {
			NetworkID string `json:"network_id"`
		} `json:"networks"`
	}
	if err := c.do(ctx, http.MethodGet, "/gateway/networks", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Networks))
	for _, n := range resp.Networks {
		out = append(out, n.NetworkID)
	}
	return out, nil
}

func (c *HTTPClient) NetworkConfig(ctx context.Context, network string) (map[string]any, error) {
	var cfg map[string]any
	err := c.do(ctx, http.MethodGet, "/gateway/networks/"+url.PathEscape(network), nil, &cfg)
	return cfg, err
}

func (c *HTTPClient) UpdateNetworkConfig(ctx context.Context, network string, cfg map[string]any) error {
	return c.do(ctx, http.MethodPost, "/gateway/networks/"+url.PathEscape(network), cfg, nil)
}

func (c *HTTPClient) AddToken(ctx context.Context, network string, t Token) error {
	return c.do(ctx, http.MethodPost, "/gateway/networks/"+url.PathEscape(network)+"/tokens", t, nil)
}

func (c *HTTPClient) DeleteToken(ctx context.Context, network, address string) error {
	return c.do(ctx, http.MethodDelete,
		"/gateway/networks/"+url.PathEscape(network)+"/tokens/"+url.PathEscape(address), nil, nil)
}

func (c *HTTPClient) AddPool(ctx context.Context, p Pool) error {
	return c.do(ctx, http.MethodPost, "/gateway/pools", p, nil)
}

func (c *HTTPClient) DeletePool(ctx context.Context, p Pool) error {
	q := url.Values{}
	q.Set("connector_name", p.Connector)
	q.Set("network", p.Network)
	q.Set("pool_type", p.Type)
	return c.do(ctx, http.MethodDelete, "/gateway/pools/"+url.PathEscape(p.Address)+"?"+q.Encode(), nil, nil)
}

func (c *HTTPClient) AddWallet(ctx context.Context, chain, privateKey string) (string, error) {
	req := map[string]string{"chain": chain, "private_key": privateKey}
	var resp struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodPost, "/accounts/gateway/add-wallet", req, &resp); err != nil {
		return "", err
	}
	if resp.Address == "" {
		return "", fmt.Errorf("backend did not return a wallet address")
	}
	return resp.Address, nil
}

func (c *HTTPClient) RemoveWallet(ctx context.Context, chain, address string) error {
	return c.do(ctx, http.MethodDelete,
		"/accounts/gateway/"+url.PathEscape(chain)+"/"+url.PathEscape(address), nil, nil)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if c.token != "" && tokenExpired(c.token, c.now()) {
		return &AuthError{Reason: "token expired"}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "" || c.password != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrOffline, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
