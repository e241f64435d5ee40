// ABOUTME: Status HTTP API: liveness, readiness and a credential-free server list
// ABOUTME: Listens on a TCP address or, optionally, on the tailnet through tsnet

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"tailscale.com/tsnet"

	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Store is what the API reads from the configuration store.
type Store interface {
	ListServers() []store.ServerEntry
	Closed() bool
}

// HealthSource reports the pool's last observation per server.
type HealthSource interface {
	Health(serverID string) pool.Health
}

// Server serves the status API.
type Server struct {
	store  Store
	health HealthSource
	logger *slog.Logger
	router chi.Router

	ts *tsnet.Server
}

// New builds the router.
func New(st Store, health HealthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  st,
		health: health,
		logger: logger.With("component", "httpapi"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Route("/api", func(r chi.Router) {
		r.Get("/servers", s.handleServers)
	})
	s.router = r
	return s
}

// Handler returns the API's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.store.Closed() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store closed"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// serverView is the public shape of a server entry.
type serverView struct {
	ID        string     `json:"id"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Transport string     `json:"transport"`
	Enabled   bool       `json:"enabled"`
	IsDefault bool       `json:"is_default"`
	Health    string     `json:"health"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.store.ListServers()
	out := make([]serverView, 0, len(servers))
	for _, e := range servers {
		h := s.health.Health(e.ID)
		v := serverView{
			ID:        e.ID,
			Host:      e.Host,
			Port:      e.Port,
			Transport: string(e.Transport),
			Enabled:   e.Enabled,
			IsDefault: e.IsDefault,
			Health:    string(h.Status),
			Error:     h.Error,
		}
		if !h.CheckedAt.IsZero() {
			t := h.CheckedAt.UTC()
			v.CheckedAt = &t
		}
		out = append(out, v)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Error("encoding server list", "error", err)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start))
	})
}

// Serve listens according to cfg and serves until ctx is cancelled.
// dataDir is the default parent of the tailnet state directory.
func (s *Server) Serve(ctx context.Context, cfg config.HTTPConfig, dataDir string) error {
	ln, err := s.listen(ctx, cfg, dataDir)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("=== STATUS API ONLINE ===", "addr", ln.Addr().String(), "tailnet", cfg.Tailscale.Enabled)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.closeTailnet()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	s.closeTailnet()
	if err != nil {
		return fmt.Errorf("shutting down status api: %w", err)
	}
	s.logger.Info("status api stopped")
	return nil
}

func (s *Server) listen(ctx context.Context, cfg config.HTTPConfig, dataDir string) (net.Listener, error) {
	if !cfg.Tailscale.Enabled {
		ln, err := net.Listen("tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", cfg.Addr, err)
		}
		return ln, nil
	}

	ts := cfg.Tailscale
	stateDir := ts.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(dataDir, "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey := ts.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set http.tailscale.auth_key or TS_AUTHKEY")
	}

	s.ts = &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   authKey,
	}
	s.logger.Info("starting tailscale node", "hostname", ts.Hostname, "state_dir", stateDir, "ephemeral", ts.Ephemeral)
	status, err := s.ts.Up(ctx)
	if err != nil {
		s.closeTailnet()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	if status.Self != nil {
		s.logger.Info("tailscale node ready", "dns_name", status.Self.DNSName)
	}
	ln, err := s.ts.Listen("tcp", ":80")
	if err != nil {
		s.closeTailnet()
		return nil, fmt.Errorf("listening on tailnet: %w", err)
	}
	return ln, nil
}

func (s *Server) closeTailnet() {
	if s.ts == nil {
		return
	}
	if err := s.ts.Close(); err != nil {
		s.logger.Warn("closing tailscale node", "error", err)
	}
	s.ts = nil
}
