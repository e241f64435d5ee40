// ABOUTME: Wires the store, access gate, pool, flow engine and dispatcher into one process
// ABOUTME: Runs the Matrix bridge and status API until the context ends, then shuts everything down

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/config"
	"github.com/2389/condor/internal/dispatch"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/forms"
	"github.com/2389/condor/internal/httpapi"
	"github.com/2389/condor/internal/matrix"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/secrets"
	"github.com/2389/condor/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Options configures an App beyond what the config file holds.
type Options struct {
	// DataDir holds runtime state such as the Matrix encryption store.
	DataDir string
	Logger  *slog.Logger
}

// App is one running condor instance.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	dataDir string

	store      *store.Store
	gate       *access.Gate
	pool       *pool.Manager
	flows      *flow.Engine
	forms      *forms.Registry
	dispatcher *dispatch.Dispatcher
	bridge     *matrix.Bridge
	api        *httpapi.Server
}

// OpenStore opens the configuration store named by cfg, creating its
// directory and sealing key when missing.
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	sealer, err := secrets.Open(cfg.SecretsKey)
	if err != nil {
		return nil, fmt.Errorf("opening secrets key: %w", err)
	}

	var p store.Persister
	switch cfg.Driver {
	case config.DriverSQLite:
		sp, err := store.NewSQLitePersister(cfg.Path, sealer)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		p = sp
	default:
		p = store.NewYAMLPersister(cfg.Path, sealer)
	}

	st, err := store.Open(ctx, p, store.Options{Logger: logger})
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return st, nil
}

// New builds every component. Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	st, err := OpenStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if err := st.EnsureInitialized(ctx, store.UserID(cfg.Bot.AdminID), ""); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		dataDir: opts.DataDir,
		store:   st,
	}
	a.gate = access.NewGate(st)
	a.pool = pool.New(st, a.gate, pool.Options{
		ProbeTimeout:  cfg.Pool.ProbeTimeout,
		ProbeInterval: cfg.Pool.ProbeInterval,
		StaleAfter:    cfg.Pool.StaleAfter,
		Logger:        logger,
	})
	a.flows = flow.NewEngine(flow.Options{
		IdleTimeout:   cfg.Flows.IdleTimeout,
		SweepInterval: cfg.Flows.SweepInterval,
		OnExpire:      a.flowExpired,
		Logger:        logger,
	})
	a.forms = forms.NewRegistry(forms.Deps{
		Store:  st,
		Pool:   a.pool,
		Gate:   a.gate,
		Logger: logger,
	})
	a.dispatcher = dispatch.New(dispatch.Options{
		Store:         st,
		Pool:          a.pool,
		Gate:          a.gate,
		Forms:         a.forms,
		Flows:         a.flows,
		CommandPrefix: cfg.Matrix.CommandPrefix,
		CallbackTTL:   cfg.Flows.CallbackTTL,
		Logger:        logger,
	})

	if cfg.Matrix.Enabled() {
		bridge, err := matrix.New(cfg.Matrix, a.dispatcher, matrix.Options{
			DataDir: filepath.Join(opts.DataDir, "matrix"),
			MenuTTL: cfg.Flows.CallbackTTL,
			Logger:  logger,
		})
		if err != nil {
			a.closeAll()
			return nil, err
		}
		a.bridge = bridge
		a.dispatcher.SetNotifier(bridge)
	}

	if a.apiEnabled() {
		a.api = httpapi.New(st, a.pool, logger)
	}
	return a, nil
}

// Store returns the configuration store.
func (a *App) Store() *store.Store { return a.store }

// Dispatcher returns the command dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Run starts background work and blocks until ctx is cancelled or a
// component fails. Everything is closed before it returns.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("=== CONDOR STARTING ===",
		"storage", a.cfg.Storage.Driver,
		"matrix", a.bridge != nil,
		"status_api", a.api != nil)
	if a.bridge == nil {
		a.logger.Warn("no messaging bridge configured, set matrix.homeserver to accept commands")
	}

	a.pool.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.flows.Run(gctx)
		return nil
	})
	if a.bridge != nil {
		g.Go(func() error {
			if err := a.bridge.Login(gctx); err != nil {
				return fmt.Errorf("matrix login: %w", err)
			}
			return a.bridge.Run(gctx)
		})
	}
	if a.api != nil {
		g.Go(func() error {
			return a.api.Serve(gctx, a.cfg.HTTP, a.dataDir)
		})
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		a.logger.Error("component failed", "error", runErr)
	} else {
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown closes every component, collecting close errors.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	errs := a.closeAll()
	if ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("=== CONDOR STOPPED ===")
	return nil
}

func (a *App) closeAll() []error {
	var errs []error
	if a.bridge != nil {
		errs = appendCloseError(errs, "matrix bridge", a.bridge.Close())
	}
	a.flows.Close()
	a.dispatcher.Close()
	errs = appendCloseError(errs, "pool", a.pool.Close())
	errs = appendCloseError(errs, "store", a.store.Close())
	return errs
}

func (a *App) apiEnabled() bool {
	return a.cfg.HTTP.Addr != "" || a.cfg.HTTP.Tailscale.Enabled
}

// flowExpired runs on the sweeper goroutine. The dispatcher is built after
// the engine, so it is looked up here rather than captured.
func (a *App) flowExpired(x flow.Expired) {
	if a.dispatcher != nil {
		a.dispatcher.FlowExpired(x)
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
