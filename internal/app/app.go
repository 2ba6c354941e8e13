package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openledgerhq/receiptd/internal/credstore"
	"github.com/openledgerhq/receiptd/internal/qbauth"
	"github.com/openledgerhq/receiptd/internal/qbclient"
	"github.com/openledgerhq/receiptd/internal/quota"
	"github.com/openledgerhq/receiptd/internal/server"
)

// App orchestrates the credential manager, quota registry, API client, and
// the ops HTTP server.
type App struct {
	cfg     *Config
	store   credstore.Store
	manager *qbauth.Manager
	quotas  *quota.Registry
	client  *qbclient.Client
	server  *server.Server
}

// New creates a new App instance. No credential I/O happens here; Start
// hydrates the manager from the store.
func New(cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	manager, store, err := NewAuthStack(cfg)
	if err != nil {
		return nil, err
	}

	quotas, err := NewQuotaRegistry(cfg)
	if err != nil {
		return nil, err
	}

	client, err := qbclient.New(manager, manager.Endpoints().APIBaseURL,
		qbclient.WithQuotaGate(quotas.Governor(ProviderAccounting)))
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}

	return &App{
		cfg:     cfg,
		store:   store,
		manager: manager,
		quotas:  quotas,
		client:  client,
		server:  server.New(manager, quotas),
	}, nil
}

// NewAuthStack builds the token manager wired to the persisted credential
// store: the store both seeds the manager (via Hydrate at startup) and
// receives every rotation through a registered callback. Shared between the
// daemon and the auth CLI commands.
func NewAuthStack(cfg *Config) (*qbauth.Manager, credstore.Store, error) {
	store, err := cfg.Credentials.NewStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	manager, err := qbauth.NewManager(cfg.Intuit.OAuthConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token manager: %w", err)
	}

	manager.AddTokenUpdateCallback(func(ts qbauth.TokenSet) error {
		// Rotation persistence must not die with an abandoning caller.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.Save(ctx, credstore.FromTokenSet(ts, time.Now())); err != nil {
			return fmt.Errorf("persisting rotated credentials: %w", err)
		}
		return nil
	})

	return manager, store, nil
}

// NewQuotaRegistry builds the per-provider quota registry.
func NewQuotaRegistry(cfg *Config) (*quota.Registry, error) {
	quotas, err := quota.NewRegistry(cfg.Quota.StateDir, cfg.Quota.Providers,
		quota.WithLockTimeout(cfg.Quota.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create quota registry: %w", err)
	}
	return quotas, nil
}

// Client returns the resilient QuickBooks API client for the receipt
// pipeline's call sites.
func (a *App) Client() *qbclient.Client { return a.client }

// Quotas returns the quota registry for non-accounting call sites (the AI
// extraction API consults its own governor before every request).
func (a *App) Quotas() *quota.Registry { return a.quotas }

// Start hydrates the manager, starts all services, and blocks until shutdown
// is triggered. Uses errgroup for runtime error monitoring and shutdown
// function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	if err := a.hydrate(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting ops server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("ops server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "ops server runtime error", "error", err)
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// hydrate seeds the token manager from the persisted credential store.
// Missing credentials are not fatal: the daemon serves its ops surface and
// reports auth as required until the bootstrap flow runs.
func (a *App) hydrate(ctx context.Context) error {
	creds, err := a.store.Load(ctx)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			slog.WarnContext(ctx, "no stored credentials; run `receiptd auth login` to bootstrap")
			return nil
		}
		return fmt.Errorf("loading stored credentials: %w", err)
	}

	a.manager.Hydrate(creds.TokenSet())
	slog.InfoContext(ctx, "credentials hydrated", "realm_id", creds.RealmID)
	return nil
}
