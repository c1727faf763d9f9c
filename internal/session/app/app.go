// Package app wires the session engine together and runs it as an HTTP
// daemon.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpapi "github.com/tokenlane/sessiond/internal/session/http"
	"github.com/tokenlane/sessiond/internal/session/keys"
	"github.com/tokenlane/sessiond/internal/session/metrics"
	"github.com/tokenlane/sessiond/internal/session/service"
	"github.com/tokenlane/sessiond/internal/session/store"
	"github.com/tokenlane/sessiond/internal/session/store/drivers/postgres"
	"github.com/tokenlane/sessiond/internal/session/store/drivers/sqlite"
	"github.com/tokenlane/sessiond/pkg/slogx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application encapsulates the session daemon with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db       store.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	signingKeys    *keys.SigningKeyManager
	encryptionKeys *keys.EncryptionKeyManager

	sessionService      *service.SessionService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sessiond",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(app.registry)

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	// Key managers provision eagerly so a broken store or key table fails
	// the boot, not the first request.
	ctx := context.Background()
	if err := app.initKeys(ctx); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("session service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down session service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("session service stopped")
	return nil
}

func (app *Application) initDatabase() error {
	tables := store.Tables{
		Sessions: app.cfg.SessionsTable,
		Keys:     app.cfg.KeysTable,
	}

	var (
		db  store.Store
		err error
	)
	switch app.cfg.DBDriver {
	case "sqlite":
		db, err = sqlite.NewStore(app.cfg.DBDSN, tables)
	case "postgres":
		db, err = postgres.NewStore(app.cfg.DBDSN, tables)
	default:
		return fmt.Errorf("unknown database driver %q", app.cfg.DBDriver)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "driver", app.cfg.DBDriver)
	return nil
}

func (app *Application) initKeys(ctx context.Context) error {
	signing, err := keys.NewSigningKeyManager(ctx, app.db, keys.SigningKeyConfig{
		Dynamic:        app.cfg.SigningKeyDynamic,
		UpdateInterval: app.cfg.SigningKeyUpdateInterval,
	}, app.metrics)
	if err != nil {
		return err
	}
	app.signingKeys = signing

	encryption, err := keys.NewEncryptionKeyManager(ctx, app.db)
	if err != nil {
		return err
	}
	app.encryptionKeys = encryption

	return nil
}

func (app *Application) initServices() {
	accessTokens := service.NewAccessTokenService(
		app.signingKeys,
		app.cfg.AccessTokenValidity,
		app.cfg.AntiCSRF,
	)
	refreshTokens := service.NewRefreshTokenService(
		app.encryptionKeys,
		app.cfg.RefreshTokenValidity,
	)

	app.sessionService = service.NewSessionService(
		app.db,
		accessTokens,
		refreshTokens,
		app.metrics,
		app.logger,
		service.SessionConfig{
			AntiCSRF:        app.cfg.AntiCSRF,
			Blacklisting:    app.cfg.AccessTokenBlacklist,
			RefreshValidity: app.cfg.RefreshTokenValidity,
			RevokeOnTheft:   app.cfg.RevokeSessionOnTheft,
		},
	)

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

func (app *Application) initHTTP() {
	app.router = httpapi.NewRouter(BuildVersion, app.db, app.registry, app.logger)
	app.router.Sessions = app.sessionService
	app.router.Cookies = httpapi.CookieConfig{
		Domain:           app.cfg.CookieDomain,
		Secure:           app.cfg.CookieSecure,
		AccessTokenPath:  app.cfg.AccessTokenPath,
		RefreshTokenPath: app.cfg.RefreshTokenPath,
	}
	app.router.ApplyRoutes()

	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.cfg.Port),
		Handler: app.router,
	}
}
