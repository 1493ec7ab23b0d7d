package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aussiebroadwan/keyring/internal/keyring/cache"
	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
	"github.com/aussiebroadwan/keyring/internal/keyring/engine"
	httpapi "github.com/aussiebroadwan/keyring/internal/keyring/http"
	"github.com/aussiebroadwan/keyring/internal/keyring/janitor"
	"github.com/aussiebroadwan/keyring/internal/keyring/limits"
	"github.com/aussiebroadwan/keyring/internal/keyring/notify"
	"github.com/aussiebroadwan/keyring/internal/keyring/store"
	"github.com/aussiebroadwan/keyring/internal/keyring/store/drivers/postgres"
	"github.com/aussiebroadwan/keyring/internal/keyring/store/drivers/sqlite"
	"github.com/aussiebroadwan/keyring/pkg/cryptox"
	"github.com/aussiebroadwan/keyring/pkg/slogx"
	"github.com/redis/go-redis/v9"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

var ErrUnknownDriver = errors.New("app: unknown database driver")

// Application owns the keyring process: the durable store, the Redis
// connection shared by the cache and the mailer stream, the engine, the
// janitor and the probe server.
type Application struct {
	cfg    Config
	logger *slog.Logger
	clock  chrono.Clock

	// Core dependencies
	db     store.Store
	rdb    *redis.Client
	cache  *cache.Cache
	mailer *notify.RedisStream

	engine  *engine.Engine
	janitor *janitor.Janitor
	running bool

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "keyring",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
		clock: chrono.System{},
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.initRedis(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initServices(); err != nil {
		_ = app.rdb.Close()
		_ = app.db.Close()
		return nil, err
	}

	app.initHTTP()

	return app, nil
}

// Engine is the credential engine wired to this process's store and cache.
func (app *Application) Engine() *engine.Engine { return app.engine }

// Handler serves the probe endpoints.
func (app *Application) Handler() http.Handler { return app.router }

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.janitor.Start()
	app.running = true

	app.logger.Info("keyring starting", "port", app.cfg.Port, "version", BuildVersion, "driver", app.cfg.DatabaseDriver)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = app.Shutdown()
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

// Shutdown stops the probe server, waits for the janitor to leave its
// current entity, then closes Redis and the database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down keyring...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	if app.running {
		app.janitor.Stop()
		app.running = false
	}

	if err := app.rdb.Close(); err != nil {
		app.logger.Error("error closing redis", "error", err)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("keyring stopped")
	return nil
}

// initDatabase opens the configured driver and applies migrations
func (app *Application) initDatabase() error {
	var (
		db  store.Store
		err error
	)

	switch app.cfg.DatabaseDriver {
	case "sqlite":
		db, err = sqlite.NewStore(sqlite.FileDSN(app.cfg.DatabaseFile))
	case "postgres":
		if app.cfg.DatabaseURL == "" {
			return errors.New("app: KEYRING_DATABASE_URL is required for the postgres driver")
		}
		db, err = postgres.NewStore(context.Background(), app.cfg.DatabaseURL)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, app.cfg.DatabaseDriver)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully", "driver", app.cfg.DatabaseDriver)
	return nil
}

// initRedis connects the client shared by the session cache and the mailer
// stream.
func (app *Application) initRedis() error {
	app.rdb = redis.NewClient(&redis.Options{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
		DB:       app.cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.rdb.Ping(ctx).Err(); err != nil {
		_ = app.rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	app.cache = cache.New(app.rdb, app.clock, app.cfg.Cache)
	app.mailer = notify.NewRedisStream(app.rdb, app.cfg.Mailer)
	return nil
}

// initServices builds the engine and the janitor
func (app *Application) initServices() error {
	pepper, err := cryptox.LoadOrCreatePepper(app.cfg.PepperFile)
	if err != nil {
		return fmt.Errorf("failed to load pepper: %w", err)
	}

	limiter := limits.New(app.cfg.Limits)

	app.engine = engine.New(engine.Deps{
		Store:  app.db,
		Cache:  app.cache,
		Mail:   app.mailer,
		Clock:  app.clock,
		Limits: limiter,
		Hasher: cryptox.Hasher{Pepper: pepper},
	}, app.cfg.Engine)

	app.janitor = janitor.New(
		app.db,
		app.clock,
		app.mailer,
		app.cache,
		app.logger.With("component", "janitor"),
		app.cfg.Janitor,
	)
	return nil
}

// initHTTP initializes the probe router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.db, app.cache, app.cfg.ProbeLimit, app.logger)
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
