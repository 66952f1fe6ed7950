package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authsession/pkg/authsession"
	"github.com/aussiebroadwan/authsession/pkg/credstore"
	"github.com/aussiebroadwan/authsession/pkg/credstore/sqlite"
	"github.com/aussiebroadwan/authsession/pkg/slogx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	redisPingTimeout = 5 * time.Second
)

// Application owns a session manager and the stores behind it.
type Application struct {
	cfg    Config
	logger *slog.Logger

	durable credstore.Backend
	closers []func() error

	Manager *authsession.Manager
}

// New wires a Manager from cfg: logger, durable backend (optionally sealed)
// and an in-memory session backend.
func New(cfg Config) (*Application, error) {
	return NewWithLogger(cfg, slogx.New(slogx.Config{
		Service: "authsession",
		Version: BuildVersion,
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
	}))
}

// NewWithLogger is New with a caller supplied logger.
func NewWithLogger(cfg Config, logger *slog.Logger) (*Application, error) {
	app := &Application{cfg: cfg, logger: logger}

	if err := app.initDurable(); err != nil {
		_ = app.Close()
		return nil, err
	}

	sealer, err := loadSealer(cfg, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	if sealer != nil {
		app.durable = credstore.NewSealed(app.durable, sealer)
	}

	var limit rate.Limit
	if cfg.LoginInterval > 0 {
		limit = rate.Every(cfg.LoginInterval)
	}

	manager, err := authsession.New(authsession.Config{
		BaseURL:          cfg.BaseURL,
		Origin:           cfg.Origin,
		Store:            credstore.New(credstore.NewMemory(), app.durable),
		Logger:           logger,
		RefreshTimeout:   cfg.RefreshTimeout,
		LoginRate:        limit,
		LoginBurst:       cfg.LoginBurst,
		FingerprintDelay: cfg.FingerprintDelay,
		OnError: func(err error) {
			logger.Debug("session error", "error", err)
		},
	})
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	app.Manager = manager

	return app, nil
}

// initDurable opens the backend remembered sessions are kept in.
func (app *Application) initDurable() error {
	switch app.cfg.DurableStore {
	case StoreSQLite, "":
		db, err := sqlite.Open(sqlite.DSN(app.cfg.DatabaseFile))
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		app.closers = append(app.closers, db.Close)

		if err := db.ApplyMigrations(); err != nil {
			return fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.logger.Info("database migrations applied successfully", "file", app.cfg.DatabaseFile)
		app.durable = db

	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: app.cfg.RedisAddr})
		app.closers = append(app.closers, rdb.Close)

		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", app.cfg.RedisAddr, err)
		}
		app.logger.Info("redis store connected", "addr", app.cfg.RedisAddr)
		app.durable = credstore.NewRedis(rdb, app.cfg.RedisPrefix)

	case StoreMemory:
		app.logger.Warn("memory durable store: remembered sessions end with the process")
		app.durable = credstore.NewMemory()

	default:
		return fmt.Errorf("unknown durable store %q", app.cfg.DurableStore)
	}

	return nil
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Close releases the durable backend.
func (app *Application) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		errs = append(errs, app.closers[i]())
	}
	app.closers = nil
	return errors.Join(errs...)
}
