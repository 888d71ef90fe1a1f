// Package app wires the service's components from a loaded Config. Both the
// API server and the operator CLI build on it so they run identical code
// paths against the same database.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bs-education/feedback-dispatch/internal/alert"
	"github.com/bs-education/feedback-dispatch/internal/config"
	"github.com/bs-education/feedback-dispatch/internal/coursestats"
	"github.com/bs-education/feedback-dispatch/internal/db"
	"github.com/bs-education/feedback-dispatch/internal/dispatch"
	"github.com/bs-education/feedback-dispatch/internal/email"
	"github.com/bs-education/feedback-dispatch/internal/store"
)

// Version is stamped at build time with -ldflags "-X ...app.Version=...".
var Version = "dev"

// App holds the long-lived components.
type App struct {
	Pool       *sqlx.DB
	Queries    *db.Queries
	Store      *store.Store
	Alerts     alert.Reporter
	Dispatcher *dispatch.Dispatcher
	Stats      *coursestats.Generator
}

// New opens the database and builds every component. A missing mail provider
// key is logged, not returned: dispatch answers ErrMailerNotConfigured until
// the key is set.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	queries := db.New(pool)

	gdb, err := openGorm(pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("gorm: %w", err)
	}

	alerts := alert.New(cfg.RollbarToken, cfg.Env, Version, logger)

	mailer, err := email.New(email.Options{
		Provider:       cfg.MailProvider,
		ResendAPIKey:   cfg.ResendAPIKey,
		SendGridAPIKey: cfg.SendGridAPIKey,
		FromAddress:    cfg.FromAddress,
		FromName:       cfg.FromName,
	})
	switch {
	case errors.Is(err, email.ErrNoAPIKey):
		logger.Warn("email: provider key missing, dispatch disabled", "provider", cfg.MailProvider)
	case err != nil:
		pool.Close()
		return nil, fmt.Errorf("email: %w", err)
	default:
		logger.Info("email: provider ready", "provider", cfg.MailProvider)
	}

	st := store.New(pool, queries)

	d := dispatch.New(queries, mailer, st, alerts, dispatch.Config{
		Strategy:     dispatch.Strategy(cfg.DeliveryStrategy),
		BatchSize:    cfg.BatchSize,
		Interval:     cfg.SendInterval,
		IncludeAdmin: cfg.IncludeAdminInDelivery,
		ReplyTo:      cfg.ReplyTo,
		DashboardURL: cfg.DashboardURL,
	}, logger)

	return &App{
		Pool:       pool,
		Queries:    queries,
		Store:      st,
		Alerts:     alerts,
		Dispatcher: d,
		Stats:      coursestats.NewGenerator(gdb, logger),
	}, nil
}

// Close flushes pending error reports and closes the pool.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(a.Alerts.Close(ctx), a.Pool.Close())
}

// openDB opens the sqlx connection pool and verifies it is reachable.
func openDB(ctx context.Context, dsn string) (*sqlx.DB, error) {
	pool, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// openGorm layers gorm over the existing pool so statistics generation shares
// its connections. gorm's own logging goes through slog at warn level.
func openGorm(pool *sqlx.DB, logger *slog.Logger) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: pool.DB}), &gorm.Config{
		Logger: gormlogger.New(
			slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		),
	})
}
