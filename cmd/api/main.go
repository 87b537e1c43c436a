package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nyashahama/click-tracker-backend/internal/api"
	"github.com/nyashahama/click-tracker-backend/internal/config"
	"github.com/nyashahama/click-tracker-backend/internal/email"
	"github.com/nyashahama/click-tracker-backend/internal/metrics"
	"github.com/nyashahama/click-tracker-backend/internal/notify"
	"github.com/nyashahama/click-tracker-backend/internal/server"
	"github.com/nyashahama/click-tracker-backend/internal/store"
	"github.com/nyashahama/click-tracker-backend/internal/tracking"
	"github.com/nyashahama/click-tracker-backend/internal/worker"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development.
	var logger *slog.Logger
	if os.Getenv("ENV") == "production" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// ── Config ────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "store", cfg.StoreDriver, "mail", cfg.MailProvider)

	// Root context cancelled by OS signal. Everything below respects it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ─────────────────────────────────────────────────────────────────
	base, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()
	repo := store.NewRetrying(base, store.RetryConfig{MaxElapsed: cfg.StoreRetryMaxElapsed})
	logger.Info("store ready", "driver", cfg.StoreDriver)

	// ── Notification bus ──────────────────────────────────────────────────────
	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer bus.Close()

	// ── Email ─────────────────────────────────────────────────────────────────
	mailer, err := openMailer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	m.MustRegister(reg)

	// ── Tracking ──────────────────────────────────────────────────────────────
	recorder := tracking.NewRecorder(repo, bus, logger)

	// ── Observer ──────────────────────────────────────────────────────────────
	// Keeps the tracked-email gauges fresh between scrapes. Every click
	// published on the bus wakes it early.
	wake, err := bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("notify subscribe: %w", err)
	}
	observer := worker.NewObserver(
		tracking.NewAggregator(repo),
		repo,
		worker.ObserverConfig{Interval: cfg.SyncInterval, Wake: wake},
		worker.Sinks{
			OnStats: func(s tracking.AggregateStats) {
				m.ObserveStats(s)
				m.ObserverTick(nil)
			},
			OnError: func(err error) {
				m.ObserverTick(err)
				logger.Warn("observer: refresh failed", "error", err)
			},
		},
		logger,
	)
	if err := observer.Start(ctx); err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	defer observer.Stop()

	// ── HTTP + gRPC server ────────────────────────────────────────────────────
	handler := api.NewServer(
		repo,
		recorder,
		mailer,
		m,
		reg,
		api.Config{
			BaseURL:     cfg.BaseURL,
			FrontendURL: cfg.FrontendURL,
			CORSOrigins: cfg.CORSOrigins,
			Env:         cfg.Env,
		},
		logger,
	)

	l, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// Serve blocks until ctx is cancelled and in-flight requests drain.
	if err := server.New(handler, logger).Serve(ctx, l); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// openStore returns the configured backend and a func that releases it.
func openStore(ctx context.Context, cfg *config.Config) (tracking.Repository, func(), error) {
	gen := tracking.UUIDGenerator{}

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgres(pool, gen)
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := pg.Migrate(migrateCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, func() { pool.Close() }, nil

	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		mg, err := store.OpenMongo(connectCtx, cfg.MongoURI, cfg.MongoDB, gen)
		if err != nil {
			return nil, nil, err
		}
		return mg, func() { _ = mg.Close(context.Background()) }, nil

	default:
		return store.NewMemory(gen), func() {}, nil
	}
}

// openDB opens the connection pool and verifies it is reachable.
func openDB(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	// Tune the connection pool.
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(10)
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// openBus uses Redis pub/sub when REDIS_ADDR is set so several API replicas
// share click notifications. Otherwise clicks fan out in-process.
func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Bus, error) {
	if cfg.RedisAddr == "" {
		logger.Info("notify: using in-process bus")
		return notify.NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("notify: using redis", "addr", cfg.RedisAddr)
	return notify.NewRedis(client, notify.DefaultChannel, logger), nil
}

// openMailer builds MAIL_PROVIDER and, when MAIL_FALLBACK is set, wraps it so
// a failed send is retried once on the second provider.
func openMailer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (email.Sender, error) {
	primary, err := newSender(ctx, cfg, cfg.MailProvider, logger)
	if err != nil {
		return nil, err
	}
	if cfg.MailFallback == "" {
		logger.Info("email: using single provider", "provider", cfg.MailProvider)
		return primary, nil
	}

	secondary, err := newSender(ctx, cfg, cfg.MailFallback, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("email: using fallback", "primary", cfg.MailProvider, "secondary", cfg.MailFallback)
	return email.NewFallbackSender(primary, secondary, logger), nil
}

func newSender(ctx context.Context, cfg *config.Config, provider string, logger *slog.Logger) (email.Sender, error) {
	switch provider {
	case config.MailResend:
		return email.NewResendClient(cfg.ResendAPIKey, cfg.EmailFromAddr, cfg.EmailFromName, email.ResendEndpoint), nil
	case config.MailSES:
		client, err := email.NewSESClient(ctx, email.SESConfig{
			Region:    cfg.AWSRegion,
			AccessKey: cfg.SESAccessKey,
			SecretKey: cfg.SESSecretKey,
		})
		if err != nil {
			return nil, err
		}
		return email.NewSESSender(client, cfg.EmailFromAddr, cfg.EmailFromName), nil
	default:
		logger.Warn("email: log provider selected, messages are written to the log and not delivered")
		return email.NewLogSender(logger), nil
	}
}
