package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"newsfeed-backend/internal/auth"
	"newsfeed-backend/internal/clientip"
	"newsfeed-backend/internal/config"
	"newsfeed-backend/internal/db"
	"newsfeed-backend/internal/maintenance"
	"newsfeed-backend/internal/notify"
	"newsfeed-backend/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Config  *config.Config
	Logger  *observability.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerWithOptions(observability.LogOptions{
		Level:      cfg.Log.Level,
		FilePath:   cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err})
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, db.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	resolver, err := clientip.NewResolver(cfg.TrustedProxies)
	if err != nil {
		pool.Close()
		return nil, err
	}

	notifier, redisClient, err := buildNotifier(ctx, cfg.Notify)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init notifier: %w", err)
	}

	authRepo := auth.NewRepository(pool)
	tracker := auth.NewReputationTracker(authRepo).
		WithLimits(cfg.Auth.MaxFailedAttempts, cfg.Auth.FailureWindow, cfg.Auth.BlockDuration)
	registry := auth.NewSessionRegistry(authRepo, authRepo, issuer, cfg.Auth.RefreshTokenTTL)
	authService := auth.NewService(authRepo, registry, tracker, issuer).
		WithSecurityConfig(cfg.Auth.BcryptCost, cfg.Auth.SingleSessionLogin).
		WithNotifier(notifier).
		WithLogger(logger)

	closeAll := func() error {
		authService.Wait()
		observability.FlushSentry()
		var errs []error
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		pool.Close()
		logger.Sync()
		return errors.Join(errs...)
	}

	if err := authService.EnsureAdmin(ctx, cfg.Admin.Email, cfg.Admin.Username, cfg.Admin.Password); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	authHandler := auth.NewHandler(authService, logger, auth.CookieConfig{
		Domain: cfg.Cookie.Domain,
		Secure: cfg.Cookie.Secure,
	})
	loginLimiter := auth.NewLoginRateLimiter(cfg.Auth.RateLimitMax, cfg.Auth.RateLimitWindow)
	cleanupHandler := maintenance.NewCleanupHandler(
		authRepo,
		logger,
		cfg.Maintenance.CronSecret,
		cfg.Maintenance.RefreshRetention,
		cfg.Maintenance.FailureRetention,
		cfg.Maintenance.BatchSize,
	)

	mux := http.NewServeMux()
	auth.RegisterRoutes(mux, authHandler, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(pool))

	handler := clientip.Middleware(resolver,
		observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux)))

	logger.Info("app_ready", map[string]any{
		"env":            cfg.Env,
		"notify_driver":  cfg.Notify.Driver,
		"single_session": cfg.Auth.SingleSessionLogin,
	})

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close:   closeAll,
	}, nil
}

// buildNotifier returns the redis client as well when one was opened, so the
// runtime can close it.
func buildNotifier(ctx context.Context, cfg config.NotifyConfig) (notify.Notifier, *redis.Client, error) {
	switch cfg.Driver {
	case config.NotifySMTP:
		mailer, err := notify.NewMailer(notify.MailerConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return nil, nil, err
		}
		return mailer, nil, nil
	case config.NotifyRedis:
		client, err := notify.OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return notify.NewRedisQueue(client, cfg.Redis.QueueKey), client, nil
	default:
		return notify.Noop{}, nil, nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
