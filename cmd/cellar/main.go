package main

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

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/layer-3/cellar/adapters/events"
	"github.com/layer-3/cellar/adapters/identity/google"
	"github.com/layer-3/cellar/adapters/store"
	"github.com/layer-3/cellar/adapters/tokenizer"
	"github.com/layer-3/cellar/config"
	"github.com/layer-3/cellar/logger"
	"github.com/layer-3/cellar/metrics"
	"github.com/layer-3/cellar/ports"
	"github.com/layer-3/cellar/service"
	transporthttp "github.com/layer-3/cellar/transport/http"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("cellar exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.SetupDefault(os.Stdout, logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	tk, err := tokenizer.NewHMACTokenizer([]byte(cfg.SessionSecret), tokenizer.WithIssuer(cfg.SessionIssuer))
	if err != nil {
		return fmt.Errorf("session tokenizer: %w", err)
	}

	verifier, err := google.NewVerifier(google.Config{
		JWKSURL:         cfg.GoogleJWKSURL,
		CacheTTL:        cfg.JWKSCacheTTL,
		RefreshInterval: cfg.JWKSRefreshInterval,
		FetchTimeout:    cfg.JWKSFetchTimeout,
	}, google.WithLogger(log), google.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("google verifier: %w", err)
	}
	if err := verifier.Warm(ctx); err != nil {
		// logins retry the fetch on demand
		log.Warn("google signing keys not loaded at startup", slog.Any("error", err))
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	users, closeUsers, err := openUserStore(cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeUsers()

	var eventPub ports.EventPublisher
	if cfg.EventsEnabled {
		publisher, err := events.NewRedisStreamPublisher(redisClient, watermill.NewSlogLogger(log))
		if err != nil {
			return err
		}
		defer publisher.Close()
		eventPub = events.NewWatermillPublisher(publisher, cfg.EventsTopic)
	}

	authService := service.NewAuthService(verifier, users, tk, eventPub,
		service.WithAudience(cfg.GoogleClientID),
		service.WithSessionTTL(cfg.SessionTTL),
		service.WithLogger(log),
		service.WithMetrics(collector),
	)

	router := transporthttp.SetupRouter(authService, transporthttp.RouterConfig{
		Logger:         log,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(registry),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("cellar listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("user_store", cfg.UserStore),
			slog.Bool("events", cfg.EventsEnabled))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openUserStore(cfg *config.Config, redisClient *redis.Client) (ports.UserStore, func(), error) {
	switch cfg.UserStore {
	case config.StoreRedis:
		return store.NewRedisStore(redisClient), func() {}, nil
	case config.StorePostgres:
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, nil, err
		}
		db, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db), func() { db.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}
