package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/freight-matching/internal/config"
	"github.com/example/freight-matching/internal/dispatch"
	"github.com/example/freight-matching/internal/eta"
	httpapi "github.com/example/freight-matching/internal/http"
	"github.com/example/freight-matching/internal/logging"
	"github.com/example/freight-matching/internal/matcher"
	"github.com/example/freight-matching/internal/payments"
	"github.com/example/freight-matching/internal/storage"
	"github.com/example/freight-matching/internal/stream"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("freight-api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	broker := stream.NewBroker(cfg.StreamBuffer, logger)
	fanout := stream.Fanout{broker}
	if len(cfg.KafkaBrokers) > 0 {
		kp := stream.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kp.Close()
		fanout = append(fanout, kp)
		logger.Info("kafka_publisher_enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	g, ctx := errgroup.WithContext(ctx)

	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer ps.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, ps.DB()); err != nil {
				return err
			}
			logger.Info("migrations_applied")
		}
		store = ps
		// rows are announced by the NOTIFY triggers, so the listener is the only publisher
		listener := &stream.PGListener{DSN: cfg.PGDSN, Channel: storage.NotifyChannel, Rows: ps, Pub: fanout, OnGap: broker.Gap, Logger: logger}
		g.Go(func() error { return listener.Run(ctx) })
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		store = storage.NewMemoryStore(fanout)
	}

	svc := &matcher.Service{
		Store:             store,
		ETA:               buildEstimator(cfg, logger),
		Payments:          payments.NewStripeVerifier(cfg.StripeAPIKey),
		Logger:            logger,
		ETATimeout:        cfg.ETATimeout,
		AcceptMaxAttempts: cfg.AcceptMaxAttempts,
		AcceptRetryDelay:  cfg.AcceptRetryDelay,
	}

	if cfg.PushEndpoint != "" {
		notifier := dispatch.NewNotifier(cfg.PushEndpoint, cfg.PushKey, broker, logger)
		g.Go(func() error {
			if err := notifier.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	hub := stream.NewWSHub(broker, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, hub, httpapi.NewAuthenticator(cfg.JWTSecret), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		logger.Info("freight-api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildEstimator prefers OSRM, falls back to straight-line distance and caches
// results in Redis when configured, otherwise in process.
func buildEstimator(cfg config.ServerConfig, logger *slog.Logger) eta.Estimator {
	var chain eta.Chain
	if cfg.OSRMEndpoint != "" {
		chain = append(chain, eta.NewOSRMClient(cfg.OSRMEndpoint))
	}
	chain = append(chain, eta.StraightLine{SpeedMps: cfg.DefaultSpeedMps})

	var cache eta.ResultCache = eta.NewCache(cfg.ETACacheTTL)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		cache = eta.NewRedisCache(rc, cfg.ETACacheTTL, logger)
	}
	return &eta.Cached{Next: chain, Cache: cache}
}
