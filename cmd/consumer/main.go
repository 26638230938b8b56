package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/freight-matching/internal/config"
	httpapi "github.com/example/freight-matching/internal/http"
	"github.com/example/freight-matching/internal/logging"
	"github.com/example/freight-matching/internal/stream"
)

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("freight-consumer", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := apiAccess{baseURL: cfg.APIURL, auth: httpapi.NewAuthenticator(cfg.JWTSecret)}
	v := newViews(viewOptions{
		source:     pickSource(cfg, api, logger),
		api:        api,
		tripID:     cfg.TripID,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	})

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: v.handler(), ReadHeaderTimeout: 5 * time.Second}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := v.run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down consumer")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("consumer exited", "error", err)
		os.Exit(1)
	}
}

// pickSource reads the change topic when Kafka is configured and the API
// websocket otherwise.
func pickSource(cfg config.ConsumerConfig, api apiAccess, logger *slog.Logger) stream.Source {
	if len(cfg.KafkaBrokers) > 0 {
		logger.Info("consuming from kafka", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
		return &stream.KafkaSource{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Logger: logger}
	}
	logger.Info("consuming from api websocket", "api_url", cfg.APIURL)
	return api
}
