// Command xwebhook serves the message API and runs the delivery worker in
// one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shahreaz0/xwebhook"
	"github.com/shahreaz0/xwebhook/adapters/gologger"
	"github.com/shahreaz0/xwebhook/adapters/kafkadlq"
	"github.com/shahreaz0/xwebhook/migrations"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "xwebhook: load .env: %v\n", err)
		os.Exit(1)
	}

	provider := gologger.NewJSONProvider(os.Getenv("LOG_LEVEL"))
	logger := provider.GetLogger("xwebhook.main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, provider); err != nil {
		logger.Error("xwebhook stopped", "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, provider *gologger.SlogProvider) error {
	logger := provider.GetLogger("xwebhook.main")

	cfg := xwebhook.DefaultConfig()
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		parsed, err := strconv.Atoi(port)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		cfg.HTTP.Port = parsed
	}

	backend, err := xwebhook.ParseQueueBackend(os.Getenv("QUEUE_BACKEND"))
	if err != nil {
		return err
	}

	dbConfig, err := xwebhook.ParseDatabaseURL(os.Getenv("DATABASE_URL"))
	if err != nil {
		return err
	}
	client, err := xwebhook.OpenPersistence(dbConfig)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := migrations.Apply(ctx, client, migrations.DialectForDriver(dbConfig.Driver)); err != nil {
		return err
	}

	deps := xwebhook.Dependencies{
		Persistence:    client,
		LoggerProvider: provider,
		Extensions:     xwebhook.NewExtensionHooks(),
	}

	if redisURL := strings.TrimSpace(os.Getenv("REDIS_URL")); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		defer redisClient.Close()
		deps.Redis = redisClient
	}

	if brokers := kafkadlq.ParseBrokers(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		publisher, err := kafkadlq.New(kafkadlq.Config{
			Brokers: brokers,
			Topic:   os.Getenv("KAFKA_DLQ_TOPIC"),
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := deps.Extensions.RegisterDeadLetterSink("kafka", publisher); err != nil {
			return err
		}
		logger.Info("dead letters routed to kafka", "topic", publisher.Topic())
	}

	app, err := xwebhook.Setup(cfg, backend, deps)
	if err != nil {
		return err
	}
	defer app.Close()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:           app.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 2)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := app.RunWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("worker: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errs:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err.Error())
	}
	stop()
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop before shutdown timeout")
	}
	return runErr
}
