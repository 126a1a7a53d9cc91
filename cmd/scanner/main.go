package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"feed_scanner/internal/config"
	"feed_scanner/internal/fetcher"
	"feed_scanner/internal/publisher"
	"feed_scanner/internal/scheduler"
	"feed_scanner/internal/service"
	"feed_scanner/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Setup logger
	logger := setupLogger("info")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// RabbitMQ is optional: without a URL ingested items are simply
	// not announced.
	var pub service.Publisher
	if cfg.RabbitMQ.URL != "" {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()
		pub = rabbitMQ
	}

	// Initialize stores
	sourceStore := postgres.NewSourceStore(db)
	itemStore := postgres.NewItemStore(db)
	progressStore := postgres.NewProgressStore(db)
	txManager := postgres.NewTransactionManager(db)

	feedFetcher, err := fetcher.New(fetcher.Config{
		Timeout:  cfg.Fetch.Timeout,
		ProxyURL: cfg.Fetch.ProxyURL,
	}, logger)
	if err != nil {
		logger.Error("failed to create fetcher", "error", err)
		os.Exit(1)
	}

	scanService := service.NewScanService(
		sourceStore,
		itemStore,
		progressStore,
		feedFetcher,
		txManager,
		pub,
		logger,
	)

	sched := scheduler.NewScheduler(scanService, cfg.Scan.Interval, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting feed scanner",
		"interval", cfg.Scan.Interval,
		"fetch_timeout", cfg.Fetch.Timeout,
		"proxy", cfg.Fetch.ProxyURL != "",
	)

	if err := sched.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
