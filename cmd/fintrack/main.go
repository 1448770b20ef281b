package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"fintrack/internal/amqp"
	"fintrack/internal/api"
	"fintrack/internal/cli"
	apphttp "fintrack/internal/http"
	"fintrack/internal/log"
	"fintrack/internal/session"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg)

	storeResult, err := cli.InitStorage(context.Background(), logger, cfg)
	if err != nil {
		logger.Error("Failed to initialize storage", log.FieldError, err, "backend", cfg.StorageBackend)
		os.Exit(1)
	}

	sess := session.New(context.Background(), storeResult.Store, logger)

	metrics := apphttp.NewMetrics()
	notifiers := api.Notifiers{metrics}

	var publisher *amqp.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = amqp.NewPublisher(amqp.Config{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		}, logger)
		if err != nil {
			logger.Warn("AMQP publisher unavailable, fallback events will only be logged", log.FieldError, err)
		} else {
			notifiers = append(notifiers, publisher)
			logger.Info("Publishing fallback events", "exchange", cfg.AMQPExchange, "routing_key", cfg.AMQPRoutingKey)
		}
	}

	client := api.New(api.Config{
		BaseURL:  cfg.APIBase(),
		Timeout:  cfg.APITimeout,
		Tokens:   sess,
		Storage:  storeResult.Store,
		Notifier: notifiers,
		Logger:   logger,
	})

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Config:  cfg,
		Session: sess,
		API:     client,
		Storage: storeResult.Store,
		Metrics: metrics,
		Logger:  logger,
	})

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	stopped := cli.GracefulShutdown(logger, 30*time.Second, srv.Shutdown)

	logger.Info("Starting fintrack server", "port", cfg.Port, "backend", cfg.StorageBackend, "api_url", cfg.APIBase())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	<-stopped.Done()

	closers := []cli.Closer{}
	if publisher != nil {
		closers = append(closers, cli.Closer{Name: "amqp", Close: publisher.Close})
	}
	closers = append(closers,
		cli.Closer{Name: "session", Close: func() error { sess.Close(); return nil }},
		cli.Closer{Name: "storage", Close: storeResult.Cleanup},
	)
	cli.CloseAll(logger, closers...)
	logger.Info("Server stopped gracefully")
}
