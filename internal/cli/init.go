// Package cli holds the start-up and shutdown steps of cmd/fintrack.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fintrack/internal/backend"
	"fintrack/internal/config"
	"fintrack/internal/log"
)

// LoadEnvFile loads .env for local development. A missing file is not an error.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// SetupLogger builds the root logger at the configured level and makes it
// the slog default.
func SetupLogger(cfg *config.Config) *log.Logger {
	logger := log.New(log.Config{Level: cfg.SlogLevel(), Component: log.ComponentApp})
	log.SetDefault(logger)
	return logger
}

// LoadAndValidateConfig loads configuration and exits the process when it
// does not validate.
func LoadAndValidateConfig() *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.New(log.DefaultConfig()).Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitStorage opens the configured client storage backend.
func InitStorage(ctx context.Context, logger *log.Logger, cfg *config.Config) (*backend.BackendResult, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	return backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger).CreateBackend(ctx, backendCfg)
}

// GracefulShutdown runs shutdown once SIGINT or SIGTERM arrives, bounded by
// timeout. The returned context is cancelled when shutdown has returned.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, shutdown func(ctx context.Context) error) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", log.FieldError, err)
		}
		cancel()
	}()

	return ctx
}

// Closer is one resource released after the server has stopped.
type Closer struct {
	Name  string
	Close func() error
}

// CloseAll releases resources in order, logging but not stopping on errors.
func CloseAll(logger *log.Logger, closers ...Closer) {
	for _, c := range closers {
		if c.Close == nil {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Warn("Close failed", "resource", c.Name, log.FieldError, err)
		}
	}
}
