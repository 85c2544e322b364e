package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/feeddelta/internal/app"
	"github.com/rpattn/feeddelta/internal/config"
	"github.com/rpattn/feeddelta/internal/logging"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if err := a.Migrate(); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: writeTimeout(cfg, len(a.Registry.Names())),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting admin API", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// writeTimeout leaves room for a synchronous ingest of every feed. A zero
// feed timeout disables the limit.
func writeTimeout(cfg config.Config, feeds int) time.Duration {
	if cfg.Ingestion.FeedTimeout <= 0 {
		return 0
	}
	return cfg.Ingestion.FeedTimeout*time.Duration(feeds) + time.Minute
}
