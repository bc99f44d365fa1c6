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

	"github.com/gin-gonic/gin"

	"market-chat/internal/app"
	"market-chat/internal/config"
	"market-chat/internal/httpserver"
	"market-chat/internal/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "err", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Env, cfg.LogLevel)
	slog.InfoContext(ctx, "market-chat starting", "env", cfg.Env, "storage", cfg.Storage)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "failed to build service", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := httpserver.New(a.Chat, a.Presenter)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create http server", "err", err)
		os.Exit(1)
	}

	// no WriteTimeout: chat responses are streamed for as long as the cycle runs
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "http server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "http server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "err", err)
	}
	slog.InfoContext(shutdownCtx, "shutdown complete")
}
