// watchdesk HTTP server: receives WhatsApp webhooks and enqueues them.
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

	"github.com/joho/godotenv"

	"github.com/ashureev/watchdesk/internal/api"
	"github.com/ashureev/watchdesk/internal/app"
	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "queue_driver", cfg.Queue.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := app.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected")

	if err := app.ApplySeed(ctx, cfg, repo); err != nil {
		slog.Error("Failed to apply schedule seed", "error", err)
		os.Exit(1)
	}

	q, err := app.NewQueue(ctx, cfg, nil)
	if err != nil {
		slog.Error("Failed to connect queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := q.Close(); closeErr != nil {
			slog.Error("Failed to close queue", "error", closeErr)
		}
	}()

	// The in-process queue has no separate worker, so consume here.
	if cfg.Queue.Driver == "memory" {
		c, err := app.Build(cfg, repo)
		if err != nil {
			slog.Error("Failed to wire dispatcher", "error", err)
			os.Exit(1)
		}
		c.Dispatcher.Start(ctx)
		session.StartSweeper(ctx, cfg.Sessions.SweepInterval, app.SweepTasks(cfg, repo)...)
		go func() {
			if err := q.Run(ctx, cfg.Worker.Concurrency, c.Dispatcher.Handler()); err != nil {
				slog.Error("Consumer stopped", "error", err)
			}
		}()
	}

	h := api.NewHandler(repo, q, q, api.Options{
		DefaultTenantID: cfg.DefaultTenantID,
		OpsToken:        cfg.OpsToken,
		QueueConnected:  app.Connected(q),
	})
	if cfg.OpsToken == "" {
		slog.Warn("OPS_TOKEN not set, ops routes disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
