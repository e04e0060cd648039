// watchdesk worker: consumes inbound jobs and answers customers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/watchdesk/internal/app"
	"github.com/ashureev/watchdesk/internal/config"
	"github.com/ashureev/watchdesk/internal/session"
)

// serviceName is the health service reported for the consumer.
const serviceName = "watchdesk.worker"

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
	if err := run(cfg); err != nil {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker stopped successfully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_attempts", cfg.Worker.MaxAttempts,
		"queue_driver", cfg.Queue.Driver,
	)

	repo, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	c, err := app.Build(cfg, repo)
	if err != nil {
		return err
	}

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	onConnection := func(up bool) {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if up {
			status = healthpb.HealthCheckResponse_SERVING
		}
		healthSrv.SetServingStatus(serviceName, status)
	}

	q, err := app.NewQueue(ctx, cfg, onConnection)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := q.Close(); closeErr != nil {
			slog.Error("Failed to close queue", "error", closeErr)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Worker.HealthAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              30 * time.Second,
		Timeout:           10 * time.Second,
	}))
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	c.Dispatcher.Start(ctx)
	session.StartSweeper(ctx, cfg.Sessions.SweepInterval, app.SweepTasks(cfg, repo)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Health server listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return q.Run(gctx, cfg.Worker.Concurrency, c.Dispatcher.Handler())
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()
		return nil
	})
	return g.Wait()
}
