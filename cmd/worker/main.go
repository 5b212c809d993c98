// Package main runs scheduler workers without the HTTP surface.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/punchamoorthee/remitgate/internal/app"
	"github.com/punchamoorthee/remitgate/internal/config"
	"github.com/punchamoorthee/remitgate/internal/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "remitgate.scheduler"

func main() {
	log.SetPrefix("[WORKER] ")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	shutdownTracing, err := telemetry.Setup(ctx, "remitgate-worker")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HealthPort))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.HealthPort, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("health server listening at %v", listener.Addr())
		serveErr <- grpcServer.Serve(listener)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	schedDone := make(chan struct{})
	go func() {
		a.Scheduler.Run(runCtx, cfg.Workers, cfg.PollInterval)
		close(schedDone)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("health server: %w", err)
		}
	}

	healthServer.Shutdown()
	cancel()
	<-schedDone
	grpcServer.GracefulStop()
	return err
}
