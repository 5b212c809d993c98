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

	"github.com/punchamoorthee/remitgate/internal/app"
	"github.com/punchamoorthee/remitgate/internal/config"
	"github.com/punchamoorthee/remitgate/internal/telemetry"
)

func main() {
	log.SetPrefix("[API] ")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "remitgate-api")
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	// Workers run in-process; cmd/worker runs the same loop against shared stores.
	schedDone := make(chan struct{})
	go func() {
		a.Scheduler.Run(ctx, cfg.Workers, cfg.PollInterval)
		close(schedDone)
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Handler().Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Server starting on :%s (%s)", cfg.Port, cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	<-schedDone
}
