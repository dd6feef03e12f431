// Command main is the entry point for the pulserelay server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pulserelay/internal/bootstrap"
	"pulserelay/internal/config"
	"pulserelay/internal/observability"
	"pulserelay/internal/server"

	"github.com/gofiber/fiber/v2"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  cfg.OTELServiceName,
		Environment:  cfg.Env,
		Enabled:      cfg.TracingEnabled,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplerRatio: cfg.OTELTracesSamplerRatio,
	})
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}

	ctx := context.Background()
	rt, err := bootstrap.BuildRuntime(ctx, cfg)
	if err != nil {
		log.Fatalf("runtime initialization failed: %v", err)
	}

	srv := server.New(cfg, rt)

	app := fiber.New(fiber.Config{
		AppName:   "pulserelay",
		BodyLimit: 1 * 1024 * 1024,
	})
	srv.SetupMiddleware(app)
	srv.SetupRoutes(app)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		rt.Shutdown(shutdownCtx)
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown error: %v", err)
		}
	}()

	log.Printf("pulserelay starting on port %s...", cfg.Port)
	log.Fatal(app.Listen(":" + cfg.Port))
}
