package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"embedbase/internal/app"
	"embedbase/internal/config"
	"embedbase/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection (internal/app)
2. Concurrent server and worker pool management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting requests, drain the
   ingestion queue, close subscribers, then close the store
*/

func main() {
	log.Println("🚀 Starting embedbase...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.Options{
		ServiceName:    "embedbase",
		ServiceVersion: cfg.ServiceVersion,
		Endpoint:       cfg.JaegerEndpoint,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize: %v", err)
	}

	// Learning: This spawns the ingestion workers and the event hub loop
	application.Start()

	// Configure HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     application.Handler(),
		ReadTimeout: 30 * time.Second,
		// Learning: long enough for a synchronous upload to finish all its batches
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/datasets/:id            - Create dataset")
		log.Printf("   POST   /api/datasets/:id/documents  - Upload text (?async=true queues it)")
		log.Printf("   GET    /api/datasets/:id/documents  - List documents")
		log.Printf("   PUT    /api/datasets/:id/visibility - Make a dataset public or private")
		log.Printf("   POST   /api/search                  - Similarity search")
		log.Printf("   GET    /api/jobs/:id                - Queued upload status")
		log.Printf("   GET    /ws/events?dataset=:id       - Live ingestion events")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Shutdown HTTP server with timeout
	// Learning: Give the server 30 seconds to finish existing requests
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: This waits for workers to finish their current jobs
	if err := application.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Shutdown incomplete: %v", err)
	}

	log.Println("✓ Server shutdown complete")
}
