// Package app wires configuration into the services shared by the HTTP
// server and the command line tool.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"embedbase/internal/api"
	"embedbase/internal/chunker"
	"embedbase/internal/config"
	"embedbase/internal/db"
	"embedbase/internal/events"
	"embedbase/internal/middleware"
	"embedbase/internal/openai"
	"embedbase/internal/repository"
	"embedbase/internal/repository/memory"
	"embedbase/internal/services"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// store is everything the services need from a document store.
type store interface {
	services.DocumentWriter
	services.DocumentMatcher
	services.DatasetRepository
}

// App holds the wired services. Start launches the background workers and
// Shutdown stops them and releases the store.
type App struct {
	Config   *config.Config
	Ingest   *services.IngestService
	Search   *services.SearchService
	Datasets *services.DatasetService
	Hub      *events.Hub
	Auth     *middleware.StaticKeyAuthenticator

	closeStore func() error
}

// New builds the application from cfg, connecting to the configured store.
func New(cfg *config.Config) (*App, error) {
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	embedder := openai.NewClient(cfg.OpenAIAPIKey,
		openai.WithBaseURL(cfg.Embedding.BaseURL),
		openai.WithModel(cfg.Embedding.Model),
		openai.WithDimensions(cfg.Embedding.Dimensions),
		openai.WithMaxInputTokens(cfg.Embedding.MaxInputTokens),
		openai.WithTimeout(cfg.Embedding.Timeout),
		openai.WithRateLimit(cfg.Embedding.RateLimit, cfg.Embedding.RateBurst),
	)
	log.Println("✓ Embedding client initialized")

	return build(cfg, embedder, st, closeStore), nil
}

func build(cfg *config.Config, embedder services.Embedder, st store, closeStore func() error) *App {
	retry := services.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}

	hub := events.NewHub()
	observer := services.Observers{services.LogObserver{}, hub}

	upserter := services.NewBatchUpserter(embedder, st, services.UpserterConfig{
		BatchSize:   cfg.Upsert.BatchSize,
		Concurrency: cfg.Upsert.Concurrency,
		Retry:       retry,
		Observer:    observer,
	})
	ch := chunker.New(
		chunker.WithMaxTokens(cfg.Chunk.MaxTokens),
		chunker.WithOverlap(cfg.Chunk.Overlap),
	)

	threshold := float32(cfg.Search.Threshold)

	return &App{
		Config: cfg,
		Ingest: services.NewIngestService(ch, upserter, services.UpsertOptions{}, cfg.IngestWorkers, cfg.IngestQueueSize),
		Search: services.NewSearchService(embedder, st, services.SearchConfig{
			TopK:      cfg.Search.TopK,
			Threshold: &threshold,
			Timeout:   cfg.Search.Timeout,
			Retry:     retry,
			Observer:  observer,
		}),
		Datasets:   services.NewDatasetService(st),
		Hub:        hub,
		Auth:       middleware.NewStaticKeyAuthenticator(cfg.APIKeys),
		closeStore: closeStore,
	}
}

func openStore(cfg *config.Config) (store, func() error, error) {
	switch cfg.Store {
	case StoreMemory:
		log.Println("✓ Using in-memory document store")
		return memory.NewStore(), func() error { return nil }, nil
	case StorePostgres, "":
		database, err := db.NewGorm(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open document store: %w", err)
		}
		return repository.NewDocumentStore(database.DB), database.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	h := api.NewHandler(a.Ingest, a.Search, a.Datasets, a.Hub)
	return api.SetupRoutes(h, a.Auth)
}

// Start launches the ingestion workers and the event hub.
func (a *App) Start() {
	a.Ingest.Start()
	a.Hub.Start()
}

// Shutdown drains queued ingestion, closes subscriber connections and the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.Ingest.Shutdown(ctx)
	a.Hub.Shutdown()
	if a.closeStore == nil {
		return nil
	}
	if err := a.closeStore(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return ctx.Err()
}
