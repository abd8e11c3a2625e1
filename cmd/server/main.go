package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lexivion.com/docsearch/internal/api"
	"lexivion.com/docsearch/internal/blob"
	"lexivion.com/docsearch/internal/config"
	"lexivion.com/docsearch/internal/core"
	"lexivion.com/docsearch/internal/dedup"
	"lexivion.com/docsearch/internal/extract"
	"lexivion.com/docsearch/internal/retrieval"
	"lexivion.com/docsearch/internal/store"
)

func main() {
	reindexFlag := flag.Bool("reindex", false, "Push every stored document and chunk vector into the vector index and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Setup logging
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if cfg.Debug() {
		log.Println("Service starting in DEBUG mode")
	}

	ctx := context.Background()

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	// Initialize LLM service
	llmService, err := core.NewLLMService(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.TextEmbeddingModel)
	if err != nil {
		log.Fatalf("Failed to initialize LLM service: %v", err)
	}
	defer llmService.Close()

	// Vector backend
	var backend retrieval.Backend
	switch cfg.VectorBackend {
	case config.BackendQdrant:
		qdrant, err := retrieval.NewQdrantBackend(ctx, retrieval.QdrantConfig{
			Host:             cfg.QdrantHost,
			Port:             cfg.QdrantPort,
			CollectionPrefix: cfg.QdrantCollectionPrefix,
			TextDim:          cfg.TextEmbeddingDim,
			ImageDim:         cfg.ImageEmbeddingDim,
		}, dbStore)
		if err != nil {
			log.Fatalf("Failed to initialize Qdrant backend: %v", err)
		}
		defer qdrant.Close()
		backend = qdrant
	default:
		backend = retrieval.NewScanBackend(dbStore)
	}
	log.Printf("Using %s vector backend", backend.Name())

	if *reindexFlag {
		log.Println("Starting reindex...")
		docs, chunks, err := core.Reindex(ctx, dbStore, backend)
		if err != nil {
			log.Fatalf("Reindex failed: %v", err)
		}
		log.Printf("Reindex complete. Indexed %d documents and %d chunks. Exiting.", docs, chunks)
		return
	}

	blobs, err := blob.New(cfg.UploadStorageURL)
	if err != nil {
		log.Fatalf("Failed to initialize upload storage: %v", err)
	}

	pool := core.NewInferencePool(cfg.InferenceWorkers, cfg.InferenceTimeout, cfg.EmbeddingRateLimit)

	// Gemini has no image embedding endpoint; page images need a separate service.
	var imageEmbedder core.ImageEmbedder
	if cfg.ImageChunks() {
		imageEmbedder = core.NewHTTPImageEmbedder(cfg.ImageEmbeddingURL, cfg.InferenceTimeout)
		log.Printf("Embedding page images via %s", cfg.ImageEmbeddingURL)
	}
	pipeline := core.NewPipeline(extract.NewRegistry(), llmService, imageEmbedder, pool, core.PipelineConfig{
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
		PrefixChunks:   cfg.SemanticPrefixChunks,
		NormMaxPages:   cfg.NormHashMaxPages,
		TextDim:        cfg.TextEmbeddingDim,
		ImageDim:       cfg.ImageEmbeddingDim,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	resolver := dedup.NewDefaultResolver(dbStore, backend, dedup.Config{
		SemanticEnabled:   cfg.SemanticDupEnabled,
		SemanticThreshold: cfg.SemanticDupThreshold,
		SemanticTopK:      cfg.SemanticDupTopK,
		Dimension:         cfg.TextEmbeddingDim,
	})

	var generator core.AnswerGenerator
	if cfg.AnswerGeneration {
		generator = llmService
	}
	retriever := retrieval.NewRetriever(backend, cfg.TextEmbeddingDim, cfg.ImageEmbeddingDim, cfg.MaxContextChunks)

	// Initialize API Handler and Router
	apiHandler := api.NewAPIHandler(api.Services{
		Users:   dbStore,
		Ingest:  core.NewIngestService(dbStore, pipeline, resolver, blobs, backend),
		Replace: core.NewReplaceCoordinator(dbStore, pipeline, blobs, backend),
		Search: core.NewSearchService(dbStore, retriever, llmService, generator, pool, core.SearchConfig{
			DefaultTopK:      cfg.DefaultTopK,
			MaxContextChunks: cfg.MaxContextChunks,
			TextDim:          cfg.TextEmbeddingDim,
		}),
		Documents: core.NewDocumentService(dbStore, blobs, backend),
	}, cfg.JWTSecret, cfg.AuthTokenMaxAge, cfg.MaxUploadBytes)
	router := api.NewRouter(apiHandler)

	// Start HTTP server
	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  60 * time.Second, // uploads can be large
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		log.Printf("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exiting gracefully")
}
