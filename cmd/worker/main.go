// Pagemill worker entry point.
//
// Consumes document-processing jobs from Redis, runs each document through
// the understanding pipeline (block detection, dual-engine recognition with
// confidence fusion, table reconstruction, embedding indexing) and persists
// the results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagemill/pagemill/internal/config"
	"github.com/pagemill/pagemill/internal/index"
	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/pipeline"
	"github.com/pagemill/pagemill/internal/queue"
	"github.com/pagemill/pagemill/internal/storage"
)

func main() {
	log := logging.NewLogger("worker")

	if err := godotenv.Load(); err != nil {
		log.Info(".env not found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log.Info("pagemill worker starting",
		"queue", cfg.QueueName,
		"fusion", cfg.FusionStrategy,
		"threshold", cfg.ConfidenceThreshold,
		"pageWorkers", cfg.PageWorkers)

	// Results store (optional: without DATABASE_URL documents are processed
	// but not persisted, useful in pure-indexing deployments).
	var store pipeline.ResultStore
	var resultsStore *storage.ResultsStore
	if cfg.DatabaseURL != "" {
		resultsStore, err = storage.NewResultsStore(cfg.DatabaseURL, log.WithPrefix("storage"))
		if err != nil {
			log.Error("failed to connect to results store", "error", err)
			os.Exit(1)
		}
		defer resultsStore.Close()
		store = resultsStore
		log.Info("results store connected")
	}

	// Vector index and embedder, only when indexing is enabled.
	var idx index.Index
	var embedder pipeline.Embedder
	if cfg.EmbeddingIndexing {
		idx, err = index.NewQdrant(cfg.QdrantURL, cfg.QdrantCollection, cfg.EmbeddingDim)
		if err != nil {
			log.Error("failed to connect to vector index", "error", err)
			os.Exit(1)
		}
		defer idx.Close()

		embedder, err = pipeline.NewEmbeddingClient(cfg.EmbeddingURL, cfg.EmbeddingAPIKey, cfg.EmbeddingDim)
		if err != nil {
			log.Error("failed to create embedding client", "error", err)
			os.Exit(1)
		}
		log.Info("vector index connected", "collection", cfg.QdrantCollection, "dim", cfg.EmbeddingDim)
	}

	// Recognition engines. The primary pool serializes Tesseract instances;
	// the secondary is optional.
	primary, err := pipeline.NewEnginePool("tesseract", cfg.EnginePoolSize, cfg.EngineTimeout, func() (pipeline.RecognitionEngine, error) {
		return pipeline.NewTesseractEngine(cfg.TesseractLanguages)
	})
	if err != nil {
		log.Error("failed to create primary engine pool", "error", err)
		os.Exit(1)
	}
	defer primary.Close()

	var secondary pipeline.Recognizer
	if cfg.SecondaryOCRURL != "" {
		pool, err := pipeline.NewEnginePool("remote-vision", cfg.EnginePoolSize, cfg.EngineTimeout, func() (pipeline.RecognitionEngine, error) {
			return pipeline.NewRemoteEngine(cfg.SecondaryOCRURL, cfg.SecondaryOCRAPIKey)
		})
		if err != nil {
			log.Error("failed to create secondary engine pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		secondary = pool
		log.Info("secondary engine enabled", "url", cfg.SecondaryOCRURL)
	}

	coordinator := pipeline.NewCoordinator(pipeline.FusionConfig{
		Strategy:            cfg.FusionStrategy,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		SimilarityThreshold: cfg.SimilarityThreshold,
	}, primary, secondary)

	reconstructor := pipeline.NewTableReconstructor(
		pipeline.NewHybridStrategy(), coordinator, log.WithPrefix("tables"))

	orchestrator := pipeline.NewOrchestrator(
		pipeline.NewProjectionDetector(),
		coordinator,
		reconstructor,
		embedder,
		idx,
		store,
		log.WithPrefix("pipeline"),
		pipeline.Options{
			TableExtraction:   cfg.TableExtraction,
			EmbeddingIndexing: cfg.EmbeddingIndexing,
			PageWorkers:       cfg.PageWorkers,
			BlockWorkers:      cfg.BlockWorkers,
		},
	)

	progress, err := queue.NewProgressPublisher(cfg.RedisURL, cfg.ProgressChannel, log.WithPrefix("progress"))
	if err != nil {
		log.Error("failed to create progress publisher", "error", err)
		os.Exit(1)
	}
	defer progress.Close()

	consumer, err := queue.NewConsumer(
		queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			ProcessingTimeout: cfg.ProcessingTimeout,
		},
		func(ctx context.Context, job *queue.JobData) (string, int, error) {
			pages, err := job.DecodePages()
			if err != nil {
				return "", 0, err
			}
			doc, err := orchestrator.ProcessDocument(ctx, pipeline.ProcessRequest{
				DocumentID: job.DocumentID,
				SourceRef:  job.SourceRef,
				Pages:      pages,
			})
			if err != nil {
				return "", 0, err
			}
			return string(doc.Status), len(doc.Pages), nil
		},
		progress,
		log.WithPrefix("queue"),
	)
	if err != nil {
		log.Error("failed to create queue consumer", "error", err)
		os.Exit(1)
	}

	if err := consumer.Start(); err != nil {
		log.Error("failed to start queue consumer", "error", err)
		os.Exit(1)
	}

	log.Info("pagemill worker ready", "queue", cfg.QueueName, "concurrency", cfg.WorkerConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	log.Info("shutting down", "signal", fmt.Sprintf("%v", sig))

	if err := consumer.Stop(); err != nil {
		log.Error("error stopping queue consumer", "error", err)
	}

	if resultsStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := resultsStore.Ping(ctx); err != nil {
			log.Warn("results store unreachable during shutdown", "error", err)
		}
		cancel()
	}

	log.Info("shutdown complete")
}
