// Package config loads worker configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds worker configuration.
type Config struct {
	// Redis queue and progress reporting
	RedisURL        string
	ProgressChannel string

	// PostgreSQL results store
	DatabaseURL string

	// Qdrant vector index
	QdrantURL        string
	QdrantCollection string

	// Embedding service (image -> fixed-length vector)
	EmbeddingURL    string
	EmbeddingAPIKey string
	EmbeddingDim    int

	// Recognition engines
	TesseractLanguages string // "+"-separated, e.g. "eng+spa"
	SecondaryOCRURL    string
	SecondaryOCRAPIKey string
	EnginePoolSize     int
	EngineTimeout      time.Duration // zero disables per-call timeouts

	// Fusion
	FusionStrategy      string  // "confidence" | "cascade" | "reconcile"
	ConfidenceThreshold float64 // T in [0,1]
	SimilarityThreshold float64 // max normalized edit distance for reconciliation

	// Pipeline features
	TableExtraction   bool
	EmbeddingIndexing bool

	// Concurrency
	PageWorkers  int
	BlockWorkers int

	// Queue
	QueueName         string
	WorkerConcurrency int
	ProcessingTimeout time.Duration
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:        getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		ProgressChannel: getEnvOrDefault("PROGRESS_CHANNEL", "pagemill:progress"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		QdrantURL:        getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection: getEnvOrDefault("QDRANT_COLLECTION", "pagemill_pages"),

		EmbeddingURL:    getEnvOrDefault("EMBEDDING_URL", ""),
		EmbeddingAPIKey: getEnvOrDefault("EMBEDDING_API_KEY", ""),
		EmbeddingDim:    getEnvAsIntOrDefault("EMBEDDING_DIM", 512),

		TesseractLanguages: getEnvOrDefault("TESSERACT_LANGUAGES", "eng"),
		SecondaryOCRURL:    getEnvOrDefault("SECONDARY_OCR_URL", ""),
		SecondaryOCRAPIKey: getEnvOrDefault("SECONDARY_OCR_API_KEY", ""),
		EnginePoolSize:     getEnvAsIntOrDefault("ENGINE_POOL_SIZE", 2),
		EngineTimeout:      getEnvAsDurationOrDefault("ENGINE_TIMEOUT", 0),

		FusionStrategy:      getEnvOrDefault("FUSION_STRATEGY", "confidence"),
		ConfidenceThreshold: getEnvAsFloatOrDefault("CONFIDENCE_THRESHOLD", 0.70),
		SimilarityThreshold: getEnvAsFloatOrDefault("SIMILARITY_THRESHOLD", 0.18),

		TableExtraction:   getEnvAsBoolOrDefault("TABLE_EXTRACTION", true),
		EmbeddingIndexing: getEnvAsBoolOrDefault("EMBEDDING_INDEXING", true),

		PageWorkers:  getEnvAsIntOrDefault("PAGE_WORKERS", 4),
		BlockWorkers: getEnvAsIntOrDefault("BLOCK_WORKERS", 4),

		QueueName:         getEnvOrDefault("QUEUE_NAME", "pagemill:jobs"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeout: getEnvAsDurationOrDefault("PROCESSING_TIMEOUT", 5*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.FusionStrategy {
	case "confidence", "cascade", "reconcile":
	default:
		return fmt.Errorf("FUSION_STRATEGY must be confidence, cascade or reconcile, got %q", c.FusionStrategy)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0,1], got %v", c.ConfidenceThreshold)
	}

	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be in [0,1], got %v", c.SimilarityThreshold)
	}

	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}

	if c.EnginePoolSize < 1 || c.EnginePoolSize > 64 {
		return fmt.Errorf("ENGINE_POOL_SIZE must be between 1 and 64, got %d", c.EnginePoolSize)
	}

	if c.PageWorkers < 1 || c.PageWorkers > 100 {
		return fmt.Errorf("PAGE_WORKERS must be between 1 and 100, got %d", c.PageWorkers)
	}

	if c.BlockWorkers < 1 || c.BlockWorkers > 100 {
		return fmt.Errorf("BLOCK_WORKERS must be between 1 and 100, got %d", c.BlockWorkers)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.EmbeddingIndexing && c.EmbeddingURL == "" {
		return fmt.Errorf("EMBEDDING_URL is required when EMBEDDING_INDEXING is enabled")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
