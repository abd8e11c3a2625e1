package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendScan   = "scan"
	BackendQdrant = "qdrant"
)

type Config struct {
	GeminiAPIKey       string
	GeminiModel        string
	TextEmbeddingModel string
	DatabaseURL        string
	HTTPPort           string
	LogLevel           string
	JWTSecret          string
	AuthTokenMaxAge    time.Duration

	UploadStorageURL string
	MaxUploadBytes   int64

	ChunkSize         int
	ChunkOverlap      int
	MaxContextChunks  int
	DefaultTopK       int
	TextEmbeddingDim  int
	ImageEmbeddingDim int
	// ImageEmbeddingURL enables image chunks when set with a positive
	// ImageEmbeddingDim.
	ImageEmbeddingURL string

	VectorBackend          string
	QdrantHost             string
	QdrantPort             int
	QdrantCollectionPrefix string

	SemanticDupEnabled   bool
	SemanticDupThreshold float64
	SemanticDupTopK      int
	SemanticPrefixChunks int
	NormHashMaxPages     int

	InferenceWorkers   int
	InferenceTimeout   time.Duration
	EmbeddingRateLimit float64
	// AnswerGeneration off means search answers are built from context only.
	AnswerGeneration bool
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		TextEmbeddingModel: getEnv("TEXT_EMBEDDING_MODEL", "text-embedding-004"),
		DatabaseURL:        getEnv("DATABASE_URL", "docsearch.db"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		LogLevel:           strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		AuthTokenMaxAge:    time.Duration(getEnvAsInt("AUTH_TOKEN_MAX_AGE", 604800)) * time.Second,

		UploadStorageURL: getEnv("UPLOAD_STORAGE_URL", "uploads"),
		MaxUploadBytes:   int64(getEnvAsInt("MAX_UPLOAD_BYTES", 50<<20)),

		ChunkSize:         getEnvAsInt("CHUNK_SIZE", 450),
		ChunkOverlap:      getEnvAsInt("CHUNK_OVERLAP", 75),
		MaxContextChunks:  getEnvAsInt("MAX_CONTEXT_CHUNKS", 8),
		DefaultTopK:       getEnvAsInt("DEFAULT_TOP_K", 5),
		TextEmbeddingDim:  getEnvAsInt("TEXT_EMBEDDING_DIM", 768),
		ImageEmbeddingDim: getEnvAsInt("IMAGE_EMBEDDING_DIM", 0),
		ImageEmbeddingURL: getEnv("IMAGE_EMBEDDING_URL", ""),

		VectorBackend:          strings.ToLower(getEnv("VECTOR_BACKEND", BackendScan)),
		QdrantHost:             getEnv("QDRANT_HOST", "localhost"),
		QdrantPort:             getEnvAsInt("QDRANT_PORT", 6334),
		QdrantCollectionPrefix: getEnv("QDRANT_COLLECTION_PREFIX", "docsearch"),

		SemanticDupEnabled:   getEnvAsBool("SEMANTIC_DUP_ENABLED", true),
		SemanticDupThreshold: getEnvAsFloat("SEMANTIC_DUP_THRESHOLD", 0.92),
		SemanticDupTopK:      getEnvAsInt("SEMANTIC_DUP_TOPK", 5),
		SemanticPrefixChunks: getEnvAsInt("SEMANTIC_PREFIX_CHUNKS", 8),
		NormHashMaxPages:     getEnvAsInt("NORM_HASH_MAX_PAGES", 0),

		InferenceWorkers:   getEnvAsInt("INFERENCE_WORKERS", 4),
		InferenceTimeout:   getEnvAsDuration("INFERENCE_TIMEOUT", 60*time.Second),
		EmbeddingRateLimit: getEnvAsFloat("EMBEDDING_RATE_LIMIT", 0),
		AnswerGeneration:   getEnvAsBool("ANSWER_GENERATION", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	if c.TextEmbeddingDim <= 0 {
		return fmt.Errorf("TEXT_EMBEDDING_DIM must be positive, got %d", c.TextEmbeddingDim)
	}
	if c.ImageEmbeddingDim < 0 {
		return fmt.Errorf("IMAGE_EMBEDDING_DIM must not be negative, got %d", c.ImageEmbeddingDim)
	}
	if c.ImageEmbeddingURL != "" && c.ImageEmbeddingDim == 0 {
		return fmt.Errorf("IMAGE_EMBEDDING_URL requires a positive IMAGE_EMBEDDING_DIM")
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > 50 {
		return fmt.Errorf("DEFAULT_TOP_K must be between 1 and 50, got %d", c.DefaultTopK)
	}
	if c.MaxContextChunks <= 0 {
		return fmt.Errorf("MAX_CONTEXT_CHUNKS must be positive, got %d", c.MaxContextChunks)
	}
	if c.SemanticDupThreshold < -1 || c.SemanticDupThreshold > 1 {
		return fmt.Errorf("SEMANTIC_DUP_THRESHOLD must be a cosine similarity, got %g", c.SemanticDupThreshold)
	}
	switch c.VectorBackend {
	case BackendScan, BackendQdrant:
	default:
		return fmt.Errorf("VECTOR_BACKEND must be %q or %q, got %q", BackendScan, BackendQdrant, c.VectorBackend)
	}
	return nil
}

func (c *Config) Debug() bool { return c.LogLevel == "DEBUG" }

// ImageChunks reports whether page images get embedded and stored.
func (c *Config) ImageChunks() bool { return c.ImageEmbeddingURL != "" && c.ImageEmbeddingDim > 0 }

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
