// Package config provides configuration loading for pdfrag.
//
// Configuration is read from an optional YAML file and then overridden by
// PDFRAG_-prefixed environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete pdfrag configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Blob        BlobConfig        `koanf:"blob"`
	Queue       QueueConfig       `koanf:"queue"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generation  GenerationConfig  `koanf:"generation"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	PDF         PDFConfig         `koanf:"pdf"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	OwnerHeader     string        `koanf:"owner_header"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
}

// BlobConfig selects and configures the blob store backend.
type BlobConfig struct {
	Backend   string        `koanf:"backend"` // "s3" or "badger"
	KeyPrefix string        `koanf:"key_prefix"`
	Timeout   time.Duration `koanf:"timeout"`
	S3        S3Config      `koanf:"s3"`
	Badger    BadgerConfig  `koanf:"badger"`
}

// S3Config holds S3 (or S3-compatible) connection settings.
type S3Config struct {
	Endpoint        string `koanf:"endpoint"`
	Region          string `koanf:"region"`
	Bucket          string `koanf:"bucket"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey Secret `koanf:"secret_access_key"`
	UsePathStyle    bool   `koanf:"use_path_style"`
}

// BadgerConfig holds the embedded badger blob store settings.
type BadgerConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// QueueConfig selects and configures the job transport.
type QueueConfig struct {
	Backend     string         `koanf:"backend"` // "nats", "redis" or "temporal"
	Retention   time.Duration  `koanf:"retention"`
	Concurrency int            `koanf:"concurrency"`
	MaxDeliver  int            `koanf:"max_deliver"`
	RetryDelay  time.Duration  `koanf:"retry_delay"`
	NATS        NATSConfig     `koanf:"nats"`
	Redis       RedisConfig    `koanf:"redis"`
	Temporal    TemporalConfig `koanf:"temporal"`
}

// NATSConfig configures the JetStream backend.
type NATSConfig struct {
	URL         string        `koanf:"url"`
	Embedded    bool          `koanf:"embedded"`
	StoreDir    string        `koanf:"store_dir"`
	Stream      string        `koanf:"stream"`
	AckWait     time.Duration `koanf:"ack_wait"`
	MaxDeferral time.Duration `koanf:"max_deferral"`
	// MaxScheduled bounds delayed jobs held by the scheduler consumer.
	MaxScheduled int `koanf:"max_scheduled"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     Secret        `koanf:"password"`
	DB           int           `koanf:"db"`
	Prefix       string        `koanf:"prefix"`
	PollInterval time.Duration `koanf:"poll_interval"`
	ClaimIdle    time.Duration `koanf:"claim_idle"`
}

// TemporalConfig configures the Temporal backend.
type TemporalConfig struct {
	Host      string `koanf:"host"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// VectorStoreConfig selects and configures the vector index.
type VectorStoreConfig struct {
	Provider   string        `koanf:"provider"` // "qdrant" or "chromem"
	Collection string        `koanf:"collection"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
	Chromem    ChromemConfig `koanf:"chromem"`
}

// QdrantConfig holds Qdrant gRPC connection settings.
type QdrantConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	APIKey         Secret        `koanf:"api_key"`
	UseTLS         bool          `koanf:"use_tls"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	RetryAttempts  int           `koanf:"retry_attempts"`
}

// ChromemConfig holds embedded chromem-go settings.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string        `koanf:"provider"` // "openai", "fastembed" or "hash"
	Model     string        `koanf:"model"`
	BaseURL   string        `koanf:"base_url"`
	APIKey    Secret        `koanf:"api_key"`
	Dimension int           `koanf:"dimension"`
	BatchSize int           `koanf:"batch_size"`
	CacheDir  string        `koanf:"cache_dir"`
	Timeout   time.Duration `koanf:"timeout"`
}

// GenerationConfig configures the answer generation model.
type GenerationConfig struct {
	Model             string        `koanf:"model"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            Secret        `koanf:"api_key"`
	Temperature       float64       `koanf:"temperature"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
}

// ChunkingConfig configures the chunking engine.
type ChunkingConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// RetrievalConfig configures the retrieval coordinator.
type RetrievalConfig struct {
	TopK               int  `koanf:"top_k"`
	FallbackK          int  `koanf:"fallback_k"`
	UnfilteredFallback bool `koanf:"unfiltered_fallback"`
}

// PDFConfig configures text extraction.
type PDFConfig struct {
	ToolPath string        `koanf:"tool_path"`
	Timeout  time.Duration `koanf:"timeout"`
	TempDir  string        `koanf:"temp_dir"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds the subset of OTEL settings exposed in the file.
type TelemetryConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Endpoint      string `koanf:"endpoint"`
	Protocol      string `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure      bool   `koanf:"insecure"`
	TLSSkipVerify bool   `koanf:"tls_skip_verify"`
	ServiceName   string `koanf:"service_name"`
}

// Default returns a Config populated with all defaults.
func Default() *Config {
	cfg := &Config{}
	// Booleans whose default is true cannot be expressed by applyDefaults.
	cfg.Retrieval.UnfilteredFallback = true
	cfg.Telemetry.Insecure = true
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}

	switch c.Blob.Backend {
	case "s3":
		if c.Blob.S3.Bucket == "" {
			return errors.New("blob.s3.bucket is required for the s3 backend")
		}
	case "badger":
		if !c.Blob.Badger.InMemory && c.Blob.Badger.Path == "" {
			return errors.New("blob.badger.path is required unless in_memory is set")
		}
	default:
		return fmt.Errorf("unknown blob backend %q (want s3 or badger)", c.Blob.Backend)
	}

	switch c.Queue.Backend {
	case "nats", "redis", "temporal":
	default:
		return fmt.Errorf("unknown queue backend %q (want nats, redis or temporal)", c.Queue.Backend)
	}
	if c.Queue.Retention <= 0 {
		return errors.New("queue.retention must be positive")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("queue.concurrency must be positive, got %d", c.Queue.Concurrency)
	}

	switch c.VectorStore.Provider {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("unknown vectorstore provider %q (want qdrant or chromem)", c.VectorStore.Provider)
	}
	if c.VectorStore.Collection == "" {
		return errors.New("vectorstore.collection is required")
	}

	switch c.Embeddings.Provider {
	case "openai", "fastembed", "hash":
	default:
		return fmt.Errorf("unknown embeddings provider %q (want openai, fastembed or hash)", c.Embeddings.Provider)
	}

	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}

	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.UnfilteredFallback && c.Retrieval.FallbackK <= 0 {
		return fmt.Errorf("retrieval.fallback_k must be positive, got %d", c.Retrieval.FallbackK)
	}

	return nil
}
