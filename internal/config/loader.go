package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is the prefix of every environment override.
	EnvPrefix = "PDFRAG_"
)

// nestedSections lists the sub-sections of each top level section so that
// PDFRAG_VECTORSTORE_QDRANT_HOST resolves to vectorstore.qdrant.host rather
// than vectorstore.qdrant_host.
var nestedSections = map[string][]string{
	"blob":        {"s3", "badger"},
	"queue":       {"nats", "redis", "temporal"},
	"vectorstore": {"qdrant", "chromem"},
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (PDFRAG_SERVER_PORT, PDFRAG_QUEUE_NATS_URL, ...)
//  2. YAML config file at configPath (skipped when configPath is empty)
//  3. Defaults
//
// The file must be at most 1MB and must not be world-writable.
//
// Environment variables map to keys by stripping the prefix, lowercasing,
// and splitting the section (and known sub-section) on underscores:
//
//	PDFRAG_SERVER_PORT             -> server.port
//	PDFRAG_CHUNKING_SIZE           -> chunking.size
//	PDFRAG_BLOB_S3_BUCKET          -> blob.s3.bucket
//	PDFRAG_RETRIEVAL_UNFILTERED_FALLBACK -> retrieval.unfiltered_fallback
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps PDFRAG_SECTION_[SUB_]FIELD to section.[sub.]field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, rest := parts[0], parts[1]
	for _, sub := range nestedSections[section] {
		if strings.HasPrefix(rest, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(rest, sub+"_")
		}
	}
	return section + "." + rest
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race between check and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", info.Name())
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("insecure config file permissions: %v (must not be world-writable)", info.Mode().Perm())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.OwnerHeader == "" {
		cfg.Server.OwnerHeader = "X-User-ID"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 20 * 1024 * 1024
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}

	// Blob defaults
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "badger"
	}
	if cfg.Blob.KeyPrefix == "" {
		cfg.Blob.KeyPrefix = "temp"
	}
	if cfg.Blob.Timeout == 0 {
		cfg.Blob.Timeout = 30 * time.Second
	}
	if cfg.Blob.S3.Region == "" {
		cfg.Blob.S3.Region = "us-east-1"
	}
	if cfg.Blob.Badger.Path == "" {
		cfg.Blob.Badger.Path = "./data/blobs"
	}

	// Queue defaults
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "nats"
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = 24 * time.Hour
	}
	if cfg.Queue.Concurrency == 0 {
		cfg.Queue.Concurrency = 4
	}
	if cfg.Queue.MaxDeliver == 0 {
		cfg.Queue.MaxDeliver = 5
	}
	if cfg.Queue.RetryDelay == 0 {
		cfg.Queue.RetryDelay = 10 * time.Second
	}
	if cfg.Queue.NATS.URL == "" {
		cfg.Queue.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Queue.NATS.Stream == "" {
		cfg.Queue.NATS.Stream = "PDFRAG_JOBS"
	}
	if cfg.Queue.NATS.AckWait == 0 {
		cfg.Queue.NATS.AckWait = 5 * time.Minute
	}
	if cfg.Queue.NATS.StoreDir == "" {
		cfg.Queue.NATS.StoreDir = "./data/jetstream"
	}
	if cfg.Queue.Redis.Addr == "" {
		cfg.Queue.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Redis.Prefix == "" {
		cfg.Queue.Redis.Prefix = "pdfrag"
	}
	if cfg.Queue.Redis.PollInterval == 0 {
		cfg.Queue.Redis.PollInterval = time.Second
	}
	if cfg.Queue.Redis.ClaimIdle == 0 {
		cfg.Queue.Redis.ClaimIdle = 5 * time.Minute
	}
	if cfg.Queue.Temporal.Host == "" {
		cfg.Queue.Temporal.Host = "localhost:7233"
	}
	if cfg.Queue.Temporal.Namespace == "" {
		cfg.Queue.Temporal.Namespace = "default"
	}
	if cfg.Queue.Temporal.TaskQueue == "" {
		cfg.Queue.Temporal.TaskQueue = "pdfrag-jobs"
	}

	// VectorStore defaults
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "qdrant"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "pdf-rag"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "./data/vectors"
	}

	// Embeddings defaults
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "openai"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "text-embedding-3-large"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embeddings.BatchSize == 0 {
		cfg.Embeddings.BatchSize = 64
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 60 * time.Second
	}

	// Generation defaults
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o"
	}
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Generation.RequestsPerSecond == 0 {
		cfg.Generation.RequestsPerSecond = 5
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 60 * time.Second
	}

	// Chunking defaults
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 500
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = 50
	}

	// Retrieval defaults
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.FallbackK == 0 {
		cfg.Retrieval.FallbackK = 2
	}

	// PDF defaults
	if cfg.PDF.ToolPath == "" {
		cfg.PDF.ToolPath = "pdftotext"
	}
	if cfg.PDF.Timeout == 0 {
		cfg.PDF.Timeout = 2 * time.Minute
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry defaults
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "pdfrag"
	}
}
