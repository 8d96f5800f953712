// Package qdrant wraps Qdrant's official gRPC client with the operations the
// vector index needs: collection bootstrap with payload indexes, upsert,
// filtered query and delete-by-filter, all retried on transient gRPC codes.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// api is the subset of *qdrant.Client used here.
type api interface {
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, request *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, request *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Close() error
}

// Client talks to Qdrant over gRPC.
type Client struct {
	api    api
	config *ClientConfig
	logger *logging.Logger
}

// ClientConfig configures the Qdrant gRPC client.
type ClientConfig struct {
	// Host is the Qdrant server hostname or IP address.
	// Default: "localhost"
	Host string

	// Port is the Qdrant gRPC port (NOT HTTP REST port).
	// Default: 6334 (gRPC), not 6333 (HTTP)
	Port int

	// UseTLS enables TLS encryption for gRPC connection.
	UseTLS bool

	// APIKey is the optional API key for authentication.
	APIKey string

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// DialTimeout bounds the initial health check.
	// Default: 5 seconds
	DialTimeout time.Duration

	// RequestTimeout is the default timeout for individual requests.
	// Default: 30 seconds
	RequestTimeout time.Duration

	// RetryAttempts is the number of retry attempts for transient failures.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the first retry delay; it doubles on each attempt.
	// Default: 1 second
	RetryBackoff time.Duration

	// Distance is the distance metric for new collections.
	// Default: Cosine
	Distance qdrant.Distance
}

// DefaultClientConfig returns sensible defaults for local development.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Host:           "localhost",
		Port:           6334,
		MaxMessageSize: 50 * 1024 * 1024,
		DialTimeout:    5 * time.Second,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryBackoff:   time.Second,
		Distance:       qdrant.Distance_Cosine,
	}
}

// ConfigFromApp maps the application's qdrant section onto a ClientConfig.
func ConfigFromApp(qc config.QdrantConfig) *ClientConfig {
	cfg := &ClientConfig{
		Host:           qc.Host,
		Port:           qc.Port,
		UseTLS:         qc.UseTLS,
		APIKey:         qc.APIKey.Value(),
		RequestTimeout: qc.RequestTimeout,
		RetryAttempts:  qc.RetryAttempts,
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults sets default values for unset fields.
func (c *ClientConfig) ApplyDefaults() {
	defaults := DefaultClientConfig()

	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RetryAttempts
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.Distance == 0 {
		c.Distance = defaults.Distance
	}
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size: %d (must be > 0)", c.MaxMessageSize)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d", c.RetryAttempts)
	}
	return nil
}

// NewClient dials Qdrant and verifies the connection with a health check.
func NewClient(cfg *ClientConfig, logger *logging.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	qdrantConfig := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	}
	if !cfg.UseTLS {
		qdrantConfig.GrpcOptions = append(qdrantConfig.GrpcOptions,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
	}

	raw, err := qdrant.NewClient(qdrantConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	c := newClient(raw, cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	logger.Info(ctx, "connecting to qdrant",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	if err := c.Health(ctx); err != nil {
		_ = raw.Close()
		logger.Error(ctx, "qdrant health check failed",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.Error(err),
		)
		return nil, err
	}
	logger.Info(ctx, "qdrant connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
	)
	return c, nil
}

func newClient(a api, cfg *ClientConfig, logger *logging.Logger) *Client {
	return &Client{api: a, config: cfg, logger: logger.Named("qdrant")}
}

// Health performs a health check on the Qdrant connection.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	if _, err := c.api.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection when it is missing and adds a
// keyword payload index for each of keywordFields. Index creation is
// idempotent on the server side, so it runs on every call.
func (c *Client) EnsureCollection(ctx context.Context, name string, dim uint64, keywordFields ...string) error {
	if dim == 0 {
		return errors.New("vector dimension must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var exists bool
	err := c.retryOperation(ctx, func() error {
		var err error
		exists, err = c.api.CollectionExists(ctx, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}

	if !exists {
		err = c.retryOperation(ctx, func() error {
			return c.api.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     dim,
					Distance: c.config.Distance,
				}),
			})
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		c.logger.Info(ctx, "created qdrant collection",
			zap.String("collection", name),
			zap.Uint64("dimension", dim),
		)
	}

	for _, field := range keywordFields {
		err := c.retryOperation(ctx, func() error {
			_, err := c.api.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: name,
				Wait:           qdrant.PtrOf(true),
				FieldName:      field,
				FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("creating payload index %s.%s: %w", name, field, err)
		}
	}
	return nil
}

// Upsert inserts or replaces points and waits until they are searchable.
func (c *Client) Upsert(ctx context.Context, collection string, points []*Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, point := range points {
		qdrantPoints[i] = convertToQdrantPoint(point)
	}

	return c.retryOperation(ctx, func() error {
		_, err := c.api.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrantPoints,
		})
		return err
	})
}

// Query returns the limit nearest points to vector. A nil filter searches
// the whole collection.
func (c *Client) Query(ctx context.Context, collection string, vector []float32, limit uint64, filter *Filter) ([]*ScoredPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	var results []*qdrant.ScoredPoint
	err := c.retryOperation(ctx, func() error {
		res, err := c.api.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(limit),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         convertToQdrantFilter(filter),
		})
		if err != nil {
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	scored := make([]*ScoredPoint, len(results))
	for i, result := range results {
		scored[i] = convertFromQdrantScoredPoint(result)
	}
	return scored, nil
}

// DeleteByFilter removes every point matching filter. Matching nothing is
// not an error. An empty filter is rejected so a caller bug cannot wipe the
// collection.
func (c *Client) DeleteByFilter(ctx context.Context, collection string, filter *Filter) error {
	if filter == nil || len(filter.Must) == 0 {
		return errors.New("delete requires at least one must condition")
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	return c.retryOperation(ctx, func() error {
		_, err := c.api.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: convertToQdrantFilter(filter),
				},
			},
		})
		return err
	})
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.api != nil {
		return c.api.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (c *Client) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := c.config.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	startTime := time.Now()

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				c.logger.Info(ctx, "operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}

		lastErr = err
		if !isTransientError(err) {
			return err
		}
		if attempt == c.config.RetryAttempts {
			break
		}

		c.logger.Debug(ctx, "retrying operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.config.RetryAttempts),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	c.logger.Warn(ctx, "operation failed after all retries exhausted",
		zap.Int("total_attempts", c.config.RetryAttempts+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)
	return fmt.Errorf("operation failed after %d retries: %w", c.config.RetryAttempts, lastErr)
}

// isTransientError checks if an error is transient and should be retried.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
