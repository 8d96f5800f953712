// Package upload accepts files and schedules their ingestion and cleanup.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/blobstore"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMissingFile is returned when the request carries no file content.
	ErrMissingFile = errors.New("file is required")

	// ErrMissingOwner is returned when the request carries no owner.
	ErrMissingOwner = errors.New("owner identifier is required")
)

// DefaultRetention is how long an upload lives before it is purged.
const DefaultRetention = 24 * time.Hour

// Request is one uploaded file.
type Request struct {
	OwnerID     string
	FileName    string
	ContentType string
	Data        []byte
}

// Result identifies the accepted batch.
type Result struct {
	BatchID  string `json:"batchId"`
	FileName string `json:"fileName"`
	BlobKey  string `json:"-"`
}

// Options tunes a Coordinator.
type Options struct {
	KeyPrefix string
	Retention time.Duration
	Now       func() time.Time
	NewID     func() (string, error)
}

// Coordinator persists uploads and enqueues their jobs.
type Coordinator struct {
	blobs    blobstore.Store
	producer queue.Producer
	opts     Options
	logger   *logging.Logger
}

// New returns a Coordinator. logger may be nil.
func New(blobs blobstore.Store, producer queue.Producer, opts Options, logger *logging.Logger) *Coordinator {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newBatchID
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{blobs: blobs, producer: producer, opts: opts, logger: logger.Named("upload")}
}

// newBatchID returns a UUIDv7, which sorts by creation time.
func newBatchID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Upload stores req and schedules its cleanup and ingestion. The cleanup job
// goes first: once it is durable every later failure is bounded by the
// retention window. If it cannot be enqueued the blob is removed again.
func (c *Coordinator) Upload(ctx context.Context, req Request) (*Result, error) {
	if req.OwnerID == "" {
		return nil, ErrMissingOwner
	}
	if len(req.Data) == 0 {
		return nil, ErrMissingFile
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = blobstore.SanitizeFileName("")
	}

	batchID, err := c.opts.NewID()
	if err != nil {
		return nil, fmt.Errorf("generating batch id: %w", err)
	}
	ctx = logging.WithBatchID(logging.WithOwnerID(ctx, req.OwnerID), batchID)

	key := blobstore.Key(c.opts.KeyPrefix, c.opts.Now(), fileName)
	if err := c.blobs.Put(ctx, key, req.Data, req.ContentType); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}

	cleanupJob := queue.CleanupJob{OwnerID: req.OwnerID, BatchID: batchID, FileName: fileName, BlobKey: key}
	if err := c.producer.Enqueue(ctx, cleanupJob, c.opts.Retention); err != nil {
		if derr := c.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			c.logger.Error(ctx, "compensating blob delete failed, blob is orphaned",
				zap.String("blob_key", key),
				zap.Error(derr))
		}
		return nil, fmt.Errorf("scheduling cleanup: %w", err)
	}

	ingestJob := queue.IngestJob{BlobKey: key, FileName: fileName, OwnerID: req.OwnerID, BatchID: batchID}
	if err := c.producer.Enqueue(ctx, ingestJob, 0); err != nil {
		c.logger.Warn(ctx, "ingest enqueue failed, blob remains until scheduled cleanup",
			zap.String("blob_key", key),
			zap.Error(err))
		return nil, fmt.Errorf("enqueueing ingestion: %w", err)
	}

	c.logger.Info(ctx, "upload accepted",
		zap.String("batch_id", batchID),
		zap.String("file_name", fileName),
		zap.String("blob_key", key),
		zap.Int("bytes", len(req.Data)))
	return &Result{BatchID: batchID, FileName: fileName, BlobKey: key}, nil
}
