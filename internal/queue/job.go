package queue

import (
	"errors"
	"fmt"
)

// Kind names a job variant on the wire.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindCleanup Kind = "cleanup"
)

// ErrUnknownJob is returned for a job variant no code path handles.
var ErrUnknownJob = errors.New("unknown job kind")

// ErrInvalidJob is returned when a job is missing a required field.
var ErrInvalidJob = errors.New("invalid job")

// Job is implemented only by IngestJob and CleanupJob.
type Job interface {
	Kind() Kind
	// Key identifies the job for deduplication: one job of each kind per batch.
	Key() string
	Validate() error
	sealed()
}

// IngestJob asks a worker to index an uploaded file.
type IngestJob struct {
	BlobKey  string `json:"blobKey"`
	FileName string `json:"fileName"`
	OwnerID  string `json:"ownerId"`
	BatchID  string `json:"batchId"`
}

func (IngestJob) Kind() Kind { return KindIngest }

func (j IngestJob) Key() string { return string(KindIngest) + "-" + j.BatchID }

func (j IngestJob) Validate() error {
	switch {
	case j.BlobKey == "":
		return fmt.Errorf("%w: ingest job has no blob key", ErrInvalidJob)
	case j.OwnerID == "":
		return fmt.Errorf("%w: ingest job has no owner", ErrInvalidJob)
	case j.BatchID == "":
		return fmt.Errorf("%w: ingest job has no batch", ErrInvalidJob)
	}
	return nil
}

func (IngestJob) sealed() {}

// CleanupJob asks a worker to purge a batch once its retention window ends.
type CleanupJob struct {
	OwnerID  string `json:"ownerId"`
	BatchID  string `json:"batchId"`
	FileName string `json:"fileName"`
	BlobKey  string `json:"blobKey"`
}

func (CleanupJob) Kind() Kind { return KindCleanup }

func (j CleanupJob) Key() string { return string(KindCleanup) + "-" + j.BatchID }

func (j CleanupJob) Validate() error {
	switch {
	case j.OwnerID == "":
		return fmt.Errorf("%w: cleanup job has no owner", ErrInvalidJob)
	case j.BatchID == "":
		return fmt.Errorf("%w: cleanup job has no batch", ErrInvalidJob)
	}
	return nil
}

func (CleanupJob) sealed() {}
