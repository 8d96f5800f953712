package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// Payload keys stored with every vector record.
const (
	KeyOwnerID        = "ownerId"
	KeyBatchID        = "batchId"
	KeySourceFileName = "sourceFileName"
	KeyPageNumber     = "pageNumber"
	KeySequenceIndex  = "sequenceIndex"
	KeyText           = "text"
)

// Sentinel errors for vector index operations.
var (
	// ErrMissingOwner is returned when a record or delete lacks an owner.
	ErrMissingOwner = errors.New("owner id is required")

	// ErrMissingBatch is returned when a record or delete lacks a batch id.
	ErrMissingBatch = errors.New("batch id is required")

	// ErrInvalidFilter is returned for a non-nil filter without an owner.
	ErrInvalidFilter = errors.New("filter must name an owner")

	// ErrDimensionMismatch is returned when a vector does not match the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// pointNamespace seeds deterministic point ids.
var pointNamespace = uuid.MustParse("8f0e4a52-3d4b-4c1e-9b7a-5e2f6c1d0a93")

// PointID derives the record id for chunk seq of a batch. The same inputs
// always give the same id, so a redelivered ingestion job overwrites its
// earlier records instead of duplicating them.
func PointID(batchID string, seq int) string {
	return uuid.NewSHA1(pointNamespace, []byte(batchID+":"+strconv.Itoa(seq))).String()
}

// Record is one embedded chunk.
type Record struct {
	OwnerID        string
	BatchID        string
	SourceFileName string
	// PageNumber is 1-based; 0 means unknown.
	PageNumber    int
	SequenceIndex int
	Text          string
	Vector        []float32
}

// ID returns the record's deterministic point id.
func (r Record) ID() string {
	return PointID(r.BatchID, r.SequenceIndex)
}

// Validate rejects records that a filtered query could never reach.
func (r Record) Validate() error {
	if r.OwnerID == "" {
		return ErrMissingOwner
	}
	if r.BatchID == "" {
		return ErrMissingBatch
	}
	if len(r.Vector) == 0 {
		return fmt.Errorf("record %d: empty vector", r.SequenceIndex)
	}
	return nil
}

// Hit is a search result. Vector is not populated.
type Hit struct {
	Record
	Score float32
}

// Filter restricts a search. OwnerID is mandatory; BatchID optionally
// narrows to one upload.
type Filter struct {
	OwnerID string
	BatchID string
}

// OwnerFilter returns a filter for one owner's records.
func OwnerFilter(ownerID string) *Filter {
	return &Filter{OwnerID: ownerID}
}

func (f *Filter) validate() error {
	if f != nil && f.OwnerID == "" {
		return ErrInvalidFilter
	}
	return nil
}

// Index is the vector index used by ingestion, cleanup and retrieval.
type Index interface {
	// EnsureCollection creates the backing collection for vectors of dim
	// dimensions if it does not exist.
	EnsureCollection(ctx context.Context, dim int) error

	// Upsert writes all records or fails. Records are keyed by ID, so
	// writing the same batch twice replaces rather than duplicates.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to k nearest records. A nil filter searches every
	// owner and is reserved for the degraded retrieval path.
	Search(ctx context.Context, vector []float32, k int, filter *Filter) ([]Hit, error)

	// DeleteBatch removes every record of one owner's batch. Deleting a batch
	// that has no records succeeds.
	DeleteBatch(ctx context.Context, ownerID, batchID string) error

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}

func validateRecords(records []Record, dim int) error {
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
		if dim > 0 && len(r.Vector) != dim {
			return fmt.Errorf("%w: record %d has %d, collection has %d",
				ErrDimensionMismatch, r.SequenceIndex, len(r.Vector), dim)
		}
	}
	return nil
}

func validateDelete(ownerID, batchID string) error {
	if ownerID == "" {
		return ErrMissingOwner
	}
	if batchID == "" {
		return ErrMissingBatch
	}
	return nil
}
