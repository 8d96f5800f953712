package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const backendQdrant = "qdrant"

// pointClient is implemented by *qdrant.Client.
type pointClient interface {
	EnsureCollection(ctx context.Context, name string, dim uint64, keywordFields ...string) error
	Upsert(ctx context.Context, collection string, points []*qdrant.Point) error
	Query(ctx context.Context, collection string, vector []float32, limit uint64, filter *qdrant.Filter) ([]*qdrant.ScoredPoint, error)
	DeleteByFilter(ctx context.Context, collection string, filter *qdrant.Filter) error
	Health(ctx context.Context) error
	Close() error
}

// QdrantIndex stores records as points in a single Qdrant collection with
// keyword payload indexes on owner and batch.
type QdrantIndex struct {
	client     pointClient
	collection string
	logger     *logging.Logger
}

// NewQdrantIndex wraps a connected client.
func NewQdrantIndex(client pointClient, collection string, logger *logging.Logger) *QdrantIndex {
	if logger == nil {
		logger = logging.Nop()
	}
	return &QdrantIndex{client: client, collection: collection, logger: logger.Named("vectorstore")}
}

// EnsureCollection implements Index.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dim int) (err error) {
	ctx, done := observe(ctx, backendQdrant, "ensure_collection",
		attribute.String("collection", q.collection), attribute.Int("dimension", dim))
	defer done(&err)

	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	if err := q.client.EnsureCollection(ctx, q.collection, uint64(dim), KeyOwnerID, KeyBatchID); err != nil {
		return fmt.Errorf("ensuring collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert implements Index.
func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) (err error) {
	ctx, done := observe(ctx, backendQdrant, "upsert", attribute.Int("records", len(records)))
	defer done(&err)

	if err := validateRecords(records, 0); err != nil {
		return err
	}
	points := make([]*qdrant.Point, len(records))
	for i, r := range records {
		points[i] = &qdrant.Point{
			ID:      r.ID(),
			Vector:  r.Vector,
			Payload: recordPayload(r),
		}
	}
	if err := q.client.Upsert(ctx, q.collection, points); err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// Search implements Index.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filter *Filter) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendQdrant, "search",
		attribute.Int("k", k), attribute.Bool("filtered", filter != nil))
	defer done(&err)

	if err := filter.validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	scored, err := q.client.Query(ctx, q.collection, vector, uint64(k), toQdrantFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.collection, err)
	}
	hits = make([]Hit, 0, len(scored))
	for _, p := range scored {
		hits = append(hits, Hit{Record: recordFromPayload(p.Payload), Score: p.Score})
	}
	return hits, nil
}

// DeleteBatch implements Index.
func (q *QdrantIndex) DeleteBatch(ctx context.Context, ownerID, batchID string) (err error) {
	ctx, done := observe(ctx, backendQdrant, "delete_batch")
	defer done(&err)

	if err := validateDelete(ownerID, batchID); err != nil {
		return err
	}
	f := toQdrantFilter(&Filter{OwnerID: ownerID, BatchID: batchID})
	if err := q.client.DeleteByFilter(ctx, q.collection, f); err != nil {
		return fmt.Errorf("deleting batch %s: %w", batchID, err)
	}
	q.logger.Debug(ctx, "deleted batch points", zap.String("collection", q.collection))
	return nil
}

// Health implements Index.
func (q *QdrantIndex) Health(ctx context.Context) error {
	return q.client.Health(ctx)
}

// Close implements Index.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

func toQdrantFilter(f *Filter) *qdrant.Filter {
	if f == nil {
		return nil
	}
	out := &qdrant.Filter{Must: []qdrant.Condition{{Field: KeyOwnerID, Match: f.OwnerID}}}
	if f.BatchID != "" {
		out.Must = append(out.Must, qdrant.Condition{Field: KeyBatchID, Match: f.BatchID})
	}
	return out
}

func recordPayload(r Record) map[string]any {
	payload := map[string]any{
		KeyOwnerID:        r.OwnerID,
		KeyBatchID:        r.BatchID,
		KeySourceFileName: r.SourceFileName,
		KeySequenceIndex:  r.SequenceIndex,
		KeyText:           r.Text,
	}
	if r.PageNumber > 0 {
		payload[KeyPageNumber] = r.PageNumber
	}
	return payload
}

func recordFromPayload(payload map[string]any) Record {
	str := func(k string) string {
		s, _ := payload[k].(string)
		return s
	}
	num := func(k string) int {
		switch v := payload[k].(type) {
		case int64:
			return int(v)
		case int:
			return v
		case float64:
			return int(v)
		}
		return 0
	}
	return Record{
		OwnerID:        str(KeyOwnerID),
		BatchID:        str(KeyBatchID),
		SourceFileName: str(KeySourceFileName),
		PageNumber:     num(KeyPageNumber),
		SequenceIndex:  num(KeySequenceIndex),
		Text:           str(KeyText),
	}
}
