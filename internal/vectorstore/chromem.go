package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const backendChromem = "chromem"

// errNoEmbedder is returned if chromem is ever asked to embed text itself.
// Records always arrive with vectors, so this signals a programming error.
var errNoEmbedder = errors.New("chromem collection has no embedding function; vectors must be supplied")

// ChromemIndex is an embedded index for local runs and tests. Persistence
// is optional; an empty path keeps everything in memory.
type ChromemIndex struct {
	db         *chromem.DB
	collection string
	logger     *logging.Logger

	mu  sync.RWMutex
	col *chromem.Collection
	dim int
}

// NewChromemIndex opens (or creates) a chromem database at path.
func NewChromemIndex(path string, compress bool, collection string, logger *logging.Logger) (*ChromemIndex, error) {
	if collection == "" {
		return nil, errors.New("collection name is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandPath(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(expanded, 0o700); err != nil {
			return nil, fmt.Errorf("creating chromem directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(expanded, compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database: %w", err)
		}
	}

	return &ChromemIndex{db: db, collection: collection, logger: logger.Named("vectorstore")}, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// EnsureCollection implements Index.
func (c *ChromemIndex) EnsureCollection(ctx context.Context, dim int) (err error) {
	_, done := observe(ctx, backendChromem, "ensure_collection", attribute.Int("dimension", dim))
	defer done(&err)

	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.collectionLocked()
	if err != nil {
		return err
	}
	c.dim = dim
	return nil
}

func (c *ChromemIndex) collectionLocked() (*chromem.Collection, error) {
	if c.col != nil {
		return c.col, nil
	}
	col, err := c.db.GetOrCreateCollection(c.collection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", c.collection, err)
	}
	c.col = col
	return col, nil
}

func (c *ChromemIndex) current() (*chromem.Collection, int, error) {
	c.mu.RLock()
	col, dim := c.col, c.dim
	c.mu.RUnlock()
	if col != nil {
		return col, dim, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	col, err := c.collectionLocked()
	return col, c.dim, err
}

// Upsert implements Index. chromem keys documents by ID, so re-adding a
// record replaces it.
func (c *ChromemIndex) Upsert(ctx context.Context, records []Record) (err error) {
	ctx, done := observe(ctx, backendChromem, "upsert", attribute.Int("records", len(records)))
	defer done(&err)

	if len(records) == 0 {
		return nil
	}
	col, dim, err := c.current()
	if err != nil {
		return err
	}
	if err := validateRecords(records, dim); err != nil {
		return err
	}

	docs := make([]chromem.Document, len(records))
	for i, r := range records {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		docs[i] = chromem.Document{
			ID:        r.ID(),
			Metadata:  recordMetadata(r),
			Embedding: vec,
			Content:   r.Text,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding %d documents: %w", len(docs), err)
	}
	return nil
}

// Search implements Index.
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, k int, filter *Filter) (hits []Hit, err error) {
	ctx, done := observe(ctx, backendChromem, "search",
		attribute.Int("k", k), attribute.Bool("filtered", filter != nil))
	defer done(&err)

	if err := filter.validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	col, _, err := c.current()
	if err != nil {
		return nil, err
	}

	results, err := queryAtMost(ctx, col, vector, k, chromemWhere(filter))
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", c.collection, err)
	}
	hits = make([]Hit, 0, len(results))
	for _, r := range results {
		rec := recordFromMetadata(r.Metadata)
		rec.Text = r.Content
		hits = append(hits, Hit{Record: rec, Score: r.Similarity})
	}
	return hits, nil
}

// chromemQuerier is the part of *chromem.Collection that Search uses.
type chromemQuerier interface {
	Count() int
	QueryEmbedding(ctx context.Context, vector []float32, nResults int, where, whereDocument map[string]string) ([]chromem.Result, error)
}

// queryAtMost returns up to k results. chromem rejects nResults above the
// document count, and a concurrent DeleteBatch can shrink the collection
// between Count and the query, so the count is re-read until the query
// succeeds or the collection is empty.
func queryAtMost(ctx context.Context, col chromemQuerier, vector []float32, k int, where map[string]string) ([]chromem.Result, error) {
	for {
		n := min(k, col.Count())
		if n == 0 {
			return nil, nil
		}
		results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
		if err == nil {
			return results, nil
		}
		if ctx.Err() != nil || col.Count() >= n {
			return nil, err
		}
	}
}

// DeleteBatch implements Index.
func (c *ChromemIndex) DeleteBatch(ctx context.Context, ownerID, batchID string) (err error) {
	ctx, done := observe(ctx, backendChromem, "delete_batch")
	defer done(&err)

	if err := validateDelete(ownerID, batchID); err != nil {
		return err
	}
	col, _, err := c.current()
	if err != nil {
		return err
	}
	before := col.Count()
	where := chromemWhere(&Filter{OwnerID: ownerID, BatchID: batchID})
	if err := col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("deleting batch %s: %w", batchID, err)
	}
	c.logger.Debug(ctx, "deleted batch documents", zap.Int("deleted", before-col.Count()))
	return nil
}

// Health implements Index.
func (c *ChromemIndex) Health(context.Context) error {
	return nil
}

// Close implements Index. chromem persists on write, so there is nothing
// to flush.
func (c *ChromemIndex) Close() error {
	return nil
}

func chromemWhere(f *Filter) map[string]string {
	if f == nil {
		return nil
	}
	where := map[string]string{KeyOwnerID: f.OwnerID}
	if f.BatchID != "" {
		where[KeyBatchID] = f.BatchID
	}
	return where
}

// recordMetadata flattens a record to chromem's string-only metadata.
func recordMetadata(r Record) map[string]string {
	md := map[string]string{
		KeyOwnerID:        r.OwnerID,
		KeyBatchID:        r.BatchID,
		KeySourceFileName: r.SourceFileName,
		KeySequenceIndex:  strconv.Itoa(r.SequenceIndex),
	}
	if r.PageNumber > 0 {
		md[KeyPageNumber] = strconv.Itoa(r.PageNumber)
	}
	return md
}

func recordFromMetadata(md map[string]string) Record {
	page, _ := strconv.Atoi(md[KeyPageNumber])
	seq, _ := strconv.Atoi(md[KeySequenceIndex])
	return Record{
		OwnerID:        md[KeyOwnerID],
		BatchID:        md[KeyBatchID],
		SourceFileName: md[KeySourceFileName],
		PageNumber:     page,
		SequenceIndex:  seq,
	}
}
