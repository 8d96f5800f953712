package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	chromem "github.com/philippgille/chromem-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex("", false, "pdf-rag", logging.NewTestLogger().Logger)
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(context.Background(), 64))
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestChromemIndex_OwnerIsolation(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)

	require.NoError(t, idx.Upsert(ctx, []Record{
		record("owner-a", "batch-a", 0, "the vault code is Zyxquor42"),
		record("owner-a", "batch-a", 1, "unrelated shopping list"),
	}))
	require.NoError(t, idx.Upsert(ctx, []Record{
		record("owner-b", "batch-b", 0, "my secret word is Zyxquor42"),
	}))

	hits, err := idx.Search(ctx, bagOfWords("what contains Zyxquor42?"), 5, OwnerFilter("owner-a"))
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, h := range hits {
		assert.Equal(t, "owner-a", h.OwnerID)
	}
	assert.Equal(t, "the vault code is Zyxquor42", hits[0].Text)
	assert.Equal(t, "batch-a.pdf", hits[0].SourceFileName)
	assert.Equal(t, 1, hits[0].PageNumber)

	hits, err = idx.Search(ctx, bagOfWords("Zyxquor42"), 5, OwnerFilter("owner-b"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "owner-b", hits[0].OwnerID)
}

func TestChromemIndex_UnknownOwnerGetsNothing(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)
	require.NoError(t, idx.Upsert(ctx, []Record{record("owner-a", "b", 0, "hello")}))

	hits, err := idx.Search(ctx, bagOfWords("hello"), 5, OwnerFilter("owner-z"))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_UnfilteredSearchSpansOwners(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)
	require.NoError(t, idx.Upsert(ctx, []Record{
		record("owner-a", "a", 0, "alpha Zyxquor42"),
		record("owner-b", "b", 0, "beta Zyxquor42"),
		record("owner-c", "c", 0, "gamma"),
	}))

	hits, err := idx.Search(ctx, bagOfWords("Zyxquor42"), 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	owners := []string{hits[0].OwnerID, hits[1].OwnerID}
	assert.ElementsMatch(t, []string{"owner-a", "owner-b"}, owners)
}

func TestChromemIndex_RejectsOwnerlessFilter(t *testing.T) {
	idx := newMemIndex(t)
	_, err := idx.Search(context.Background(), bagOfWords("x"), 5, &Filter{BatchID: "b"})
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestChromemIndex_EmptyCollection(t *testing.T) {
	idx := newMemIndex(t)
	hits, err := idx.Search(context.Background(), bagOfWords("anything"), 5, OwnerFilter("u"))
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndex_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)
	batch := []Record{
		record("owner-a", "batch-1", 0, "first chunk"),
		record("owner-a", "batch-1", 1, "second chunk"),
	}

	require.NoError(t, idx.Upsert(ctx, batch))
	require.NoError(t, idx.Upsert(ctx, batch))

	assert.Equal(t, 2, idx.col.Count())
}

func TestChromemIndex_UpsertRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)

	orphan := record("", "batch-1", 0, "no owner")
	assert.ErrorIs(t, idx.Upsert(ctx, []Record{orphan}), ErrMissingOwner)

	short := record("u", "b", 0, "x")
	short.Vector = short.Vector[:8]
	assert.ErrorIs(t, idx.Upsert(ctx, []Record{short}), ErrDimensionMismatch)

	assert.Equal(t, 0, idx.col.Count())
}

func TestChromemIndex_DeleteBatch(t *testing.T) {
	ctx := context.Background()
	idx := newMemIndex(t)
	require.NoError(t, idx.Upsert(ctx, []Record{
		record("owner-a", "batch-1", 0, "one"),
		record("owner-a", "batch-1", 1, "two"),
		record("owner-a", "batch-2", 0, "three"),
		record("owner-b", "batch-1", 0, "same batch id, other owner"),
	}))

	require.NoError(t, idx.DeleteBatch(ctx, "owner-a", "batch-1"))
	assert.Equal(t, 2, idx.col.Count())

	hits, err := idx.Search(ctx, bagOfWords("one two three"), 5, OwnerFilter("owner-a"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "batch-2", hits[0].BatchID)

	// Repeating the delete is a no-op.
	require.NoError(t, idx.DeleteBatch(ctx, "owner-a", "batch-1"))
	assert.Equal(t, 2, idx.col.Count())
}

func TestChromemIndex_DeleteRequiresIDs(t *testing.T) {
	idx := newMemIndex(t)
	assert.ErrorIs(t, idx.DeleteBatch(context.Background(), "", "b"), ErrMissingOwner)
	assert.ErrorIs(t, idx.DeleteBatch(context.Background(), "u", ""), ErrMissingBatch)
}

func TestChromemIndex_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewChromemIndex(dir, true, "pdf-rag", nil)
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, 64))
	require.NoError(t, idx.Upsert(ctx, []Record{record("owner-a", "b", 0, "persisted text")}))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(dir, true, "pdf-rag", nil)
	require.NoError(t, err)
	hits, err := reopened.Search(ctx, bagOfWords("persisted text"), 5, OwnerFilter("owner-a"))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "persisted text", hits[0].Text)
}

func TestOpen_Chromem(t *testing.T) {
	idx, err := Open(config.VectorStoreConfig{Provider: "chromem", Collection: "pdf-rag"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, idx)
	assert.NoError(t, idx.Health(context.Background()))

	_, err = Open(config.VectorStoreConfig{Provider: "pinecone", Collection: "pdf-rag"}, nil)
	assert.Error(t, err)
}

// shrinkingCollection loses documents between Count and each query, the
// way a concurrent DeleteBatch would.
type shrinkingCollection struct {
	counts  []int
	queried []int
}

func (s *shrinkingCollection) Count() int {
	return s.counts[0]
}

func (s *shrinkingCollection) QueryEmbedding(_ context.Context, _ []float32, n int, _, _ map[string]string) ([]chromem.Result, error) {
	s.queried = append(s.queried, n)
	if len(s.counts) > 1 {
		s.counts = s.counts[1:]
	}
	if n > s.counts[0] {
		return nil, errors.New("nResults must be <= the number of documents in the collection")
	}
	return make([]chromem.Result, n), nil
}

func TestQueryAtMost_RecountsAfterConcurrentDelete(t *testing.T) {
	col := &shrinkingCollection{counts: []int{5, 3, 3}}

	results, err := queryAtMost(context.Background(), col, []float32{1}, 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []int{5, 3}, col.queried)
}

func TestQueryAtMost_CollectionEmptiedDuringQuery(t *testing.T) {
	col := &shrinkingCollection{counts: []int{2, 0}}

	results, err := queryAtMost(context.Background(), col, []float32{1}, 4, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, []int{2}, col.queried)
}

func TestQueryAtMost_OtherErrorsAreReturned(t *testing.T) {
	col := &shrinkingCollection{counts: []int{1}}

	_, err := queryAtMost(context.Background(), col, []float32{1}, 2, nil)
	require.NoError(t, err)

	failing := &failingQuerier{err: errors.New("dimension mismatch")}
	_, err = queryAtMost(context.Background(), failing, []float32{1}, 2, nil)
	assert.ErrorContains(t, err, "dimension mismatch")
	assert.Equal(t, 1, failing.calls)
}

type failingQuerier struct {
	err   error
	calls int
}

func (f *failingQuerier) Count() int { return 3 }

func (f *failingQuerier) QueryEmbedding(context.Context, []float32, int, map[string]string, map[string]string) ([]chromem.Result, error) {
	f.calls++
	return nil, f.err
}
