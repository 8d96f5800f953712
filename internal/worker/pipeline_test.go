package worker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/blobstore"
	"github.com/fyrsmithlabs/pdfrag/internal/chunking"
	"github.com/fyrsmithlabs/pdfrag/internal/cleanup"
	"github.com/fyrsmithlabs/pdfrag/internal/embeddings"
	"github.com/fyrsmithlabs/pdfrag/internal/ingest"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/pdftext"
	"github.com/fyrsmithlabs/pdfrag/internal/queue"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/upload"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// textExtractor treats everything after the PDF magic as page text, with
// form feeds separating pages.
type textExtractor struct{}

func (textExtractor) Extract(_ context.Context, data []byte) ([]pdftext.Page, error) {
	body, ok := strings.CutPrefix(string(data), "%PDF-")
	if !ok {
		return nil, pdftext.ErrNotPDF
	}
	return pdftext.SplitPages(body), nil
}

type answerer struct {
	mu       sync.Mutex
	contexts []string
}

func (a *answerer) Generate(_ context.Context, contextText, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contexts = append(a.contexts, contextText)
	return "ok", nil
}

type pipeline struct {
	clock    *clock
	blobs    *blobstore.BadgerStore
	index    *vectorstore.ChromemIndex
	uploads  *upload.Coordinator
	asks     *retrieval.Coordinator
	answers  *answerer
	queue    *queue.JetStreamQueue
	dispatch *Dispatcher
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := logging.NewTestLogger().Logger

	srv, err := queue.StartEmbeddedServer(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	clk := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := queue.NewJetStreamQueue(nc, queue.JetStreamConfig{
		AckWait:     5 * time.Second,
		MaxDeferral: 50 * time.Millisecond,
		FetchWait:   100 * time.Millisecond,
	}, queue.Options{Concurrency: 2, RetryDelay: 10 * time.Millisecond, Now: clk.Now, Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	blobs, err := blobstore.OpenBadger("", true, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })
	index, err := vectorstore.NewChromemIndex("", false, "pdf-rag", logger)
	require.NoError(t, err)
	embedder := embeddings.NewHashProvider(256)
	require.NoError(t, index.EnsureCollection(context.Background(), embedder.Dimension()))

	splitter, err := chunking.New(chunking.Options{Size: 500, Overlap: 50})
	require.NoError(t, err)
	ingester, err := ingest.New(ingest.Config{
		Blobs:     blobs,
		Extractor: textExtractor{},
		Splitter:  splitter,
		Embedder:  embedder,
		Index:     index,
		Logger:    logger,
	})
	require.NoError(t, err)
	cleaner, err := cleanup.New(blobs, index, logger)
	require.NoError(t, err)
	d, err := NewDispatcher(ingester, cleaner, logger)
	require.NoError(t, err)

	answers := &answerer{}
	return &pipeline{
		clock:    clk,
		blobs:    blobs,
		index:    index,
		uploads:  upload.New(blobs, q, upload.Options{KeyPrefix: "temp", Retention: 24 * time.Hour, Now: clk.Now}, logger),
		asks:     retrieval.New(embedder, index, answers, retrieval.Options{TopK: 5, FallbackK: 2, UnfilteredFallback: true}, logger),
		answers:  answers,
		queue:    q,
		dispatch: d,
	}
}

func (p *pipeline) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, p.queue, p.dispatch) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
}

func (p *pipeline) upload(t *testing.T, owner, name, text string) *upload.Result {
	t.Helper()
	res, err := p.uploads.Upload(context.Background(), upload.Request{
		OwnerID:     owner,
		FileName:    name,
		ContentType: "application/pdf",
		Data:        []byte("%PDF-" + text),
	})
	require.NoError(t, err)
	return res
}

func (p *pipeline) records(t *testing.T, owner string) []vectorstore.Hit {
	t.Helper()
	hits, err := p.index.Search(context.Background(), make1(256), 100, vectorstore.OwnerFilter(owner))
	assert.NoError(t, err)
	return hits
}

func make1(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func TestPipeline_EndToEnd(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	a := p.upload(t, "owner-a", "a.pdf", "Lorem ipsum dolor sit amet")

	// Queried before any worker ran: nothing indexed yet.
	answer, err := p.asks.Ask(ctx, "owner-a", "what is lorem ipsum?")
	require.NoError(t, err)
	assert.Empty(t, answer.Sources)
	assert.Equal(t, "", p.answers.contexts[0])

	p.start(t)
	require.Eventually(t, func() bool { return len(p.records(t, "owner-a")) == 1 }, 10*time.Second, 25*time.Millisecond)
	rec := p.records(t, "owner-a")[0]
	assert.Equal(t, a.BatchID, rec.BatchID)
	assert.Equal(t, "owner-a", rec.OwnerID)
	assert.Equal(t, "Lorem ipsum dolor sit amet", rec.Text)
	assert.Equal(t, 1, rec.PageNumber)

	empty := p.upload(t, "owner-c", "scan.pdf", "   \f  ")
	require.NotEmpty(t, empty.BatchID)
	_ = p.upload(t, "owner-b", "b.pdf", "Owner B also has Zyxquor42 in a table")
	_ = p.upload(t, "owner-a", "z.pdf", "The Zyxquor42 result belongs to A")
	require.Eventually(t, func() bool { return len(p.records(t, "owner-b")) == 1 && len(p.records(t, "owner-a")) == 2 }, 10*time.Second, 25*time.Millisecond)
	assert.Empty(t, p.records(t, "owner-c"), "no text, no records")

	answer, err = p.asks.Ask(ctx, "owner-a", "what contains Zyxquor42?")
	require.NoError(t, err)
	require.NotEmpty(t, answer.Sources)
	var files []string
	for _, s := range answer.Sources {
		files = append(files, s.SourceFileName)
	}
	assert.Contains(t, files, "z.pdf")
	assert.NotContains(t, files, "b.pdf")

	// Cleanup is due 24h after upload; the clock has not moved yet.
	p.clock.Advance(24*time.Hour - time.Second)
	assert.Never(t, func() bool { return len(p.records(t, "owner-a")) < 2 }, 400*time.Millisecond, 25*time.Millisecond)
	_, err = p.blobs.Get(ctx, a.BlobKey)
	require.NoError(t, err)

	p.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(p.records(t, "owner-a")) == 0 && len(p.records(t, "owner-b")) == 0
	}, 10*time.Second, 25*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := p.blobs.Get(ctx, a.BlobKey)
		return err != nil
	}, 5*time.Second, 25*time.Millisecond)
	_, err = p.blobs.Get(ctx, a.BlobKey)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
