// Package retrieval answers a user's question from that user's own
// documents.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/generation"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrEmptyQuestion is returned for a blank question.
	ErrEmptyQuestion = errors.New("question is required")

	// ErrMissingOwner is returned when no owner identifier is given.
	ErrMissingOwner = errors.New("owner identifier is required")
)

// QueryEmbedder embeds a search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Snippet is one retrieved chunk shown to the caller as provenance.
type Snippet struct {
	Text           string  `json:"text"`
	SourceFileName string  `json:"sourceFileName"`
	PageNumber     int     `json:"pageNumber,omitempty"`
	Score          float32 `json:"-"`
}

// Answer is the result of Ask.
type Answer struct {
	Response string
	Sources  []Snippet
	// Degraded is set when the owner-filtered search failed and the sources
	// came from an unfiltered search that may include other owners.
	Degraded bool
}

// Options tunes a Coordinator.
type Options struct {
	TopK               int
	FallbackK          int
	UnfilteredFallback bool
}

// OptionsFromConfig maps the retrieval config section.
func OptionsFromConfig(cfg config.RetrievalConfig) Options {
	return Options{
		TopK:               cfg.TopK,
		FallbackK:          cfg.FallbackK,
		UnfilteredFallback: cfg.UnfilteredFallback,
	}
}

// Coordinator runs owner-filtered search followed by answer generation.
type Coordinator struct {
	embedder  QueryEmbedder
	index     vectorstore.Index
	generator generation.Generator
	opts      Options
	logger    *logging.Logger
	tracer    trace.Tracer
}

// New returns a Coordinator. logger may be nil.
func New(embedder QueryEmbedder, index vectorstore.Index, generator generation.Generator, opts Options, logger *logging.Logger) *Coordinator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.FallbackK <= 0 {
		opts.FallbackK = 2
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		embedder:  embedder,
		index:     index,
		generator: generator,
		opts:      opts,
		logger:    logger.Named("retrieval"),
		tracer:    otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/retrieval"),
	}
}

// WithTracer replaces the tracer used for Ask spans.
func (c *Coordinator) WithTracer(t trace.Tracer) *Coordinator {
	c.tracer = t
	return c
}

// Ask answers question using ownerID's documents.
func (c *Coordinator) Ask(ctx context.Context, ownerID, question string) (_ *Answer, err error) {
	if ownerID == "" {
		return nil, ErrMissingOwner
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	ctx = logging.WithOwnerID(ctx, ownerID)
	ctx, span := c.tracer.Start(ctx, "retrieval.Ask")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	vec, err := c.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	hits, degraded, err := c.search(ctx, ownerID, vec)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)), attribute.Bool("degraded", degraded))

	texts := make([]string, len(hits))
	sources := make([]Snippet, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
		sources[i] = Snippet{
			Text:           h.Text,
			SourceFileName: h.SourceFileName,
			PageNumber:     h.PageNumber,
			Score:          h.Score,
		}
	}

	response, err := c.generator.Generate(ctx, generation.JoinContext(texts), question)
	if err != nil {
		return nil, err
	}
	return &Answer{Response: response, Sources: sources, Degraded: degraded}, nil
}

func (c *Coordinator) search(ctx context.Context, ownerID string, vec []float32) ([]vectorstore.Hit, bool, error) {
	hits, err := c.index.Search(ctx, vec, c.opts.TopK, vectorstore.OwnerFilter(ownerID))
	if err == nil {
		return hits, false, nil
	}
	if !c.opts.UnfilteredFallback {
		return nil, false, fmt.Errorf("owner-filtered search: %w", err)
	}

	c.logger.Warn(ctx, "owner-filtered search failed, falling back to unfiltered search; results may include other owners' documents",
		zap.Int("fallback_k", c.opts.FallbackK),
		zap.Error(err))
	hits, ferr := c.index.Search(ctx, vec, c.opts.FallbackK, nil)
	if ferr != nil {
		return nil, false, fmt.Errorf("unfiltered fallback search: %w (filtered search: %v)", ferr, err)
	}
	return hits, true, nil
}
