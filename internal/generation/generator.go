package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyQuestion is returned when no question text is given.
	ErrEmptyQuestion = errors.New("question is required")

	// ErrNoAnswer is returned when the model produced no choices.
	ErrNoAnswer = errors.New("model returned no answer")
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/pdfrag/internal/generation")

// Generator maps retrieved context and a question to an answer.
type Generator interface {
	Generate(ctx context.Context, contextText, question string) (string, error)
}

// Options tunes a ChatGenerator.
type Options struct {
	Model             string
	Temperature       float64
	RequestsPerSecond float64
	Timeout           time.Duration
}

// ChatGenerator calls a langchaingo chat model with a fixed instruction.
type ChatGenerator struct {
	llm     llms.Model
	opts    Options
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewChatGenerator wraps llm. A RequestsPerSecond of zero disables limiting.
func NewChatGenerator(llm llms.Model, opts Options, logger *logging.Logger) *ChatGenerator {
	if logger == nil {
		logger = logging.Nop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &ChatGenerator{
		llm:     llm,
		opts:    opts,
		limiter: limiter,
		logger:  logger.Named("generation"),
	}
}

// New builds an OpenAI-compatible ChatGenerator from configuration.
func New(cfg config.GenerationConfig, logger *logging.Logger) (*ChatGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("generation model is required")
	}
	token := cfg.APIKey.Value()
	if token == "" {
		token = "none"
	}
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chat client: %w", err)
	}
	return NewChatGenerator(llm, Options{
		Model:             cfg.Model,
		Temperature:       cfg.Temperature,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Timeout:           cfg.Timeout,
	}, logger), nil
}

// Generate implements Generator.
func (g *ChatGenerator) Generate(ctx context.Context, contextText, question string) (string, error) {
	if question == "" {
		return "", ErrEmptyQuestion
	}

	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", g.opts.Model),
		attribute.Int("context.length", len(contextText)),
	)

	if err := g.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter")
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := g.llm.GenerateContent(ctx, Messages(contextText, question),
		llms.WithTemperature(g.opts.Temperature))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate content")
		g.logger.Warn(ctx, "answer generation failed",
			zap.String("model", g.opts.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return "", fmt.Errorf("generating answer: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", ErrNoAnswer
	}

	g.logger.Debug(ctx, "answer generated",
		zap.String("model", g.opts.Model),
		zap.Duration("duration", time.Since(start)))
	return resp.Choices[0].Content, nil
}

var _ Generator = (*ChatGenerator)(nil)
