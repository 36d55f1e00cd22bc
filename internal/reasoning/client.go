// Package reasoning is the optional LLM collaborator behind the quality
// judge's scorer and the debugging investigator. Both accept a nil client and
// degrade to their deterministic behavior, so reasoning is only constructed
// when an API key is configured.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cardline/internal/config"
	"github.com/fyrsmithlabs/cardline/internal/logging"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/fyrsmithlabs/cardline/internal/reasoning"

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 2048
	defaultBurst       = 1
)

// ErrEmptyPrompt is returned for blank prompts.
var ErrEmptyPrompt = errors.New("reasoning: empty prompt")

// Client generates a completion for a prompt.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Option configures a LangchainClient.
type Option func(*LangchainClient)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *LangchainClient) { c.tracer = tp.Tracer(instrumentationName) }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *LangchainClient) { c.temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(c *LangchainClient) { c.maxTokens = n }
}

// Redactor scrubs credentials from a prompt before it is sent.
type Redactor interface {
	RedactString(text string) string
}

// WithRedactor scrubs every prompt through r.
func WithRedactor(r Redactor) Option {
	return func(c *LangchainClient) { c.redactor = r }
}

// LangchainClient rate-limits calls to any langchaingo model.
type LangchainClient struct {
	model       llms.Model
	redactor    Redactor
	limiter     *rate.Limiter
	logger      *logging.Logger
	tracer      trace.Tracer
	temperature float64
	maxTokens   int
}

// NewClient wraps model. ratePerSec <= 0 disables limiting.
func NewClient(model llms.Model, ratePerSec float64, logger *logging.Logger, opts ...Option) (*LangchainClient, error) {
	if model == nil {
		return nil, errors.New("reasoning: model is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	c := &LangchainClient{
		model:       model,
		limiter:     rate.NewLimiter(limit, defaultBurst),
		logger:      logger.Named("reasoning"),
		tracer:      otel.Tracer(instrumentationName),
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FromConfig builds an OpenAI-compatible client. It returns a nil Client
// and no error when no API key is configured.
func FromConfig(cfg config.ReasoningConfig, logger *logging.Logger, opts ...Option) (Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, nil
	}
	llmOpts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		llmOpts = append(llmOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(llmOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	c, err := NewClient(llm, cfg.RatePerSec, logger, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Generate sends prompt as a single human message.
func (c *LangchainClient) Generate(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}
	ctx, span := c.tracer.Start(ctx, "reasoning.generate",
		trace.WithAttributes(attribute.Int("prompt.length", len(prompt))))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limiter")
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	if c.redactor != nil {
		if scrubbed := c.redactor.RedactString(prompt); scrubbed != prompt {
			span.SetAttributes(attribute.Bool("prompt.redacted", true))
			c.logger.Info(ctx, "redacted credentials from prompt")
			prompt = scrubbed
		}
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithTemperature(c.temperature),
		llms.WithMaxTokens(c.maxTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn(ctx, "reasoning call failed", zap.Error(err))
		return "", fmt.Errorf("generating completion: %w", err)
	}
	span.SetAttributes(attribute.Int("completion.length", len(out)))
	c.logger.Debug(ctx, "reasoning call completed", zap.Int("completion_length", len(out)))
	return out, nil
}
