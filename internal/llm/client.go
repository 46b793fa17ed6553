// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/paperhub/chat-platform/pkg/metrics"
	"github.com/paperhub/chat-platform/pkg/tracing"
)

// ChatMessage represents a chat message for LLM.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Describer answers a prompt about a base64-encoded PNG image.
type Describer interface {
	DescribeImage(ctx context.Context, imageBase64, prompt string) (string, error)
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey, model string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, model)
	default:
		return NewAnthropicClient(apiKey, model)
	}
}

// Text is a convenience for a single-turn prompt.
func Text(ctx context.Context, c Client, system, prompt string) (string, error) {
	resp, err := c.Complete(ctx, &CompletionRequest{
		System:   system,
		Messages: []ChatMessage{{Role: RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// instrumented records latency, token usage and a span for every call.
type instrumented struct {
	next   Client
	tracer trace.Tracer
}

// Instrument wraps c with metrics and tracing.
func Instrument(c Client) Client {
	return &instrumented{next: c, tracer: tracing.Tracer("llm")}
}

func (c *instrumented) Name() string { return c.next.Name() }

func (c *instrumented) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		attribute.String("llm.provider", c.next.Name()),
		attribute.Int("llm.messages", len(req.Messages)),
	))
	defer span.End()

	start := time.Now()
	resp, err := c.next.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordLLMCall(c.next.Name(), "complete", status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	metrics.RecordLLMTokens(resp.Model, resp.TokensIn, resp.TokensOut)
	span.SetAttributes(
		attribute.String("llm.model", resp.Model),
		attribute.Int("llm.tokens_in", resp.TokensIn),
		attribute.Int("llm.tokens_out", resp.TokensOut),
	)
	return resp, nil
}
