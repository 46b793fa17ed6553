package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/paperhub/chat-platform/pkg/metrics"
)

const (
	defaultOpenAIModel    = "gpt-4o"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultVisionModel    = "gpt-4o"
)

// OpenAIClient is the OpenAI LLM client. Besides completions it serves
// embeddings and image descriptions.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
	visionModel    string
}

// OpenAIOption customises an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithEmbeddingModel selects the embedding model.
func WithEmbeddingModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

// WithVisionModel selects the model used for image descriptions.
func WithVisionModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.visionModel = model
		}
	}
}

// NewOpenAIClient creates a new OpenAI client. An empty model selects the default.
func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = defaultOpenAIModel
	}

	c := &OpenAIClient{
		client:         openai.NewClient(apiKey),
		model:          model,
		embeddingModel: defaultEmbeddingModel,
		visionModel:    defaultVisionModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Complete sends a completion request.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	// Convert messages to OpenAI format
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}

	var content, stopReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		stopReason = string(resp.Choices[0].FinishReason)
	}

	return &CompletionResponse{
		Content:    content,
		Model:      resp.Model,
		TokensIn:   resp.Usage.PromptTokens,
		TokensOut:  resp.Usage.CompletionTokens,
		StopReason: stopReason,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}

// Embed returns one vector per input text, in input order.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		metrics.RecordLLMCall(c.Name(), "embed", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	metrics.RecordLLMCall(c.Name(), "embed", "ok", time.Since(start).Seconds())
	metrics.RecordLLMTokens(c.embeddingModel, resp.Usage.PromptTokens, 0)

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = d.Embedding
		}
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector %d", i)
		}
	}
	return out, nil
}

// DescribeImage asks the vision model about a base64-encoded PNG.
func (c *OpenAIClient) DescribeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.visionModel,
		MaxTokens: 1024,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    "data:image/png;base64," + imageBase64,
						Detail: openai.ImageURLDetailAuto,
					},
				},
			},
		}},
	})
	if err != nil {
		metrics.RecordLLMCall(c.Name(), "vision", "error", time.Since(start).Seconds())
		return "", fmt.Errorf("openai vision: %w", err)
	}
	metrics.RecordLLMCall(c.Name(), "vision", "ok", time.Since(start).Seconds())
	metrics.RecordLLMTokens(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", errors.New("openai vision: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
