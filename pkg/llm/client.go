package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Client provides access to OpenAI-compatible completion and embedding endpoints.
type Client struct {
	client         *openai.Client
	endpoint       string
	model          string
	embeddingModel string
	timeout        time.Duration
	logger         *zap.Logger
}

// Config holds configuration for creating an OpenAI-compatible client.
type Config struct {
	Endpoint       string // Base URL, e.g., "https://api.openai.com/v1"
	Model          string // Chat model, e.g., "gpt-4o-mini"
	EmbeddingModel string // Embedding model, e.g., "text-embedding-3-small"
	APIKey         string // Optional for local endpoints
	Timeout        time.Duration
}

// NewClient creates a new OpenAI-compatible client.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" && cfg.EmbeddingModel == "" {
		return nil, fmt.Errorf("model or embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		endpoint:       cfg.Endpoint,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		timeout:        cfg.Timeout,
		logger:         logger.Named("llm"),
	}, nil
}

// Complete generates a chat completion.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if c.model == "" {
		return nil, NewError(ErrorTypeModel, "no completion model configured", false, nil)
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	request := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		c.logger.Warn("LLM request failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		classified := ClassifyError(err)
		classified.Model = c.model
		classified.Endpoint = c.endpoint
		return nil, classified
	}

	if len(resp.Choices) == 0 {
		return nil, NewError(ErrorTypeResponse, "no choices in response", true, nil)
	}

	c.logger.Debug("LLM request completed",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)))

	return &CompletionResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Embed generates one embedding per input.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	model := c.embeddingModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(model),
		Input: inputs,
	})
	if err != nil {
		classified := ClassifyError(err)
		classified.Model = model
		classified.Endpoint = c.endpoint
		return nil, classified
	}

	if len(resp.Data) != len(inputs) {
		return nil, NewError(ErrorTypeResponse,
			fmt.Sprintf("expected %d embeddings, got %d", len(inputs), len(resp.Data)), true, nil)
	}

	embeddings := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, NewError(ErrorTypeResponse, fmt.Sprintf("embedding index %d out of range", d.Index), false, nil)
		}
		embeddings[d.Index] = d.Embedding
	}

	return embeddings, nil
}

// Model returns the configured chat model name.
func (c *Client) Model() string {
	return c.model
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
