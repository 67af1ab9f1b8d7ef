package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient completes prompts against the Anthropic Messages API.
type AnthropicClient struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// AnthropicConfig holds configuration for an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // Optional override
	Model   string
	Timeout time.Duration
}

// NewAnthropicClient creates a completion client for Anthropic models.
func NewAnthropicClient(cfg *AnthropicConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}

	return &AnthropicClient{
		client:  anthropic.NewClient(cfg.APIKey, opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger.Named("llm-anthropic"),
	}, nil
}

// Complete sends the prompt as a single user message.
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	prompt := req.Prompt
	if req.JSONMode {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	start := time.Now()
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.Model(c.model),
		System:    req.System,
		MaxTokens: maxTokens,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: []anthropic.MessageContent{
				{Type: "text", Text: &prompt},
			}},
		},
	})
	if err != nil {
		c.logger.Warn("Anthropic request failed",
			zap.String("model", c.model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		classified := ClassifyError(err)
		classified.Model = c.model
		return nil, classified
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, NewError(ErrorTypeResponse, "no text content in response", true, nil)
	}

	return &CompletionResult{
		Content:          text.String(),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
	}, nil
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}
