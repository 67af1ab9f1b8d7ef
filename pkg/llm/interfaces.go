// Package llm provides the completion and embedding clients used for change analysis.
package llm

import (
	"context"
)

// CompletionRequest is a single system+user prompt exchange.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSONMode asks providers that support it to return a JSON object.
	JSONMode bool
}

// CompletionResult is the provider's text answer with token usage.
type CompletionResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Completer generates text from a prompt. Implementations never invent
// content on failure; they return a classified *Error instead.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	Model() string
}

// Embedder turns text into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

var (
	_ Completer = (*Client)(nil)
	_ Embedder  = (*Client)(nil)
	_ Completer = (*AnthropicClient)(nil)
	_ Completer = (*GuardedCompleter)(nil)
)
