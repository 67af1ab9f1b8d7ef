package llm

import (
	"context"
	"sync"
)

// MockCompleter is a configurable Completer and Embedder for tests.
// Set the function fields to control behavior.
type MockCompleter struct {
	mu sync.Mutex

	// CompleteFunc is called when Complete is invoked.
	// If nil, returns an empty result and nil error.
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// EmbedFunc is called when Embed is invoked.
	// If nil, returns a 3-dimensional zero vector per input.
	EmbedFunc func(ctx context.Context, inputs []string) ([][]float32, error)

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	// Call tracking for verification
	CompleteCalls int
	EmbedCalls    int
	Requests      []CompletionRequest
}

// NewMockCompleter creates a new mock with sensible defaults.
func NewMockCompleter() *MockCompleter {
	return &MockCompleter{ModelName: "mock-model"}
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	m.mu.Lock()
	m.CompleteCalls++
	m.Requests = append(m.Requests, req)
	fn := m.CompleteFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &CompletionResult{}, nil
}

// Embed implements Embedder.
func (m *MockCompleter) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	m.mu.Lock()
	m.EmbedCalls++
	fn := m.EmbedFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, inputs)
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0, 0, 0}
	}
	return out, nil
}

// Model implements Completer.
func (m *MockCompleter) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Calls returns the number of Complete calls so far.
func (m *MockCompleter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CompleteCalls
}

var (
	_ Completer = (*MockCompleter)(nil)
	_ Embedder  = (*MockCompleter)(nil)
)
