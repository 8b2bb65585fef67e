// Package llm provides the completion and embedding collaborators used by the
// resolution pipeline.
package llm

import (
	"context"
)

// GenerateResponseResult carries the completion text and token usage.
type GenerateResponseResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completer turns a prompt into raw model text.
type Completer interface {
	GenerateResponse(ctx context.Context, prompt string, systemMessage string, temperature float64) (*GenerateResponseResult, error)

	// GetModel returns the configured model name.
	GetModel() string
}

// Embedder maps text to fixed-length vectors. The same model must be used at
// ingestion and query time.
type Embedder interface {
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)

	// CreateEmbeddings returns one vector per input, in input order.
	CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error)
}

// LLMClient combines both capabilities for OpenAI-compatible providers.
type LLMClient interface {
	Completer
	Embedder

	// GetEndpoint returns the configured endpoint.
	GetEndpoint() string
}

var _ LLMClient = (*Client)(nil)
var _ Completer = (*AnthropicClient)(nil)
