package llm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/config"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/retry"
)

// Collaborators bundles the completion and embedding clients built from config.
type Collaborators struct {
	Completer Completer
	Embedder  Embedder
}

// NewCollaborators builds the configured providers and wraps each in retry and
// circuit breaking. Completion and embedding get separate breakers so an
// outage of one does not block the other.
func NewCollaborators(cfg *config.Config, logger *zap.Logger) (*Collaborators, error) {
	retryCfg := retry.Config{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
		JitterFactor: 0.1,
	}
	breakerCfg := CircuitBreakerConfig{
		Threshold:  cfg.CircuitBreaker.Threshold,
		ResetAfter: cfg.CircuitBreaker.ResetAfter,
	}

	embedder, err := NewClient(&Config{
		Endpoint:       cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
		APIKey:         cfg.Embedding.APIKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create embedding client: %w", err)
	}

	var completer Completer
	switch cfg.LLM.Provider {
	case "anthropic":
		completer, err = NewAnthropicClient(cfg.LLM.AnthropicKey, cfg.LLM.Model, cfg.LLM.MaxTokens, logger)
	default:
		completer, err = NewClient(&Config{
			Endpoint:  cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			APIKey:    cfg.LLM.APIKey,
			MaxTokens: cfg.LLM.MaxTokens,
		}, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s completion client: %w", cfg.LLM.Provider, err)
	}

	return &Collaborators{
		Completer: NewResilientCompleter(completer, retryCfg, NewCircuitBreaker("completion", breakerCfg), logger),
		Embedder:  NewResilientEmbedder(embedder, retryCfg, NewCircuitBreaker("embedding", breakerCfg), logger),
	}, nil
}
