package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/retry"
)

// ResilientCompleter retries transient completion failures and stops calling a
// provider whose circuit is open. The pipeline sees only the final outcome.
type ResilientCompleter struct {
	inner   Completer
	retry   retry.Config
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// ResilientEmbedder applies the same policy to embedding calls.
type ResilientEmbedder struct {
	inner   Embedder
	retry   retry.Config
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var (
	_ Completer = (*ResilientCompleter)(nil)
	_ Embedder  = (*ResilientEmbedder)(nil)
)

// NewResilientCompleter wraps inner. A nil breaker disables circuit breaking.
func NewResilientCompleter(inner Completer, cfg retry.Config, breaker *CircuitBreaker, logger *zap.Logger) *ResilientCompleter {
	return &ResilientCompleter{inner: inner, retry: cfg, breaker: breaker, logger: logger.Named("llm")}
}

// NewResilientEmbedder wraps inner. A nil breaker disables circuit breaking.
func NewResilientEmbedder(inner Embedder, cfg retry.Config, breaker *CircuitBreaker, logger *zap.Logger) *ResilientEmbedder {
	return &ResilientEmbedder{inner: inner, retry: cfg, breaker: breaker, logger: logger.Named("embedding")}
}

// GenerateResponse implements Completer.
func (r *ResilientCompleter) GenerateResponse(ctx context.Context, prompt, systemMessage string, temperature float64) (*GenerateResponseResult, error) {
	return guarded(ctx, r.retry, r.breaker, r.logger, "completion", func() (*GenerateResponseResult, error) {
		return r.inner.GenerateResponse(ctx, prompt, systemMessage, temperature)
	})
}

// GetModel implements Completer.
func (r *ResilientCompleter) GetModel() string {
	return r.inner.GetModel()
}

// CreateEmbedding implements Embedder.
func (r *ResilientEmbedder) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	return guarded(ctx, r.retry, r.breaker, r.logger, "embedding", func() ([]float32, error) {
		return r.inner.CreateEmbedding(ctx, input)
	})
}

// CreateEmbeddings implements Embedder.
func (r *ResilientEmbedder) CreateEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	return guarded(ctx, r.retry, r.breaker, r.logger, "embedding_batch", func() ([][]float32, error) {
		return r.inner.CreateEmbeddings(ctx, inputs)
	})
}

func guarded[T any](
	ctx context.Context,
	cfg retry.Config,
	breaker *CircuitBreaker,
	logger *zap.Logger,
	op string,
	fn func() (T, error),
) (T, error) {
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("Retrying collaborator call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	return retry.DoIfRetryableWithResult(ctx, &cfg, func() (T, error) {
		var zero T
		if breaker != nil {
			if err := breaker.Allow(); err != nil {
				return zero, err
			}
		}

		out, err := fn()
		if breaker != nil {
			switch {
			case err == nil:
				breaker.RecordSuccess()
			case IsRetryable(ClassifyError(err)):
				breaker.RecordFailure()
			default:
				// the provider answered; the request itself was bad
				breaker.RecordSuccess()
			}
		}
		if err != nil {
			return zero, ClassifyError(err)
		}
		return out, nil
	})
}
