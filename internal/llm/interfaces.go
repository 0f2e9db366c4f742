// Package llm contains the provider adapters for chat completion, embedding
// and reranking, plus the tolerant parser that turns raw model output into
// validated extractions. Providers are capability interfaces; cascade
// fallback and caching are themselves interface implementations, never
// special-cased in callers.
package llm

import "context"

// ChatProvider is the interface for LLM text completion. All extraction
// prompts use single-string completion style (not multi-turn chat).
type ChatProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingProvider is the interface for generating vector embeddings.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// Reranker reorders candidate documents by semantic relevance to a query.
// Scores are in [0,1], one per document, in input order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// HealthChecker is implemented by providers that can verify reachability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
