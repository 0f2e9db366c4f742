package llm

import (
	"log"
	"time"

	"github.com/cortexmem/cortex/internal/config"
)

// Providers bundles the constructed provider chain.
type Providers struct {
	Chat     ChatProvider
	Embedder EmbeddingProvider
	Reranker Reranker // nil when reranking is disabled
}

// Build constructs the provider chain from config: the configured primary
// with the other vendor as fallback, and the embedder wrapped in an LRU
// cache. Called again on hot reload; the result replaces the old chain
// atomically in the caller.
func Build(cfg config.ProviderConfig) (*Providers, error) {
	ollama := NewOllamaClient(OllamaConfig{
		BaseURL:        cfg.OllamaURL,
		Model:          cfg.OllamaModel,
		EmbeddingModel: cfg.OllamaEmbeddingModel,
		Timeout:        30 * time.Second,
	})

	var openaiClient *OpenAIClient
	if cfg.OpenAIAPIKey != "" {
		openaiClient = NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Model:          cfg.OpenAIModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        30 * time.Second,
		})
	}

	var chat ChatProvider
	switch {
	case cfg.ChatProvider == "openai" && openaiClient != nil:
		chat = NewCascadeChat(openaiClient, ollama)
	case cfg.ChatProvider == "openai":
		log.Printf("llm: openai selected but no API key configured, using ollama")
		chat = NewCascadeChat(ollama)
	case openaiClient != nil:
		chat = NewCascadeChat(ollama, openaiClient)
	default:
		chat = NewCascadeChat(ollama)
	}

	embeddingProvider := cfg.EmbeddingProvider
	if embeddingProvider == "" {
		embeddingProvider = cfg.ChatProvider
	}
	var embedder EmbeddingProvider
	switch {
	case embeddingProvider == "openai" && openaiClient != nil:
		embedder = NewCascadeEmbedder(openaiClient, ollama)
	case openaiClient != nil:
		embedder = NewCascadeEmbedder(ollama, openaiClient)
	default:
		embedder = NewCascadeEmbedder(ollama)
	}

	cached, err := NewCachedEmbedder(embedder, cfg.EmbeddingCacheSize)
	if err != nil {
		return nil, err
	}

	p := &Providers{Chat: chat, Embedder: cached}
	if cfg.RerankerEnabled {
		p.Reranker = NewChatReranker(chat, 10*time.Second)
	}
	return p, nil
}
