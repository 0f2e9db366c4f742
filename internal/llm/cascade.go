package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrNoProvider is returned when every member of a provider cascade failed.
var ErrNoProvider = errors.New("no provider available")

// CascadeChat tries each chat provider in order until one succeeds. The
// last member is typically a local model so extraction keeps working when
// the hosted provider is down.
type CascadeChat struct {
	providers []ChatProvider
}

// NewCascadeChat builds a cascade over the given providers, skipping nils.
func NewCascadeChat(providers ...ChatProvider) *CascadeChat {
	out := make([]ChatProvider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &CascadeChat{providers: out}
}

// Complete returns the first successful completion. If every provider
// fails, the joined error wraps ErrNoProvider.
func (c *CascadeChat) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for i, p := range c.providers {
		text, err := p.Complete(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if i < len(c.providers)-1 {
			log.Printf("llm: provider %s failed, falling back: %v", p.GetModel(), err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	if lastErr == nil {
		return "", ErrNoProvider
	}
	return "", fmt.Errorf("%w: %v", ErrNoProvider, lastErr)
}

// GetModel returns the primary provider's model name.
func (c *CascadeChat) GetModel() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].GetModel()
}

// CascadeEmbedder tries each embedding provider in order. Unlike the chat
// cascade it never errors: when every member fails it returns a nil vector,
// which recall paths treat as "degrade to text-only".
type CascadeEmbedder struct {
	providers []EmbeddingProvider
}

// NewCascadeEmbedder builds a cascade over the given providers, skipping nils.
func NewCascadeEmbedder(providers ...EmbeddingProvider) *CascadeEmbedder {
	out := make([]EmbeddingProvider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			out = append(out, p)
		}
	}
	return &CascadeEmbedder{providers: out}
}

// Embed returns the first successful embedding, or (nil, nil) when the
// whole cascade is down.
func (c *CascadeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	for i, p := range c.providers {
		vec, err := p.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			return vec, nil
		}
		if err != nil && i < len(c.providers)-1 {
			log.Printf("llm: embedder %s failed, falling back: %v", p.GetModel(), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	log.Printf("llm: all embedding providers failed, degrading to text-only")
	return nil, nil
}

// GetModel returns the primary provider's model name.
func (c *CascadeEmbedder) GetModel() string {
	if len(c.providers) == 0 {
		return "none"
	}
	return c.providers[0].GetModel()
}

var _ ChatProvider = (*CascadeChat)(nil)
var _ EmbeddingProvider = (*CascadeEmbedder)(nil)
