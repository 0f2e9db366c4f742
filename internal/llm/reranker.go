package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ChatReranker scores candidate documents with a chat completion call.
// It is the default Reranker when reranking is enabled without a dedicated
// reranking endpoint.
type ChatReranker struct {
	chat    ChatProvider
	timeout time.Duration
}

// NewChatReranker wraps chat as a Reranker. Timeout defaults to 10s.
func NewChatReranker(chat ChatProvider, timeout time.Duration) *ChatReranker {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ChatReranker{chat: chat, timeout: timeout}
}

// Rerank asks the model for one relevance score per document. A response
// with the wrong arity is an error; callers skip reranking on error.
func (r *ChatReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.chat.Complete(ctx, RerankPrompt(query, documents))
	if err != nil {
		return nil, fmt.Errorf("rerank completion failed: %w", err)
	}

	arr := extractJSONArray(raw)
	if arr == "" {
		return nil, fmt.Errorf("rerank response contains no JSON array")
	}
	var scores []float64
	if err := json.Unmarshal([]byte(arr), &scores); err != nil {
		return nil, fmt.Errorf("rerank response malformed: %w", err)
	}
	if len(scores) != len(documents) {
		return nil, fmt.Errorf("rerank returned %d scores for %d documents", len(scores), len(documents))
	}
	for i, s := range scores {
		if s < 0 {
			scores[i] = 0
		} else if s > 1 {
			scores[i] = 1
		}
	}
	return scores, nil
}

var _ Reranker = (*ChatReranker)(nil)
