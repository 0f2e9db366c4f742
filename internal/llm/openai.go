package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient wraps the go-openai SDK for both chat completion and
// embeddings. It works against any OpenAI-compatible endpoint when a base
// URL override is configured.
type OpenAIClient struct {
	client         *openai.Client
	circuitBreaker *CircuitBreaker
	model          string
	embeddingModel string
	timeout        time.Duration
}

// OpenAIConfig holds OpenAI client configuration.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint for OpenAI-compatible providers.
	BaseURL string

	// Model is used for completions (default: gpt-4o-mini).
	Model string

	// EmbeddingModel is used for embeddings (default: text-embedding-3-small).
	EmbeddingModel string

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration
}

// NewOpenAIClient creates an OpenAI client, applying defaults for any
// unset configuration values.
func NewOpenAIClient(config OpenAIConfig) *OpenAIClient {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = "text-embedding-3-small"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		circuitBreaker: NewCircuitBreaker("openai"),
		model:          config.Model,
		embeddingModel: config.EmbeddingModel,
		timeout:        config.Timeout,
	}
}

// Complete sends a single-turn chat completion and returns the text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return "", fmt.Errorf("openai circuit breaker open: %w", err)
		}
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed generates an embedding vector for the given text.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.circuitBreaker.Execute(ctx, func() (interface{}, error) {
		return c.embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("openai circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]float32), nil
}

func (c *OpenAIClient) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai returned empty embedding vector")
	}
	return resp.Data[0].Embedding, nil
}

// HealthCheck verifies the API is reachable by listing models.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// GetModel returns the configured completion model name.
func (c *OpenAIClient) GetModel() string {
	return c.model
}

var _ ChatProvider = (*OpenAIClient)(nil)
var _ EmbeddingProvider = (*OpenAIClient)(nil)
var _ HealthChecker = (*OpenAIClient)(nil)
