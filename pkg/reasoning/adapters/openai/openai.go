package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/reasoning"
	"github.com/sashabaranov/go-openai"
)

var (
	// ErrEmptyAPIKey is returned when the API key is missing.
	ErrEmptyAPIKey = errors.New("API key cannot be empty")
	// ErrNoChoices is returned when a chat completion has no choices.
	ErrNoChoices = errors.New("no response choices returned")
)

// Config holds the configuration for the OpenAI adapter.
type Config struct {
	APIKey string
	// EmbeddingModel defaults to text-embedding-3-small.
	EmbeddingModel string
	// Dimensions truncates embeddings on models that support it; 0 keeps the model default.
	Dimensions int
	ChatModel  string
	// BaseURL points at a compatible endpoint or a test server.
	BaseURL string
}

// OpenAIAdapter implements the reasoning.Engine interface using the OpenAI API.
type OpenAIAdapter struct {
	client         *openai.Client
	embeddingModel string
	dimensions     int
	chatModel      string
}

var _ reasoning.Engine = (*OpenAIAdapter)(nil)

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(config Config) (*OpenAIAdapter, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}
	if config.EmbeddingModel == "" {
		config.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if config.ChatModel == "" {
		config.ChatModel = openai.GPT4oMini
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	log.Info("Initialized OpenAI reasoning engine",
		"embedding_model", config.EmbeddingModel,
		"chat_model", config.ChatModel)

	return &OpenAIAdapter{
		client:         openai.NewClientWithConfig(clientConfig),
		embeddingModel: config.EmbeddingModel,
		dimensions:     config.Dimensions,
		chatModel:      config.ChatModel,
	}, nil
}

// GenerateEmbeddings embeds texts in one request. Results are placed by the
// index the API reports, not by response order.
func (a *OpenAIAdapter) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	log.Debug("Generating embeddings", "count", len(texts), "model", a.embeddingModel)

	response, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(a.embeddingModel),
		Dimensions: a.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(response.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range response.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", data.Index)
		}
		embeddings[data.Index] = data.Embedding
	}

	log.Debug("Generated embeddings",
		"count", len(embeddings),
		"dimensions", len(embeddings[0]),
		"model", a.embeddingModel)
	return embeddings, nil
}

// Process runs a single-turn chat completion.
func (a *OpenAIAdapter) Process(ctx context.Context, prompt string, opts ...reasoning.Option) (string, error) {
	req := reasoning.NewRequest(opts...)
	model := a.chatModel

	log.Debug("Processing chat request", "model", model, "prompt_length", len(prompt), "has_system", req.System != "")

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	response, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate chat completion: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", ErrNoChoices
	}

	log.Debug("Generated chat completion", "tokens", response.Usage.TotalTokens, "model", model)
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}
