// Package ai wraps an OpenAI-compatible completions endpoint behind a
// small interface so the rest of the pipeline can be tested without
// network access.
package ai

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"
)

// Completions is the one capability the pipeline needs from an
// inference service.
type Completions interface {
	Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (openai.ChatCompletionMessage, error)
}

var _ Completions = (*Service)(nil)

// Service talks to an OpenAI-compatible API.
type Service struct {
	client *openai.Client
	logger *log.Logger
}

// NewOpenAIService builds a Service for the given endpoint.
func NewOpenAIService(logger *log.Logger, apiKey, baseURL string) *Service {
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &Service{
		client: &client,
		logger: logger,
	}
}

// Completions issues a single chat completion and returns the first
// choice.
func (s *Service) Completions(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, model string) (openai.ChatCompletionMessage, error) {
	completion, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    model,
	})
	if err != nil {
		return openai.ChatCompletionMessage{}, errors.Wrap(err, "chat completion failed")
	}
	if len(completion.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("completion returned no choices")
	}
	return completion.Choices[0].Message, nil
}
