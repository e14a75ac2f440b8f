package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/teilomillet/formulate/config"
)

// OpenAIBackend talks to any OpenAI-compatible chat API and supports token
// streaming.
type OpenAIBackend struct {
	name   string
	model  string
	client *openai.Client
}

// NewOpenAIBackend creates a backend for an OpenAI-compatible endpoint.
func NewOpenAIBackend(name string, cfg config.ProviderConfig, timeout time.Duration) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIBackend{
		name:   name,
		model:  cfg.Model,
		client: openai.NewClientWithConfig(clientConfig),
	}
}

// Name implements Backend
func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) request(messages []Message, temperature float64, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	// The request omits a zero temperature, which the API reads as its default.
	t := float32(temperature)
	if t == 0 {
		t = math.SmallestNonzeroFloat32
	}

	return openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    msgs,
		Temperature: t,
		Stream:      stream,
	}
}

// Complete implements Backend
func (b *OpenAIBackend) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.request(messages, temperature, false))
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no chat completion found")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Backend
func (b *OpenAIBackend) Stream(ctx context.Context, messages []Message, temperature float64, emit func(string) error) error {
	stream, err := b.client.CreateChatCompletionStream(ctx, b.request(messages, temperature, true))
	if err != nil {
		return fmt.Errorf("failed to create chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream receive: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := emit(resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}
