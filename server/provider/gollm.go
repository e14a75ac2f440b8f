package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/teilomillet/formulate/config"
	"github.com/teilomillet/gollm"
)

// LLMFactory builds a gollm client bound to one temperature.
type LLMFactory func(temperature float64) (gollm.LLM, error)

// GollmBackend serves any provider gollm supports. gollm binds sampling
// options to the client, so one client is kept per temperature and never
// mutated after creation.
type GollmBackend struct {
	name    string
	factory LLMFactory

	mu      sync.Mutex
	clients map[float64]gollm.LLM
}

// NewGollmBackend creates a backend and eagerly builds clients for the
// given temperatures so misconfiguration fails at startup.
func NewGollmBackend(name string, factory LLMFactory, temperatures ...float64) (*GollmBackend, error) {
	b := &GollmBackend{
		name:    name,
		factory: factory,
		clients: make(map[float64]gollm.LLM),
	}
	for _, t := range temperatures {
		if _, err := b.client(t); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// GollmFactory returns the production LLMFactory for a provider config.
func GollmFactory(cfg config.ProviderConfig) LLMFactory {
	return func(temperature float64) (gollm.LLM, error) {
		llm, err := gollm.NewLLM(
			gollm.SetProvider(cfg.Type),
			gollm.SetModel(cfg.Model),
			gollm.SetAPIKey(cfg.APIKey),
		)
		if err != nil {
			return nil, fmt.Errorf("create %s client: %w", cfg.Type, err)
		}
		if cfg.Endpoint != "" {
			llm.SetEndpoint(cfg.Endpoint)
		}
		llm.SetOption("temperature", temperature)
		return llm, nil
	}
}

func (b *GollmBackend) client(temperature float64) (gollm.LLM, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if llm, ok := b.clients[temperature]; ok {
		return llm, nil
	}
	llm, err := b.factory(temperature)
	if err != nil {
		return nil, err
	}
	b.clients[temperature] = llm
	return llm, nil
}

// Name implements Backend
func (b *GollmBackend) Name() string { return b.name }

// Complete implements Backend
func (b *GollmBackend) Complete(ctx context.Context, messages []Message, temperature float64) (string, error) {
	llm, err := b.client(temperature)
	if err != nil {
		return "", err
	}

	prompt := &gollm.Prompt{Messages: make([]gollm.PromptMessage, 0, len(messages))}
	for _, m := range messages {
		prompt.Messages = append(prompt.Messages, gollm.PromptMessage{Role: m.Role, Content: m.Content})
	}

	return llm.Generate(ctx, prompt)
}

// Stream implements Backend by emitting the complete reply once.
func (b *GollmBackend) Stream(ctx context.Context, messages []Message, temperature float64, emit func(string) error) error {
	reply, err := b.Complete(ctx, messages, temperature)
	if err != nil {
		return err
	}
	return emit(reply)
}
