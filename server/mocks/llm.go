// Package mocks provides test doubles for the model gateway, gollm clients
// and the config watcher.
package mocks

import (
	"context"
	"sync"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
	"github.com/teilomillet/gollm/utils"
)

// MockLLM implements gollm.LLM without network calls. Options set through
// SetOption are recorded so tests can check per-temperature clients.
//
//	mockLLM := NewMockLLM(func(ctx context.Context, prompt *gollm.Prompt) (string, error) {
//	    return "mocked response", nil
//	})
type MockLLM struct {
	GenerateFunc func(context.Context, *gollm.Prompt) (string, error)
	Provider     string
	Model        string

	mu      sync.Mutex
	options map[string]interface{}
}

// NewMockLLM creates a MockLLM. A nil generateFunc yields empty replies.
func NewMockLLM(generateFunc func(context.Context, *gollm.Prompt) (string, error)) *MockLLM {
	return &MockLLM{
		GenerateFunc: generateFunc,
		Provider:     "mock",
		Model:        "mock-model",
		options:      make(map[string]interface{}),
	}
}

// Generate calls GenerateFunc
func (m *MockLLM) Generate(ctx context.Context, prompt *gollm.Prompt, opts ...llm.GenerateOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", nil
}

// Option returns a value recorded by SetOption
func (m *MockLLM) Option(key string) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options[key]
}

func (m *MockLLM) Debug(format string, args ...interface{}) {}

func (m *MockLLM) GetPromptJSONSchema(opts ...gollm.SchemaOption) ([]byte, error) {
	return []byte(`{}`), nil
}

func (m *MockLLM) GetProvider() string { return m.Provider }

func (m *MockLLM) GetModel() string { return m.Model }

func (m *MockLLM) GetLogLevel() gollm.LogLevel { return gollm.LogLevelInfo }

func (m *MockLLM) UpdateLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) SetLogLevel(level gollm.LogLevel) {}

func (m *MockLLM) GetLogger() utils.Logger { return nil }

func (m *MockLLM) NewPrompt(text string) *gollm.Prompt {
	return &gollm.Prompt{
		Messages: []gollm.PromptMessage{{Role: "user", Content: text}},
	}
}

func (m *MockLLM) SetEndpoint(endpoint string) {}

// SetOption records the option
func (m *MockLLM) SetOption(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.options == nil {
		m.options = make(map[string]interface{})
	}
	m.options[key] = value
}

func (m *MockLLM) SupportsJSONSchema() bool { return true }

func (m *MockLLM) GenerateWithSchema(ctx context.Context, prompt *gollm.Prompt, schema interface{}, opts ...llm.GenerateOption) (string, error) {
	return m.Generate(ctx, prompt)
}

func (m *MockLLM) SetOllamaEndpoint(endpoint string) error { return nil }

func (m *MockLLM) SetSystemPrompt(prompt string, cacheType llm.CacheType) {}
