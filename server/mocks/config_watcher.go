package mocks

import (
	"sync"
	"sync/atomic"

	"github.com/teilomillet/formulate/config"
)

var _ config.Watcher = (*MockConfigWatcher)(nil)

// MockConfigWatcher is a config.Watcher whose updates are driven by tests.
type MockConfigWatcher struct {
	current atomic.Pointer[config.Config]

	mu          sync.Mutex
	subscribers []chan *config.Config
}

// NewMockConfigWatcher creates a watcher holding cfg
func NewMockConfigWatcher(cfg *config.Config) *MockConfigWatcher {
	m := &MockConfigWatcher{}
	m.current.Store(cfg)
	return m
}

// GetCurrentConfig implements config.Watcher
func (m *MockConfigWatcher) GetCurrentConfig() *config.Config {
	return m.current.Load()
}

// Subscribe implements config.Watcher
func (m *MockConfigWatcher) Subscribe() <-chan *config.Config {
	ch := make(chan *config.Config, 1)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Close implements config.Watcher
func (m *MockConfigWatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	return nil
}

// UpdateConfig publishes cfg to subscribers as a reload would.
func (m *MockConfigWatcher) UpdateConfig(cfg *config.Config) {
	m.current.Store(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- cfg:
		default:
		}
	}
}
