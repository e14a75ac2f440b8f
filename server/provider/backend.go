// Package provider implements the model gateway: named backends behind
// per-provider circuit breakers, with ordered failover, request
// deduplication and health monitoring.
package provider

import (
	"context"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Backend is a single model client.
type Backend interface {
	// Name identifies the backend in logs and metrics
	Name() string

	// Complete returns the full reply for messages at the given temperature.
	Complete(ctx context.Context, messages []Message, temperature float64) (string, error)

	// Stream calls emit for each reply fragment in order. Backends without
	// token streaming emit the whole reply once.
	Stream(ctx context.Context, messages []Message, temperature float64, emit func(string) error) error
}

// Completer is the capability the rest of the service consumes. Manager
// implements it; tests substitute scripted fakes.
type Completer interface {
	Complete(ctx context.Context, messages []Message, temperature float64) (string, error)
	Stream(ctx context.Context, messages []Message, temperature float64, emit func(string) error) error
}
