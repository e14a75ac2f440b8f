package provider

import "errors"

var (
	// ErrNoHealthyProvider indicates that every configured provider is
	// unhealthy or behind an open circuit.
	ErrNoHealthyProvider = errors.New("no healthy provider available")

	// ErrNoProviders indicates an empty provider preference list.
	ErrNoProviders = errors.New("no providers configured")
)
