// Package provider routes AI queries to the configured provider backend.
// Each backend implements LLMClient over its native HTTP API.
package provider

import (
	"context"
	"errors"
)

// Provider identifies an AI backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderLocal     Provider = "local"
)

// ErrNoAPIKey is returned when a provider requires credentials that
// are not configured.
var ErrNoAPIKey = errors.New("API key not configured")

// LLMClient defines the interface for LLM providers.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderLocal:
		return true
	}
	return false
}

// RequiresKey reports whether the provider needs an API key.
// The local backend authenticates by reachability only.
func (p Provider) RequiresKey() bool {
	return p != ProviderLocal
}
