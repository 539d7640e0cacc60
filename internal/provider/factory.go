package provider

import (
	"fmt"
	"os"

	"mel/internal/config"
	"mel/internal/logging"
)

// DetectProvider determines which provider to use.
// Priority: .mel/config.json, then environment keys, then local.
func DetectProvider(cfg *config.UserConfig) (Provider, string) {
	if cfg != nil {
		if p, cred := cfg.GetActiveProvider(); p != "" {
			logging.ProviderDebug("[Factory] provider from config: %s", p)
			return Provider(p), cred
		}
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		logging.ProviderDebug("[Factory] provider from env: openai")
		return ProviderOpenAI, key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		logging.ProviderDebug("[Factory] provider from env: anthropic")
		return ProviderAnthropic, key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		logging.ProviderDebug("[Factory] provider from env: google")
		return ProviderGoogle, key
	}

	// Last resort: local endpoint, no key required
	endpoint := "http://localhost:11434"
	if cfg != nil {
		endpoint = cfg.GetLocalEndpoint()
	}
	logging.ProviderDebug("[Factory] no keys found, falling back to local: %s", endpoint)
	return ProviderLocal, endpoint
}

// NewClient creates an LLMClient for the given provider and credential.
// For the local provider the credential is the endpoint URL.
func NewClient(p Provider, credential string) (LLMClient, error) {
	switch p {
	case ProviderOpenAI:
		if credential == "" {
			return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
		}
		return NewOpenAIClient(credential), nil
	case ProviderAnthropic:
		if credential == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrNoAPIKey)
		}
		return NewAnthropicClient(credential), nil
	case ProviderGoogle:
		if credential == "" {
			return nil, fmt.Errorf("google: %w", ErrNoAPIKey)
		}
		return NewGoogleClient(credential), nil
	case ProviderLocal:
		return NewLocalClient(credential), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", p)
	}
}

// NewClientFromConfig detects the provider from config and environment,
// builds a client, and applies any model override from the config.
func NewClientFromConfig(cfg *config.UserConfig) (LLMClient, Provider, error) {
	p, credential := DetectProvider(cfg)

	client, err := NewClient(p, credential)
	if err != nil {
		return nil, p, err
	}

	if cfg != nil && cfg.Model != "" {
		if setter, ok := client.(interface{ SetModel(string) }); ok {
			setter.SetModel(cfg.Model)
			logging.ProviderDebug("[Factory] model override: %s", cfg.Model)
		}
	}

	return client, p, nil
}

// credentialFor extracts the credential for a specific provider from config.
func credentialFor(cfg *config.UserConfig, p Provider) string {
	if cfg == nil {
		if p == ProviderLocal {
			return "http://localhost:11434"
		}
		return ""
	}
	switch p {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey != "" {
			return cfg.OpenAIAPIKey
		}
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey != "" {
			return cfg.AnthropicAPIKey
		}
		return os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGoogle:
		if cfg.GoogleAPIKey != "" {
			return cfg.GoogleAPIKey
		}
		return os.Getenv("GEMINI_API_KEY")
	case ProviderLocal:
		return cfg.GetLocalEndpoint()
	}
	return ""
}
