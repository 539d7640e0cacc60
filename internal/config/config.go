// Package config loads and persists Mel configuration from .mel/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// UserConfig holds ALL Mel configuration from .mel/config.json.
// This is the single source of truth for configuration.
//
// Supported models by provider:
//   - openai:    gpt-4o (default), gpt-4o-mini
//   - anthropic: claude-sonnet-4-20250514 (default), claude-3-5-sonnet-20241022
//   - google:    gemini-2.5-flash (default), gemini-2.5-pro
//   - local:     any model served by Ollama (default: qwen2.5-coder)
type UserConfig struct {
	// =========================================================================
	// AI PROVIDER CONFIGURATION
	// =========================================================================

	// Provider selection (openai, anthropic, google, local)
	Provider string `json:"provider,omitempty"`

	// API keys for each provider
	OpenAIAPIKey    string `json:"openai_api_key,omitempty"`
	AnthropicAPIKey string `json:"anthropic_api_key,omitempty"`
	GoogleAPIKey    string `json:"google_api_key,omitempty"`

	// Local provider endpoint (Ollama-compatible, no key required)
	LocalEndpoint string `json:"local_endpoint,omitempty"`

	// Optional model override (see supported models above)
	Model string `json:"model,omitempty"`

	// Fallback order when the active provider fails. Defaults to the
	// active provider only (no fallback) when empty.
	FallbackProviders []string `json:"fallback_providers,omitempty"`

	// =========================================================================
	// UI SETTINGS
	// =========================================================================

	// Theme for the suggestion panel ("light" or "dark")
	Theme string `json:"theme,omitempty"`

	// =========================================================================
	// LEARNING & MEMORY
	// =========================================================================

	// Learning engine configuration
	Learning *LearningConfig `json:"learning,omitempty"`

	// Embedding engine configuration for semantic pattern matching
	Embedding *EmbeddingConfig `json:"embedding,omitempty"`

	// =========================================================================
	// ETHICS
	// =========================================================================

	// Ethics checker configuration
	Ethics *EthicsConfig `json:"ethics,omitempty"`

	// =========================================================================
	// LOGGING
	// =========================================================================

	// Logging configuration
	Logging *LoggingConfig `json:"logging,omitempty"`
}

// LearningConfig controls pattern matching and reinforcement.
type LearningConfig struct {
	// MatchThreshold is the minimum blended score for a stored pattern
	// to be offered as a suggestion (0.0-1.0).
	MatchThreshold float64 `json:"match_threshold,omitempty"`

	// DecayFactor is the multiplicative confidence decay applied to
	// stale patterns (0.0-1.0).
	DecayFactor float64 `json:"decay_factor,omitempty"`

	// MaxCandidates bounds how many stored patterns are scored per query.
	MaxCandidates int `json:"max_candidates,omitempty"`
}

// EmbeddingConfig holds embedding engine configuration.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "" (disabled - keyword matching only)
	Provider string `json:"provider,omitempty"`

	// Ollama Configuration
	OllamaEndpoint string `json:"ollama_endpoint,omitempty"` // Default: "http://localhost:11434"
	OllamaModel    string `json:"ollama_model,omitempty"`    // Default: "embeddinggemma"

	// GenAI Configuration
	GenAIModel string `json:"genai_model,omitempty"` // Default: "gemini-embedding-001"
}

// EthicsConfig controls the suggestion/privacy checker.
type EthicsConfig struct {
	// Disabled turns off all checks. Every suggestion is then Approved.
	Disabled bool `json:"disabled,omitempty"`

	// PolicyFile is the path to the YAML rule policy, relative to the
	// workspace root. Default: .mel/ethics.yaml
	PolicyFile string `json:"policy_file,omitempty"`

	// WatchPolicy enables hot-reload of the policy file.
	WatchPolicy bool `json:"watch_policy,omitempty"`
}

// LoggingConfig controls categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode,omitempty"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
	JSONFormat bool            `json:"json_format,omitempty"`
}

// GetLearningConfig returns learning settings with defaults applied.
func (c *UserConfig) GetLearningConfig() LearningConfig {
	if c.Learning != nil {
		cfg := *c.Learning
		if cfg.MatchThreshold == 0 {
			cfg.MatchThreshold = 0.35
		}
		if cfg.DecayFactor == 0 {
			cfg.DecayFactor = 0.9
		}
		if cfg.MaxCandidates == 0 {
			cfg.MaxCandidates = 200
		}
		return cfg
	}
	return LearningConfig{
		MatchThreshold: 0.35,
		DecayFactor:    0.9,
		MaxCandidates:  200,
	}
}

// GetEmbeddingConfig returns the embedding config with defaults.
// An empty Provider means embeddings are disabled and the learning
// engine falls back to keyword matching.
func (c *UserConfig) GetEmbeddingConfig() EmbeddingConfig {
	if c.Embedding != nil {
		cfg := *c.Embedding
		if cfg.OllamaEndpoint == "" {
			cfg.OllamaEndpoint = "http://localhost:11434"
		}
		if cfg.OllamaModel == "" {
			cfg.OllamaModel = "embeddinggemma"
		}
		if cfg.GenAIModel == "" {
			cfg.GenAIModel = "gemini-embedding-001"
		}
		return cfg
	}
	return EmbeddingConfig{
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// GetEthicsConfig returns ethics settings with defaults applied.
func (c *UserConfig) GetEthicsConfig() EthicsConfig {
	if c.Ethics != nil {
		cfg := *c.Ethics
		if cfg.PolicyFile == "" {
			cfg.PolicyFile = filepath.Join(".mel", "ethics.yaml")
		}
		return cfg
	}
	return EthicsConfig{
		PolicyFile: filepath.Join(".mel", "ethics.yaml"),
	}
}

// GetLogging returns logging settings with defaults.
func (c *UserConfig) GetLogging() LoggingConfig {
	if c.Logging != nil {
		cfg := *c.Logging
		if cfg.Level == "" {
			cfg.Level = "info"
		}
		// Note: DebugMode defaults to false (production mode) unless explicitly set
		return cfg
	}
	return LoggingConfig{
		Level:     "info",
		DebugMode: false, // Production mode by default
	}
}

// GetLocalEndpoint returns the local provider endpoint with default.
func (c *UserConfig) GetLocalEndpoint() string {
	if c.LocalEndpoint != "" {
		return c.LocalEndpoint
	}
	return "http://localhost:11434"
}

// DefaultUserConfigPath returns the default path to .mel/config.json.
func DefaultUserConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(".mel", "config.json")
	}
	return filepath.Join(root, ".mel", "config.json")
}

// FindWorkspaceRoot attempts to find the project root by looking for .mel or go.mod.
// If not found, returns the current working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".mel")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// LoadUserConfig loads configuration from .mel/config.json.
func LoadUserConfig(path string) (*UserConfig, error) {
	cfg := &UserConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Return empty config if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read user config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to the given path.
func (c *UserConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write user config: %w", err)
	}

	return nil
}

// GetActiveProvider returns the provider and API key to use.
// Priority: explicit provider setting > first available key > local.
// The local provider needs no key; its second return is the endpoint.
func (c *UserConfig) GetActiveProvider() (provider string, credential string) {
	// If provider is explicitly set, use that provider's key
	if c.Provider != "" {
		switch c.Provider {
		case "openai":
			if c.OpenAIAPIKey != "" {
				return "openai", c.OpenAIAPIKey
			}
		case "anthropic":
			if c.AnthropicAPIKey != "" {
				return "anthropic", c.AnthropicAPIKey
			}
		case "google":
			if c.GoogleAPIKey != "" {
				return "google", c.GoogleAPIKey
			}
		case "local":
			return "local", c.GetLocalEndpoint()
		}
	}

	// Check for provider-specific keys in priority order
	if c.OpenAIAPIKey != "" {
		return "openai", c.OpenAIAPIKey
	}
	if c.AnthropicAPIKey != "" {
		return "anthropic", c.AnthropicAPIKey
	}
	if c.GoogleAPIKey != "" {
		return "google", c.GoogleAPIKey
	}

	return "", ""
}

// DefaultUserConfig returns a UserConfig with sensible defaults.
func DefaultUserConfig() *UserConfig {
	return &UserConfig{
		Provider: "local",
		Theme:    "light",
	}
}

// GlobalConfig is a convenience function to load config from the default path.
// Returns an empty config (with defaults available via Get* methods) if file doesn't exist.
func GlobalConfig() (*UserConfig, error) {
	return LoadUserConfig(DefaultUserConfigPath())
}
