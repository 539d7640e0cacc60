package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mel/internal/logging"
)

// LocalClient implements LLMClient against an Ollama-compatible endpoint.
// No API key is required; availability is checked by reachability.
type LocalClient struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// LocalConfig holds configuration for the local client.
type LocalConfig struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// DefaultLocalConfig returns sensible defaults for a local Ollama server.
func DefaultLocalConfig(endpoint string) LocalConfig {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return LocalConfig{
		Endpoint: endpoint,
		Model:    "qwen2.5-coder",
		Timeout:  300 * time.Second, // local models can be slow
	}
}

// NewLocalClient creates a new local client.
func NewLocalClient(endpoint string) *LocalClient {
	config := DefaultLocalConfig(endpoint)
	return NewLocalClientWithConfig(config)
}

// NewLocalClientWithConfig creates a new local client with custom config.
func NewLocalClientWithConfig(config LocalConfig) *LocalClient {
	return &LocalClient{
		endpoint: strings.TrimSuffix(config.Endpoint, "/"),
		model:    config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// localChatRequest is the Ollama /api/chat request body.
type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Stream   bool               `json:"stream"`
	Options  localChatOptions   `json:"options,omitempty"`
}

type localChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

// localChatResponse is the Ollama /api/chat response body (non-streaming).
type localChatResponse struct {
	Model   string           `json:"model"`
	Message localChatMessage `json:"message"`
	Done    bool             `json:"done"`
	Error   string           `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion.
func (c *LocalClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *LocalClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	startTime := time.Now()
	logging.ProviderDebug("[Local] CompleteWithSystem: endpoint=%s model=%s user_len=%d", c.endpoint, c.model, len(userPrompt))

	messages := make([]localChatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, localChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, localChatMessage{Role: "user", Content: userPrompt})

	reqBody := localChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
		Options:  localChatOptions{Temperature: 0.2},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("local endpoint unreachable at %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("local API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp localChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if chatResp.Error != "" {
		return "", fmt.Errorf("local API error: %s", chatResp.Error)
	}

	response := strings.TrimSpace(chatResp.Message.Content)
	if response == "" {
		return "", fmt.Errorf("no completion returned")
	}

	logging.Provider("[Local] CompleteWithSystem: completed in %v response_len=%d", time.Since(startTime), len(response))
	return response, nil
}

// Ping checks whether the local endpoint is reachable.
func (c *LocalClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("local endpoint unreachable at %s: %w", c.endpoint, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// SetModel changes the model used for completions.
func (c *LocalClient) SetModel(model string) {
	c.model = model
}

// GetModel returns the current model.
func (c *LocalClient) GetModel() string {
	return c.model
}
