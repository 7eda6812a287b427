// Package chat proxies the gateway's chat assistant to an upstream
// LLM provider, grounded on the source project's internal/ai client
// shape (build request struct, POST, decode JSON) but trimmed to the
// one call this gateway needs: answering a question about market data
// already in view, with no trading-decision logic attached.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"marketfeed-gateway/config"
)

const defaultTimeout = 20 * time.Second

// Client calls a single LLM provider's chat-completion endpoint.
type Client struct {
	httpClient *http.Client
	apiKey     string
	model      string
	endpoint   string
}

// NewClient builds a Client for the configured provider: "claude",
// "openai" or "deepseek" select that provider's endpoint and API key.
// Complete always sends an Anthropic-style messages request with
// Anthropic headers, so only "claude" is fully wired; the other two
// receive that same request shape. Any other provider name leaves the
// endpoint empty, and Complete then returns an error.
func NewClient(cfg config.AIConfig) *Client {
	endpoint := ""
	apiKey := ""
	switch cfg.LLMProvider {
	case "claude":
		endpoint = "https://api.anthropic.com/v1/messages"
		apiKey = cfg.ClaudeAPIKey
	case "openai":
		endpoint = "https://api.openai.com/v1/chat/completions"
		apiKey = cfg.OpenAIAPIKey
	case "deepseek":
		endpoint = "https://api.deepseek.com/v1/chat/completions"
		apiKey = cfg.DeepSeekAPIKey
	}

	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		model:      cfg.LLMModel,
		endpoint:   endpoint,
	}
}

type completionRequest struct {
	Model     string              `json:"model"`
	MaxTokens int                 `json:"max_tokens"`
	Messages  []completionMessage `json:"messages"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends prompt to the configured provider and returns its
// reply text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.endpoint == "" || c.apiKey == "" {
		return "", fmt.Errorf("chat: no LLM provider configured")
	}

	body, err := json.Marshal(completionRequest{
		Model:     c.model,
		MaxTokens: 1024,
		Messages:  []completionMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("chat: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: provider returned status %d", resp.StatusCode)
	}

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	if len(decoded.Content) == 0 {
		return "", fmt.Errorf("chat: empty response from provider")
	}
	return decoded.Content[0].Text, nil
}
