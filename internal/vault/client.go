// Package vault adapts HashiCorp Vault's KV v2 engine into a small
// secret store for the gateway's own credentials; internal/gateway
// reads the chat assistant's LLM API key from the "ai" path. Unlike the source
// project's per-user API-key vault, this gateway has no per-user
// secrets to manage, so the surface is trimmed to a single path-keyed
// GetSecret/PutSecret pair.
package vault

import (
	"context"
	"fmt"
	"sync"

	"marketfeed-gateway/config"

	"github.com/hashicorp/vault/api"
)

// Client wraps the HashiCorp Vault client with a small read-through
// cache, grounded on the source project's internal/vault client.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]map[string]string
}

// NewClient creates a new Vault client. When Vault is disabled the
// returned Client serves exclusively from its in-memory cache, which
// callers populate via PutSecret — useful for local development.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{config: cfg, cache: make(map[string]map[string]string)}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// GetSecret reads a KV v2 secret at path, checking the local cache first.
func (c *Client) GetSecret(ctx context.Context, path string) (map[string]string, error) {
	c.mu.RLock()
	if cached, ok := c.cache[path]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("secret %q not found and vault is disabled", path)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %q not found", path)
	}

	raw, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret format at %q", path)
	}

	data := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}

	c.mu.Lock()
	c.cache[path] = data
	c.mu.Unlock()
	return data, nil
}

// PutSecret writes data to path and refreshes the cache. With Vault
// disabled this only populates the cache, matching GetSecret's
// development fallback.
func (c *Client) PutSecret(ctx context.Context, path string, data map[string]string) error {
	c.mu.Lock()
	c.cache[path] = data
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	payload := make(map[string]interface{}, len(data))
	for k, v := range data {
		payload[k] = v
	}
	_, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(path), map[string]interface{}{"data": payload})
	if err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) dataPath(path string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, path)
}
