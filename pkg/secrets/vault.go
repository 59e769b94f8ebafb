package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// VaultClient reads secrets from a HashiCorp Vault KV v2 mount over its
// HTTP API. Only the read path is used; writes stay in the engine's own
// store.
type VaultClient struct {
	baseURL string
	token   string
	mount   string
	http    *http.Client
}

// NewVaultClient creates a KV reader for the given mount.
func NewVaultClient(baseURL, token, mount string, timeout time.Duration) *VaultClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if mount == "" {
		mount = "secret"
	}
	return &VaultClient{
		baseURL: baseURL,
		token:   token,
		mount:   mount,
		http:    &http.Client{Timeout: timeout},
	}
}

type vaultReadResponse struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// Read fetches all key/value pairs at a KV path. Transient failures are
// retried with exponential backoff; a 404 is a permanent miss.
func (c *VaultClient) Read(ctx context.Context, path string) (map[string]string, error) {
	u := fmt.Sprintf("%s/v1/%s/data/%s", c.baseURL, url.PathEscape(c.mount), path)

	var out map[string]string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Vault-Token", c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrMissingSecret)
		case resp.StatusCode >= 500:
			return fmt.Errorf("vault returned %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("vault returned %d", resp.StatusCode))
		}

		var body vaultReadResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode vault response: %w", err))
		}
		out = body.Data.Data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}
