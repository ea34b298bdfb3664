// Package admin holds the one built-in business module: confirmable updates
// against an external account-management API.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/finchbot/finch/internal/pending"
)

// OpUpdateUser is the operation type handled by this module.
const OpUpdateUser = "update_user"

var defaultRequestTimeout = 10 * time.Second

// Client calls the external account-management API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for the account API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateUser applies field changes to one account.
func (c *Client) UpdateUser(ctx context.Context, target string, fields map[string]any) error {
	if c.baseURL == "" {
		return errors.New("admin api base url not configured")
	}
	if target == "" {
		return errors.New("update target is required")
	}
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal update fields: %w", err)
	}

	endpoint := fmt.Sprintf("%s/users/%s", c.baseURL, url.PathEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("update request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("account api returned status %d", resp.StatusCode)
	}
	return nil
}

// Register binds this module's executors into the engine's registry. Called
// once at startup.
func Register(reg *pending.ExecutorRegistry, client *Client) {
	reg.Register(OpUpdateUser, func(ctx context.Context, op *pending.Operation) error {
		target, _ := op.Payload["target"].(string)
		fields := make(map[string]any, len(op.Payload))
		for k, v := range op.Payload {
			if k == "target" {
				continue
			}
			fields[k] = v
		}
		return client.UpdateUser(ctx, target, fields)
	})
}
