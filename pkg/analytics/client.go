// Package analytics sends product analytics events to a PostHog-compatible
// ingestion endpoint, validating payloads against the event schema
// registry before dispatch.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Client is a minimal PostHog-compatible HTTP client
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	maxRetries int

	mu    sync.Mutex
	super map[string]map[string]any // per-user registered properties
}

// ClientConfig configures the analytics client
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates an analytics client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		super:      make(map[string]map[string]any),
	}
}

type captureRequest struct {
	APIKey     string         `json:"api_key"`
	Event      string         `json:"event"`
	DistinctID string         `json:"distinct_id"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Capture sends one event for a user. Registered user properties are
// merged under the event's own properties.
func (c *Client) Capture(ctx context.Context, distinctID, event string, properties map[string]any) error {
	merged := make(map[string]any)
	c.mu.Lock()
	for k, v := range c.super[distinctID] {
		merged[k] = v
	}
	c.mu.Unlock()
	for k, v := range properties {
		merged[k] = v
	}

	return c.post(ctx, "/capture/", captureRequest{
		APIKey:     c.apiKey,
		Event:      event,
		DistinctID: distinctID,
		Properties: merged,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// Identify associates person properties with a user
func (c *Client) Identify(ctx context.Context, distinctID string, properties map[string]any) error {
	return c.post(ctx, "/capture/", captureRequest{
		APIKey:     c.apiKey,
		Event:      "$identify",
		DistinctID: distinctID,
		Properties: map[string]any{"$set": properties},
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// Set registers properties attached to every subsequent Capture for the
// user
func (c *Client) Set(distinctID string, properties map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.super[distinctID]
	if !ok {
		existing = make(map[string]any)
		c.super[distinctID] = existing
	}
	for k, v := range properties {
		existing[k] = v
	}
}

// Reset drops the registered properties for a user, used on logout
func (c *Client) Reset(distinctID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.super, distinctID)
}

// post sends a JSON payload with bounded retries on server errors
func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("analytics endpoint returned %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			// Client errors won't succeed on retry
			return lastErr
		}
	}
	return fmt.Errorf("analytics dispatch failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
