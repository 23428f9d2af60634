// Package research runs the slower "deep research" pipeline: query rewrite,
// background job kickoff on the upstream responses API, caller-driven
// polling, citation ranking, and a bounded result cache.
//
// FILES:
//   - client.go:       raw HTTP client for the background responses API
//   - orchestrator.go: pipeline steps and the job state machine
//   - citations.go:    primary-source ranking policy
//   - cache.go:        TTL + capacity bounded result cache
package research

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/sjson"

	"github.com/courseloop/tutor-gateway/internal/upstream"
)

// DefaultBaseURL is the production upstream API base URL.
const DefaultBaseURL = "https://api.openai.com"

// Client is the raw HTTP client for the background responses API. The
// streaming SDK path is unsuitable here: background jobs are created once and
// then polled by id, which is plain request/response.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a research API client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateBackground starts a background research job and returns the raw
// response body (which carries the job id and initial status).
func (c *Client) CreateBackground(ctx context.Context, model, query, systemPrompt string) ([]byte, error) {
	payload := []byte(`{"background":true,"tools":[{"type":"web_search_preview"}]}`)
	payload, _ = sjson.SetBytes(payload, "model", model)
	payload, _ = sjson.SetBytes(payload, "input", query)
	if systemPrompt != "" {
		payload, _ = sjson.SetBytes(payload, "instructions", systemPrompt)
	}
	return c.do(ctx, http.MethodPost, "/v1/responses", payload)
}

// GetResponse fetches the current state of a background job by id.
func (c *Client) GetResponse(ctx context.Context, jobID string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/responses/"+jobID, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tutor-gateway/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, upstream.Classify(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, upstream.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: invalid API key", upstream.ErrUpstream)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected status %d: %s",
			upstream.ErrUpstream, resp.StatusCode, truncate(respBody, 500))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
