package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Request is the generic call contract to an external AI/SEO service.
type Request struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response carries the service reply. Job-based operations return a JobRef on
// submission and Done=true with Data once the job finishes.
type Response struct {
	Data   map[string]any `json:"data,omitempty"`
	JobRef string         `json:"job_ref,omitempty"`
	Done   bool           `json:"done"`
}

// Client is the boundary to an external computation service. Implementations
// are independent collaborators; processors only see this contract.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient is a minimal JSON-over-HTTP Client.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient for the given service endpoint.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Do posts the request to the service and decodes the reply.
func (c *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("service call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("service returned status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
