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

	"github.com/tidwall/gjson"
)

// HTTPAdapter talks to an external provider bridge over its /invoke endpoint.
// When RequireKey is set and no key is configured the adapter fails closed
// instead of issuing an unauthenticated call.
type HTTPAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	requireKey bool
	client     *http.Client
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(a *HTTPAdapter) { a.client = c }
}

// WithAPIKey sets the bearer key. The adapter refuses to invoke without one.
func WithAPIKey(key string) HTTPOption {
	return func(a *HTTPAdapter) {
		a.apiKey = key
		a.requireKey = true
	}
}

// NewHTTPAdapter creates an adapter for the bridge at baseURL.
func NewHTTPAdapter(name, baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Adapter.
func (a *HTTPAdapter) Name() string { return a.name }

// Invoke implements Adapter.
func (a *HTTPAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if a.requireKey && a.apiKey == "" {
		return nil, &Error{Provider: a.name, Status: http.StatusUnauthorized, Detail: "api key not configured"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: a.name, Detail: err.Error()}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Provider: a.name, Status: httpResp.StatusCode, Detail: err.Error()}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		detail := gjson.GetBytes(raw, "detail").String()
		if detail == "" {
			detail = strings.TrimSpace(string(raw))
		}
		return nil, &Error{Provider: a.name, Status: httpResp.StatusCode, Detail: detail}
	}

	var resp InvokeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Error{Provider: a.name, Status: httpResp.StatusCode, Detail: "malformed response: " + err.Error()}
	}
	if resp.Provider == "" {
		resp.Provider = a.name
	}
	return &resp, nil
}
