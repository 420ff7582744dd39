package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Routing resolves an intent to a flow reference when a step request does
// not carry one.
type Routing interface {
	Resolve(ctx context.Context, intent, client string) (string, error)
}

// HTTPRouting queries an external routing service's /resolve endpoint.
type HTTPRouting struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRouting creates an HTTPRouting against baseURL.
func NewHTTPRouting(baseURL string, timeout time.Duration) *HTTPRouting {
	return &HTTPRouting{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve implements Routing.
func (r *HTTPRouting) Resolve(ctx context.Context, intent, client string) (string, error) {
	params := url.Values{}
	if intent != "" {
		params.Set("intent", intent)
	}
	if client != "" {
		params.Set("client", client)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/resolve?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build routing request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read routing response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("routing returned status %d", resp.StatusCode)
	}
	return gjson.GetBytes(body, "flow_ref").String(), nil
}

// StaticRouting resolves intents from a fixed table. Used in tests and in
// deployments without a routing service.
type StaticRouting map[string]string

// Resolve implements Routing.
func (r StaticRouting) Resolve(_ context.Context, intent, _ string) (string, error) {
	flowRef, ok := r[intent]
	if !ok {
		return "", fmt.Errorf("intent %q not mapped", intent)
	}
	return flowRef, nil
}
