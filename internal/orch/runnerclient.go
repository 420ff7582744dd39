package orch

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

	"github.com/arka-os/arka/internal/runner"
)

// LocalRunner binds the engine to an in-process runner service.
type LocalRunner struct {
	svc *runner.Service
}

// NewLocalRunner wraps a runner service.
func NewLocalRunner(svc *runner.Service) *LocalRunner {
	return &LocalRunner{svc: svc}
}

// CreateSession implements RunnerClient.
func (l *LocalRunner) CreateSession(ctx context.Context, client, flowRef string, quota *int64) (string, error) {
	sess, err := l.svc.CreateSession(ctx, client, flowRef, quota)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// RunStep implements RunnerClient.
func (l *LocalRunner) RunStep(ctx context.Context, req runner.StepRequest) (*runner.StepResponse, error) {
	return l.svc.RunStep(ctx, req)
}

// HTTPRunner talks to a remote runner over its HTTP API. Used when the
// orchestrator and runner are deployed as separate services.
type HTTPRunner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRunner creates an HTTPRunner for the given base URL.
func NewHTTPRunner(baseURL, apiKey string, timeout time.Duration) *HTTPRunner {
	return &HTTPRunner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// CreateSession implements RunnerClient.
func (h *HTTPRunner) CreateSession(ctx context.Context, client, flowRef string, quota *int64) (string, error) {
	payload := map[string]any{"client": client, "flow_ref": flowRef}
	if quota != nil {
		payload["quota_tokens"] = *quota
	}
	body, err := h.post(ctx, "/runner/session", payload)
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("runner session response missing id")
	}
	return id, nil
}

// RunStep implements RunnerClient.
func (h *HTTPRunner) RunStep(ctx context.Context, req runner.StepRequest) (*runner.StepResponse, error) {
	body, err := h.post(ctx, "/runner/step", req)
	if err != nil {
		return nil, err
	}
	var resp runner.StepResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode runner response: %w", err)
	}
	return &resp, nil
}

func (h *HTTPRunner) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read runner response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := gjson.GetBytes(body, "error").String()
		if detail == "" {
			detail = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("runner returned %d: %s", resp.StatusCode, detail)
	}
	return body, nil
}
