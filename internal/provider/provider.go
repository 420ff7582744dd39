// Package provider defines the adapter contract for LLM providers and the
// registry that drives fallback across them.
//
// An Adapter turns a normalized InvokeRequest into a provider call and maps
// every provider-side failure to *Error. The Registry relies on that mapping:
// only *Error advances the fallback chain, anything else aborts the step.
package provider

import "context"

// Operations an adapter may be asked to perform. Chat is the only operation
// the runner issues today; the rest are reserved for adapters that support
// them.
const (
	OpChat   = "chat"
	OpEmbed  = "embed"
	OpVision = "vision"
	OpAudio  = "audio"
)

// Message is one turn of conversation input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input carries the prompt material for an invocation. System is kept apart
// from Messages because several providers take it as a separate parameter.
type Input struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// InvokeRequest is the normalized request handed to an adapter.
type InvokeRequest struct {
	Operation    string  `json:"operation"`
	Model        string  `json:"model,omitempty"`
	Input        Input   `json:"input"`
	BudgetTokens int64   `json:"budget_tokens"`
	Temperature  float64 `json:"temperature"`
}

// Output is the provider's answer. Chat adapters fill Text and may return
// the full Messages exchange; embed adapters fill Vector.
type Output struct {
	Text     string    `json:"text,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Vector   []float64 `json:"vector,omitempty"`
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total is the figure charged against a session quota.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// InvokeResponse is the normalized result of a provider call. Provider and
// Model record what actually served the request, which may differ from the
// request after fallback.
type InvokeResponse struct {
	Output   Output `json:"output"`
	Usage    Usage  `json:"usage"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Adapter is implemented once per provider backend.
//
// Invoke must respect ctx and must return *Error for failures that originate
// with the provider (HTTP errors, timeouts, refusals). Returning any other
// error type stops fallback.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
}
