// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arka-os/arka/internal/provider"
)

const defaultModel = "claude-sonnet-4-5"

// Adapter implements provider.Adapter for Claude models.
//
// The system prompt travels in the API's dedicated system parameter, not in
// the message list. Every API failure maps to *provider.Error so the
// registry's fallback chain can advance past this provider.
type Adapter struct {
	model  string
	client messagesClient
}

// messagesClient defines the Anthropic API surface the adapter needs.
// This allows for easy mocking in tests.
type messagesClient interface {
	createMessage(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error)
}

// New creates an Adapter. An empty model selects the default Claude model.
func New(apiKey, model string) *Adapter {
	if model == "" {
		model = defaultModel
	}
	return &Adapter{
		model:  model,
		client: newSDKClient(apiKey),
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "anthropic" }

// Invoke implements provider.Adapter.
func (a *Adapter) Invoke(ctx context.Context, req provider.InvokeRequest) (*provider.InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Operation != provider.OpChat {
		return nil, &provider.Error{Provider: a.Name(), Detail: "unsupported operation: " + req.Operation}
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	return a.client.createMessage(ctx, req, model)
}

// sdkClient wraps the official Anthropic SDK client.
type sdkClient struct {
	client *anthropicsdk.Client
}

func newSDKClient(apiKey string) *sdkClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropicsdk.NewClient(opts...)
	return &sdkClient{client: &client}
}

func (c *sdkClient) createMessage(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error) {
	params := anthropicsdk.MessageNewParams{
		Model:       anthropicsdk.Model(model),
		Messages:    buildMessages(req.Input.Messages),
		MaxTokens:   req.BudgetTokens,
		Temperature: anthropicsdk.Float(req.Temperature),
	}
	if req.Input.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.Input.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &provider.Error{Provider: "anthropic", Detail: err.Error()}
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	return &provider.InvokeResponse{
		Output: provider.Output{Text: text},
		Usage: provider.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Provider: "anthropic",
		Model:    string(resp.Model),
	}, nil
}

// buildMessages converts normalized messages to the Anthropic format.
// Assistant turns keep their role; anything else is treated as user input.
func buildMessages(msgs []provider.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		block := anthropicsdk.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			out = append(out, anthropicsdk.NewAssistantMessage(block))
		} else {
			out = append(out, anthropicsdk.NewUserMessage(block))
		}
	}
	return out
}
