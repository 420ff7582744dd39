// Package openai adapts the OpenAI Chat Completions API to the provider
// contract.
package openai

import (
	"context"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/arka-os/arka/internal/provider"
)

const defaultModel = openaisdk.ChatModelGPT4o

// Adapter implements provider.Adapter for OpenAI chat models.
type Adapter struct {
	model  string
	client completionsClient
}

// completionsClient defines the OpenAI API surface the adapter needs.
// This allows for easy mocking in tests.
type completionsClient interface {
	createCompletion(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error)
}

// New creates an Adapter. An empty model selects the default chat model.
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
func (a *Adapter) Name() string { return "openai" }

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
	return a.client.createCompletion(ctx, req, model)
}

// sdkClient wraps the official OpenAI SDK client.
type sdkClient struct {
	client *openaisdk.Client
}

func newSDKClient(apiKey string) *sdkClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := openaisdk.NewClient(opts...)
	return &sdkClient{client: &client}
}

func (c *sdkClient) createCompletion(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error) {
	messages := buildMessages(req.Input)

	params := openaisdk.ChatCompletionNewParams{
		Model:               model,
		Messages:            messages,
		Temperature:         openaisdk.Float(req.Temperature),
		MaxCompletionTokens: openaisdk.Int(req.BudgetTokens),
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, &provider.Error{Provider: "openai", Detail: err.Error()}
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &provider.InvokeResponse{
		Output: provider.Output{Text: text},
		Usage: provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Provider: "openai",
		Model:    resp.Model,
	}, nil
}

// buildMessages converts normalized input to OpenAI chat messages. The
// system prompt becomes the leading system message.
func buildMessages(input provider.Input) []openaisdk.ChatCompletionMessageParamUnion {
	var out []openaisdk.ChatCompletionMessageParamUnion
	if input.System != "" {
		out = append(out, openaisdk.SystemMessage(input.System))
	}
	for _, m := range input.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			out = append(out, openaisdk.AssistantMessage(m.Content))
		case "system":
			out = append(out, openaisdk.SystemMessage(m.Content))
		default:
			out = append(out, openaisdk.UserMessage(m.Content))
		}
	}
	return out
}
