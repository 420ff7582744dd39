// Package google adapts the Google Gemini API to the provider contract.
package google

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/arka-os/arka/internal/provider"
)

const defaultModel = "gemini-2.5-flash"

// Adapter implements provider.Adapter for Gemini models.
type Adapter struct {
	apiKey string
	model  string
	client generateClient
}

// generateClient defines the Gemini API surface the adapter needs.
// This allows for easy mocking in tests.
type generateClient interface {
	generateContent(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error)
}

// New creates an Adapter. An empty model selects the default Gemini model.
func New(apiKey, model string) *Adapter {
	if model == "" {
		model = defaultModel
	}
	return &Adapter{
		apiKey: apiKey,
		model:  model,
		client: &sdkClient{apiKey: apiKey},
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return "google" }

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
	return a.client.generateContent(ctx, req, model)
}

// sdkClient wraps the official Gemini SDK. A client is created per call; the
// SDK holds an open gRPC connection otherwise.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generateContent(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error) {
	if c.apiKey == "" {
		return nil, &provider.Error{Provider: "google", Detail: "api key not configured"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(model)
	temp := float32(req.Temperature)
	genModel.Temperature = &temp
	if req.BudgetTokens > 0 {
		maxTokens := int32(req.BudgetTokens)
		genModel.MaxOutputTokens = &maxTokens
	}
	if req.Input.System != "" {
		genModel.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.Input.System)},
		}
	}

	parts := make([]genai.Part, 0, len(req.Input.Messages))
	for _, m := range req.Input.Messages {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, &provider.Error{Provider: "google", Detail: err.Error()}
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	usage := provider.Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &provider.InvokeResponse{
		Output:   provider.Output{Text: text},
		Usage:    usage,
		Provider: "google",
		Model:    model,
	}, nil
}
