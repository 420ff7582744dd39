package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatReq() InvokeRequest {
	return InvokeRequest{
		Operation:    OpChat,
		Input:        Input{Messages: []Message{{Role: "user", Content: "hello"}}},
		BudgetTokens: 8192,
		Temperature:  0.2,
	}
}

func TestRegistryInvoke(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockAdapter{
		ProviderName: "anthropic",
		Responses:    []*InvokeResponse{{Output: Output{Text: "hi"}, Usage: Usage{InputTokens: 3, OutputTokens: 5}}},
	})

	resp, err := reg.Invoke(context.Background(), "anthropic", chatReq())
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Output.Text)
	assert.Equal(t, "anthropic", resp.Provider)
	assert.Equal(t, int64(8), resp.Usage.Total())
}

func TestRegistryInvokeUnknownProvider(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Invoke(context.Background(), "nope", chatReq())
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nope", perr.Provider)
}

func TestInvokeWithFallbackAdvances(t *testing.T) {
	reg := NewRegistry()
	failing := &MockAdapter{ProviderName: "anthropic", Fault: FaultHTTP500}
	healthy := &MockAdapter{
		ProviderName: "openai",
		Responses:    []*InvokeResponse{{Output: Output{Text: "from openai"}}},
	}
	reg.Register(failing)
	reg.Register(healthy)

	resp, err := reg.InvokeWithFallback(context.Background(), []string{"anthropic", "openai"}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "from openai", resp.Output.Text)
	assert.Equal(t, "openai", resp.Provider)
	assert.Len(t, failing.Calls, 1)
	assert.Len(t, healthy.Calls, 1)
}

func TestInvokeWithFallbackSkipsUnknownAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	healthy := &MockAdapter{
		ProviderName: "google",
		Responses:    []*InvokeResponse{{Output: Output{Text: "ok"}}},
	}
	reg.Register(healthy)

	resp, err := reg.InvokeWithFallback(context.Background(),
		[]string{"missing", "google", "missing", "google"}, chatReq())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Output.Text)
	assert.Len(t, healthy.Calls, 1)
}

func TestInvokeWithFallbackExhausted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockAdapter{ProviderName: "anthropic", Fault: FaultTimeout})
	reg.Register(&MockAdapter{ProviderName: "openai", Fault: FaultHTTP500})

	_, err := reg.InvokeWithFallback(context.Background(), []string{"anthropic", "openai"}, chatReq())
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"anthropic", "openai"}, exhausted.Tried)

	var perr *Error
	assert.ErrorAs(t, exhausted.Last, &perr)
	assert.Equal(t, "openai", perr.Provider)
}

func TestInvokeWithFallbackStopsOnNonProviderError(t *testing.T) {
	reg := NewRegistry()
	fatal := errors.New("store unavailable")
	reg.Register(&MockAdapter{ProviderName: "anthropic", Err: fatal})
	never := &MockAdapter{ProviderName: "openai"}
	reg.Register(never)

	_, err := reg.InvokeWithFallback(context.Background(), []string{"anthropic", "openai"}, chatReq())
	assert.ErrorIs(t, err, fatal)
	assert.Empty(t, never.Calls)
}

func TestInvokeWithFallbackNoCandidates(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.InvokeWithFallback(context.Background(), nil, chatReq())
	assert.Error(t, err)
}
