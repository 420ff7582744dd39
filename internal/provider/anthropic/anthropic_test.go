package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arka-os/arka/internal/provider"
)

type fakeClient struct {
	lastReq   provider.InvokeRequest
	lastModel string
	resp      *provider.InvokeResponse
	err       error
}

func (f *fakeClient) createMessage(ctx context.Context, req provider.InvokeRequest, model string) (*provider.InvokeResponse, error) {
	f.lastReq = req
	f.lastModel = model
	return f.resp, f.err
}

func TestInvokeUsesDefaultModel(t *testing.T) {
	fake := &fakeClient{resp: &provider.InvokeResponse{Output: provider.Output{Text: "ok"}}}
	a := &Adapter{model: defaultModel, client: fake}

	req := provider.InvokeRequest{
		Operation: provider.OpChat,
		Input:     provider.Input{System: "be brief", Messages: []provider.Message{{Role: "user", Content: "hi"}}},
	}
	resp, err := a.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Output.Text)
	assert.Equal(t, defaultModel, fake.lastModel)
	assert.Equal(t, "be brief", fake.lastReq.Input.System)
}

func TestInvokeModelOverride(t *testing.T) {
	fake := &fakeClient{resp: &provider.InvokeResponse{}}
	a := &Adapter{model: defaultModel, client: fake}

	_, err := a.Invoke(context.Background(), provider.InvokeRequest{Operation: provider.OpChat, Model: "claude-haiku-4-5"})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", fake.lastModel)
}

func TestInvokeRejectsUnsupportedOperation(t *testing.T) {
	a := &Adapter{model: defaultModel, client: &fakeClient{}}

	_, err := a.Invoke(context.Background(), provider.InvokeRequest{Operation: provider.OpEmbed})
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "anthropic", perr.Provider)
}

func TestInvokeContextCancelled(t *testing.T) {
	a := &Adapter{model: defaultModel, client: &fakeClient{}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Invoke(ctx, provider.InvokeRequest{Operation: provider.OpChat})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildMessagesRoles(t *testing.T) {
	msgs := buildMessages([]provider.Message{
		{Role: "user", Content: "question"},
		{Role: "assistant", Content: "answer"},
		{Role: "user", Content: ""},
	})
	assert.Len(t, msgs, 2)
}
