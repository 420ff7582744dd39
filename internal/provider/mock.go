package provider

import (
	"context"
	"net/http"
	"sync"
)

// Fault modes for MockAdapter. They simulate the failure shapes the runner
// must survive without touching a real provider.
const (
	FaultNone    = ""
	FaultTimeout = "timeout"
	FaultHTTP500 = "http500"
)

// MockAdapter is a test implementation of Adapter.
//
// Each call returns the next entry of Responses; when they run out the last
// entry repeats. Err, when set, is returned instead. Every call is recorded
// in Calls. Safe for concurrent use.
type MockAdapter struct {
	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Responses is the sequence of responses to return in order.
	Responses []*InvokeResponse

	// Err, if set, is returned by Invoke instead of a response.
	Err error

	// Fault simulates a provider failure mode. See FaultTimeout, FaultHTTP500.
	Fault string

	// Calls records every Invoke request.
	Calls []InvokeRequest

	mu        sync.Mutex
	callIndex int
}

// Name implements Adapter.
func (m *MockAdapter) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	switch m.Fault {
	case FaultTimeout:
		return nil, &Error{Provider: m.Name(), Detail: "command timed out"}
	case FaultHTTP500:
		return nil, &Error{Provider: m.Name(), Status: http.StatusInternalServerError, Detail: "injected failure"}
	}

	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &InvokeResponse{Provider: m.Name()}, nil
	}

	resp := m.Responses[m.callIndex]
	if m.callIndex < len(m.Responses)-1 {
		m.callIndex++
	}
	out := *resp
	if out.Provider == "" {
		out.Provider = m.Name()
	}
	return &out, nil
}
