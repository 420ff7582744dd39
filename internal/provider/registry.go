package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Registry maps provider names to adapters and implements ordered fallback.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its own name, replacing any previous
// adapter with that name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Names returns the registered provider names, in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Invoke dispatches req to the named provider. An unregistered name yields
// *Error so a fallback chain can move past it.
func (r *Registry) Invoke(ctx context.Context, name string, req InvokeRequest) (*InvokeResponse, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Provider: name, Detail: "unknown provider"}
	}

	resp, err := a.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Provider == "" {
		resp.Provider = name
	}
	return resp, nil
}

// InvokeWithFallback tries candidates in order, skipping duplicates, until
// one succeeds. Provider-side failures (*Error) advance the chain; any other
// error is returned immediately. When every candidate fails the result is
// *ExhaustedError wrapping the last failure.
func (r *Registry) InvokeWithFallback(ctx context.Context, candidates []string, req InvokeRequest) (*InvokeResponse, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no provider candidates")
	}

	seen := make(map[string]struct{}, len(candidates))
	var tried []string
	var last error

	for _, name := range candidates {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := r.Invoke(ctx, name, req)
		if err == nil {
			return resp, nil
		}

		var perr *Error
		if !errors.As(err, &perr) {
			return nil, err
		}
		tried = append(tried, name)
		last = err
	}

	return nil, &ExhaustedError{Tried: tried, Last: last}
}
