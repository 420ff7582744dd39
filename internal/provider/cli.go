package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIAdapter shells out to a provider command. The request is written to the
// command's stdin as JSON and the response is read back from stdout. Exit
// status and timeouts map to *Error so fallback can proceed.
type CLIAdapter struct {
	name    string
	command string
	args    []string
	timeout time.Duration
}

// NewCLIAdapter creates an adapter that runs command with args per invoke.
func NewCLIAdapter(name, command string, args []string, timeout time.Duration) *CLIAdapter {
	return &CLIAdapter{name: name, command: command, args: args, timeout: timeout}
}

// Name implements Adapter.
func (a *CLIAdapter) Name() string { return a.name }

// Invoke implements Adapter.
func (a *CLIAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode invoke request: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Stdin = bytes.NewReader(body)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Provider: a.name, Detail: "command timed out"}
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, &Error{Provider: a.name, Detail: detail}
	}

	var resp InvokeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, &Error{Provider: a.name, Detail: "malformed command output: " + err.Error()}
	}
	if resp.Provider == "" {
		resp.Provider = a.name
	}
	return &resp, nil
}
