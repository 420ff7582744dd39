package provider

import (
	"fmt"
	"strings"
)

// Error is a provider-side failure. The registry treats it as retryable on
// the next fallback candidate.
type Error struct {
	Provider string
	Status   int
	Detail   string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.Status, e.Detail)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Detail)
}

// ExhaustedError is returned after every fallback candidate has failed.
// Last holds the final candidate's error.
type ExhaustedError struct {
	Tried []string
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed (tried %s): %v", strings.Join(e.Tried, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}
