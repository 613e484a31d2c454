// Package providers abstracts the external LLM executors. The runtime never
// talks to a model directly: it shells out to a provider CLI or routes
// through the session pool, both behind the Provider interface.
package providers

import (
	"context"
	"errors"
	"time"
)

// Provider is the interface all LLM executors implement.
type Provider interface {
	// Complete sends one prompt and blocks for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)

	// Probe checks availability with a bounded, cheap call.
	Probe(ctx context.Context) error

	// Name returns the provider identifier (e.g. "claude-cli").
	Name() string
}

// CompletionRequest is the input for a Complete call.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string
	MaxTokens    int
	Timeout      time.Duration // 0 = provider default (5 min)
	SessionID    string        // non-empty = resume a persistent conversation
}

// CompletionResult is the raw LLM output plus accounting.
type CompletionResult struct {
	Output       string
	Model        string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
}

// ErrPermanent marks failures that must not be retried (authentication,
// invalid input). Everything else is treated as transient.
var ErrPermanent = errors.New("permanent provider error")

// Permanent wraps err so IsPermanent reports true.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
func (e permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// IsPermanent reports whether err should short-circuit retry loops.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
