// Package gateway is the boundary to the model inference capability.
// The core treats it as opaque: rendered text in, generated text and
// token counts out, with failures split into transient (retryable) and
// permanent (not).
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors classifying gateway failures.
var (
	// ErrTransient marks failures worth retrying: timeouts, connection
	// errors, throttling, upstream 5xx.
	ErrTransient = errors.New("transient inference error")
	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent inference error")
)

// GenerationRequest carries one rendered prompt to the model.
type GenerationRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
}

// GenerationResult is the model's answer with its token accounting.
type GenerationResult struct {
	Text      string `json:"text"`
	TokensIn  int    `json:"input_token_count"`
	TokensOut int    `json:"output_token_count"`
}

// Client generates text for a rendered prompt. Implementations must
// classify every returned error as transient or permanent.
type Client interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
}

// GenerationError wraps a failure with its classification and cause.
type GenerationError struct {
	Class error // ErrTransient or ErrPermanent
	Op    string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Class, e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == e.Class
}

// IsTransient reports whether err is a retryable gateway failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
