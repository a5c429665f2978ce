package llm

import (
	"context"
	"errors"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single chat completion call: ordered turns plus the model and
// sampling temperature to use.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
}

// Config holds common configuration for LLM providers.
type Config struct {
	// APIType is "openai" (default) or "azure".
	APIType    string
	BaseURL    string
	APIKey     string
	APIVersion string
	// Deployment overrides the Azure deployment name derived from the model.
	Deployment string
}

var (
	// ErrRateLimited is returned when the provider answered with HTTP 429.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrContentFiltered is returned when the provider refused the request or
	// truncated the answer because of its content filter.
	ErrContentFiltered = errors.New("llm: content filtered")
)
