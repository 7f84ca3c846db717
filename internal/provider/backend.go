package provider

import (
	"context"
	"errors"

	"raygate/internal/models"
	"raygate/internal/stream"
)

// ErrUnknownModel indicates the requested model id is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrUnsupportedProvider indicates the requested model belongs to a backend
// that was not activated at startup.
var ErrUnsupportedProvider = errors.New("provider backend not active")

// ErrUpstreamUnavailable indicates a transport failure talking to the backend.
var ErrUpstreamUnavailable = errors.New("upstream provider unavailable")

// Options carries the per-request parameters resolved by the dispatcher.
type Options struct {
	// Model is the backend-native model name, already resolved from the
	// catalog id.
	Model string
	// MaxTokens is the operator-configured output ceiling, applied to every
	// request regardless of backend.
	MaxTokens int
	// Temperature is the default sampling temperature; a per-message
	// override in the request still wins.
	Temperature float64
}

// Backend is a single upstream LLM provider. Implementations translate the
// unified chat request into their native wire format and expose the native
// streaming response as a unified stream. Implementations must be safe for
// concurrent use.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req models.ChatRequest, opts Options) (stream.Stream, error)
}
