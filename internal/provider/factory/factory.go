package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"raygate/internal/catalog"
	"raygate/internal/config"
	"raygate/internal/provider"
	geminiProvider "raygate/internal/provider/gemini"
	openaiProvider "raygate/internal/provider/openai"
)

const (
	defaultProxyTimeout    = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// ActiveBackend selects and constructs the single backend this process will
// serve, decided by which credential is configured. Gemini wins when both
// credentials are present; configuring neither is a startup error.
func ActiveBackend(cfg config.Config) (provider.Backend, string, error) {
	if cfg.Providers.Gemini.APIKey != "" {
		backend, err := geminiProvider.New(cfg.Providers.Gemini, NewStreamingClient())
		if err != nil {
			return nil, "", fmt.Errorf("initialise gemini backend: %w", err)
		}
		return backend, catalog.ProviderGoogle, nil
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		backend, err := openaiProvider.New(cfg.Providers.OpenAI, NewStreamingClient())
		if err != nil {
			return nil, "", fmt.Errorf("initialise openai backend: %w", err)
		}
		return backend, catalog.ProviderOpenAI, nil
	}

	return nil, "", errors.New("no backend credential configured: set GEMINI_API_KEY or OPENAI_API_KEY")
}

// NewStreamingClient builds the HTTP client used for backend completion
// calls. It carries no overall timeout so long-running streams are never cut
// off mid-response; cancellation comes from the request context.
func NewStreamingClient() *http.Client {
	return &http.Client{
		Transport: newTransport(),
	}
}

// NewProxyClient builds the HTTP client used for generic pass-through
// requests, which are ordinary request/response exchanges with a deadline.
func NewProxyClient() *http.Client {
	return &http.Client{
		Timeout:   defaultProxyTimeout,
		Transport: newTransport(),
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
