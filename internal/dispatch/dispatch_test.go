package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"

	"raygate/internal/catalog"
	"raygate/internal/models"
	"raygate/internal/provider"
	"raygate/internal/stream"
)

type stubStream struct {
	events []stream.Event
	pos    int
	closed bool
}

func (s *stubStream) Recv(ctx context.Context) (stream.Event, error) {
	if s.pos >= len(s.events) {
		return stream.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *stubStream) Close() error {
	s.closed = true
	return nil
}

type stubBackend struct {
	name    string
	lastReq models.ChatRequest
	lastOpt provider.Options
	err     error
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Stream(ctx context.Context, req models.ChatRequest, opts provider.Options) (stream.Stream, error) {
	b.lastReq = req
	b.lastOpt = opts
	if b.err != nil {
		return nil, b.err
	}
	return &stubStream{events: []stream.Event{{Text: "ok"}}}, nil
}

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *stubBackend) {
	t.Helper()
	cat, err := catalog.New(catalog.ProviderOpenAI)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	backend := &stubBackend{name: "openai"}
	return New(cat, backend, catalog.ProviderOpenAI, opts, nil), backend
}

func TestResolveModel_OverrideWins(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{ForceModel: "openai-gpt-4-1106-preview"})

	for _, requested := range []string{"openai-gpt-3.5-turbo", "gemini-pro", ""} {
		if got := d.ResolveModel(requested); got != "openai-gpt-4-1106-preview" {
			t.Errorf("ResolveModel(%q) = %q, want the configured override", requested, got)
		}
	}
}

func TestResolveModel_NoOverride(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	if got := d.ResolveModel("openai-gpt-3.5-turbo"); got != "openai-gpt-3.5-turbo" {
		t.Errorf("ResolveModel = %q, want the client selection", got)
	}
}

func TestDispatch_ResolvesBackendModelName(t *testing.T) {
	d, backend := newTestDispatcher(t, Options{MaxTokens: 1024, Temperature: 0.5})

	s, err := d.Dispatch(context.Background(), models.ChatRequest{Model: "openai-gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer s.Close()

	if backend.lastOpt.Model != "gpt-3.5-turbo" {
		t.Errorf("backend model = %q, want the catalog's backend name", backend.lastOpt.Model)
	}
	if backend.lastOpt.MaxTokens != 1024 {
		t.Errorf("max tokens = %d, want the configured ceiling", backend.lastOpt.MaxTokens)
	}
}

func TestDispatch_UnknownModel(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.Dispatch(context.Background(), models.ChatRequest{Model: "gpt-9"})
	if !errors.Is(err, provider.ErrUnknownModel) {
		t.Errorf("error = %v, want ErrUnknownModel", err)
	}
}

func TestDispatch_UnsupportedProvider(t *testing.T) {
	// The active backend serves openai; gemini-pro is in the catalog but
	// its backend is not configured in this process.
	d, _ := newTestDispatcher(t, Options{})

	_, err := d.Dispatch(context.Background(), models.ChatRequest{Model: "gemini-pro"})
	if !errors.Is(err, provider.ErrUnsupportedProvider) {
		t.Errorf("error = %v, want ErrUnsupportedProvider", err)
	}
}

func TestDispatch_UpstreamErrorPassesThrough(t *testing.T) {
	d, backend := newTestDispatcher(t, Options{})
	backend.err = provider.ErrUpstreamUnavailable

	_, err := d.Dispatch(context.Background(), models.ChatRequest{Model: "openai-gpt-3.5-turbo"})
	if !errors.Is(err, provider.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}
