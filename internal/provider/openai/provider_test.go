package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"raygate/internal/config"
	"raygate/internal/models"
	"raygate/internal/provider"
	"raygate/internal/stream"
)

func floatPtr(v float64) *float64 { return &v }

func TestTranslate_TextMessagesKeepOrder(t *testing.T) {
	req := models.ChatRequest{
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{Text: "one"}},
			{Content: models.MessageContent{Text: "two"}},
			{Content: models.MessageContent{Text: "three"}},
		},
	}

	messages, _ := Translate(req, 0.5)

	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	for i, want := range []string{"one", "two", "three"} {
		if messages[i].Role != "user" {
			t.Errorf("message %d role = %q, want user", i, messages[i].Role)
		}
		if messages[i].Content != want {
			t.Errorf("message %d content = %q, want %q", i, messages[i].Content, want)
		}
	}
}

func TestTranslate_InstructionUnits(t *testing.T) {
	req := models.ChatRequest{
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{
				SystemInstructions:  "sys",
				CommandInstructions: "cmd",
				Text:                "hello",
			}},
		},
	}

	messages, _ := Translate(req, 0.5)

	want := []Message{
		{Role: "system", Content: "sys"},
		{Role: "system", Content: "cmd"},
		{Role: "user", Content: "hello"},
	}
	if len(messages) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(messages), len(want), messages)
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, messages[i], want[i])
		}
	}
}

func TestTranslate_AdditionalInstructionsRepeatPerMessage(t *testing.T) {
	// The request-level instructions are injected once per processed
	// message, not once per request. The client depends on this shape.
	req := models.ChatRequest{
		AdditionalSystemInstructions: "extra",
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{Text: "first"}},
			{Content: models.MessageContent{Text: "second"}},
		},
	}

	messages, _ := Translate(req, 0.5)

	want := []Message{
		{Role: "system", Content: "extra"},
		{Role: "user", Content: "first"},
		{Role: "system", Content: "extra"},
		{Role: "user", Content: "second"},
	}
	if len(messages) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(messages), len(want), messages)
	}
	for i := range want {
		if messages[i] != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, messages[i], want[i])
		}
	}
}

func TestTranslate_TemperatureLastWriteWins(t *testing.T) {
	req := models.ChatRequest{
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{Text: "a", Temperature: floatPtr(0.9)}},
			{Content: models.MessageContent{Text: "b", Temperature: floatPtr(0.1)}},
		},
	}

	if _, temp := Translate(req, 0.5); temp != 0.1 {
		t.Errorf("temperature = %v, want 0.1 (last override wins)", temp)
	}
}

func TestTranslate_TemperatureDefault(t *testing.T) {
	req := models.ChatRequest{
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{Text: "a"}},
		},
	}

	if _, temp := Translate(req, 0.5); temp != 0.5 {
		t.Errorf("temperature = %v, want the 0.5 default", temp)
	}
}

func sseServer(t *testing.T, lines []string, onRequest func(*http.Request, []byte)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if onRequest != nil {
			onRequest(r, body)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}))
}

func newTestBackend(t *testing.T, baseURL string) *Backend {
	t.Helper()
	backend, err := New(config.OpenAIConfig{APIKey: "test-key", BaseURL: baseURL}, &http.Client{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return backend
}

func collect(t *testing.T, s stream.Stream) []stream.Event {
	t.Helper()
	defer s.Close()

	var events []stream.Event
	for {
		ev, err := s.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		events = append(events, ev)
	}
}

func TestStream_DeltaChunks(t *testing.T) {
	lines := []string{
		`{"choices":[{"delta":{"content":"Hel"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}
	server := sseServer(t, lines, nil)
	defer server.Close()

	backend := newTestBackend(t, server.URL)
	s, err := backend.Stream(context.Background(), models.ChatRequest{}, provider.Options{Model: "gpt-3.5-turbo", MaxTokens: 1024, Temperature: 0.5})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(t, s)
	want := []stream.Event{
		{Text: "Hel"},
		{Text: "lo"},
		{FinishReason: "stop"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d = %+v, want %+v", i, events[i], want[i])
		}
	}
}

func TestStream_AtMostOneFinishAndAlwaysLast(t *testing.T) {
	// Chunks after the finish indicator must be ignored.
	lines := []string{
		`{"choices":[{"delta":{"content":"text"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[{"delta":{"content":"late"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	}
	server := sseServer(t, lines, nil)
	defer server.Close()

	backend := newTestBackend(t, server.URL)
	s, err := backend.Stream(context.Background(), models.ChatRequest{}, provider.Options{Model: "gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events := collect(t, s)

	finishes := 0
	for i, ev := range events {
		if ev.IsFinish() {
			finishes++
			if i != len(events)-1 {
				t.Errorf("finish event at index %d is not last of %d", i, len(events))
			}
		}
	}
	if finishes != 1 {
		t.Errorf("got %d finish events, want exactly 1: %+v", finishes, events)
	}
}

func TestStream_RequestPayload(t *testing.T) {
	var got chatPayload
	server := sseServer(t, []string{`[DONE]`}, func(r *http.Request, body []byte) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer key", auth)
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal request payload: %v", err)
		}
	})
	defer server.Close()

	backend := newTestBackend(t, server.URL)
	req := models.ChatRequest{
		Messages: []models.ChatMessage{
			{Content: models.MessageContent{Text: "hi", Temperature: floatPtr(0.8)}},
		},
	}
	s, err := backend.Stream(context.Background(), req, provider.Options{Model: "gpt-4-1106-preview", MaxTokens: 256, Temperature: 0.5})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	collect(t, s)

	if got.Model != "gpt-4-1106-preview" {
		t.Errorf("payload model = %q, want the resolved backend model", got.Model)
	}
	if got.MaxTokens != 256 {
		t.Errorf("payload max_tokens = %d, want 256", got.MaxTokens)
	}
	if got.Temperature != 0.8 {
		t.Errorf("payload temperature = %v, want the per-message override 0.8", got.Temperature)
	}
	if !got.Stream {
		t.Error("payload stream flag must be set")
	}
	if got.N != 1 {
		t.Errorf("payload n = %d, want 1", got.N)
	}
}

func TestStream_UpstreamErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	}))
	defer server.Close()

	backend := newTestBackend(t, server.URL)
	_, err := backend.Stream(context.Background(), models.ChatRequest{}, provider.Options{Model: "gpt-3.5-turbo"})
	if !errors.Is(err, provider.ErrUpstreamUnavailable) {
		t.Errorf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestStream_ContextCancellationStopsRecv(t *testing.T) {
	server := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"a"},"finish_reason":""}]}`,
	}, nil)
	defer server.Close()

	backend := newTestBackend(t, server.URL)
	s, err := backend.Stream(context.Background(), models.ChatRequest{}, provider.Options{Model: "gpt-3.5-turbo"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Recv on cancelled context = %v, want context.Canceled", err)
	}
}
