// Package openai implements the OpenAI chat-completions backend: it
// translates the unified chat request into the chat/completions wire format
// and adapts the delta-style SSE response into the unified stream protocol.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"raygate/internal/config"
	"raygate/internal/models"
	"raygate/internal/provider"
	"raygate/internal/stream"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "raygate/0.1"
	streamDone      = "[DONE]"
)

// Backend implements provider.Backend against an OpenAI-compatible API.
type Backend struct {
	apiKey  string
	chatURL string
	headers map[string]string
	client  *http.Client
}

// New creates the OpenAI backend.
func New(cfg config.OpenAIConfig, client *http.Client) (*Backend, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("api key must not be empty")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Backend{
		apiKey:  cfg.APIKey,
		chatURL: baseURL + "/chat/completions",
		headers: cfg.Headers,
		client:  client,
	}, nil
}

func (b *Backend) Name() string {
	return "openai"
}

// Message is one entry of the chat/completions messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Translate flattens the unified request into chat/completions messages and
// resolves the effective temperature.
//
// Each message contributes one unit per present content field, in field
// order: system instructions and command instructions become system-role
// messages, free text becomes a user-role message. The request-level
// additional instructions are re-appended on every message iteration rather
// than once per request; the client depends on that repetition, so it is
// kept and pinned by tests. A per-message temperature overrides the
// effective value, last write wins.
func Translate(req models.ChatRequest, defaultTemperature float64) ([]Message, float64) {
	messages := make([]Message, 0, len(req.Messages))
	temperature := defaultTemperature

	for _, msg := range req.Messages {
		if msg.Content.SystemInstructions != "" {
			messages = append(messages, Message{Role: "system", Content: msg.Content.SystemInstructions})
		}
		if msg.Content.CommandInstructions != "" {
			messages = append(messages, Message{Role: "system", Content: msg.Content.CommandInstructions})
		}
		if req.AdditionalSystemInstructions != "" {
			messages = append(messages, Message{Role: "system", Content: req.AdditionalSystemInstructions})
		}
		if msg.Content.Text != "" {
			messages = append(messages, Message{Role: "user", Content: msg.Content.Text})
		}
		if msg.Content.Temperature != nil {
			temperature = *msg.Content.Temperature
		}
	}

	return messages, temperature
}

type chatPayload struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	N           int       `json:"n"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

// Stream opens a streaming chat completion against the backend.
func (b *Backend) Stream(ctx context.Context, req models.ChatRequest, opts provider.Options) (stream.Stream, error) {
	messages, temperature := Translate(req, opts.Temperature)

	payload := chatPayload{
		Model:       opts.Model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		N:           1,
		Temperature: temperature,
		Stream:      true,
	}

	httpReq, err := b.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: openai chat request: %v", provider.ErrUpstreamUnavailable, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return &deltaStream{
		body:    httpResp.Body,
		scanner: bufio.NewScanner(httpResp.Body),
	}, nil
}

func (b *Backend) newRequest(ctx context.Context, payload chatPayload) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// deltaStream adapts the delta-per-chunk SSE response. Once a chunk carries
// a finish reason the stream reports one finish event and stops consuming.
type deltaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	closed  bool
}

func (s *deltaStream) Recv(ctx context.Context) (stream.Event, error) {
	if s.done || s.closed {
		return stream.Event{}, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			return stream.Event{}, ctx.Err()
		default:
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return stream.Event{}, fmt.Errorf("%w: read openai stream: %v", provider.ErrUpstreamUnavailable, err)
			}
			return stream.Event{}, io.EOF
		}

		line := s.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == streamDone {
			s.done = true
			return stream.Event{}, io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return stream.Event{}, fmt.Errorf("parse openai stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.done = true
			return stream.Event{FinishReason: choice.FinishReason}, nil
		}
		if choice.Delta.Content != "" {
			return stream.Event{Text: choice.Delta.Content}, nil
		}
	}
}

func (s *deltaStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: status %d and failed to read body: %v", provider.ErrUpstreamUnavailable, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: openai error (%s): %s", provider.ErrUpstreamUnavailable, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("%w: status %d: %s", provider.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
}
