// Package gemini implements the Google Gemini backend. Gemini takes a single
// prompt rather than role-tagged messages, so translation concatenates every
// instruction and content unit in order; the streaming response arrives as
// whole candidates per chunk.
package gemini

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

const contentTypeJSON = "application/json"

// Backend implements provider.Backend against the Gemini REST API.
type Backend struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates the Gemini backend.
func New(cfg config.GeminiConfig, client *http.Client) (*Backend, error) {
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
		baseURL: baseURL,
		client:  client,
	}, nil
}

func (b *Backend) Name() string {
	return "gemini"
}

// Translate flattens the unified request into a single newline-joined prompt
// and resolves the effective temperature.
//
// The same accumulation rules as the OpenAI translator apply, including the
// per-message re-append of the request-level additional instructions; the
// only difference is that every unit lands in one prompt string because the
// API has no system role.
func Translate(req models.ChatRequest, defaultTemperature float64) (string, float64) {
	var prompt strings.Builder
	temperature := defaultTemperature

	for _, msg := range req.Messages {
		if msg.Content.SystemInstructions != "" {
			prompt.WriteString(msg.Content.SystemInstructions)
			prompt.WriteString("\n")
		}
		if msg.Content.CommandInstructions != "" {
			prompt.WriteString(msg.Content.CommandInstructions)
			prompt.WriteString("\n")
		}
		if req.AdditionalSystemInstructions != "" {
			prompt.WriteString(req.AdditionalSystemInstructions)
			prompt.WriteString("\n")
		}
		if msg.Content.Text != "" {
			prompt.WriteString(msg.Content.Text)
			prompt.WriteString("\n")
		}
		if msg.Content.Temperature != nil {
			temperature = *msg.Content.Temperature
		}
	}

	return prompt.String(), temperature
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	CandidateCount  int     `json:"candidateCount"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

// Stream opens a streaming generateContent call against the backend.
func (b *Backend) Stream(ctx context.Context, req models.ChatRequest, opts provider.Options) (stream.Stream, error) {
	prompt, temperature := Translate(req, opts.Temperature)

	payload := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			CandidateCount:  1,
			MaxOutputTokens: opts.MaxTokens,
			Temperature:     temperature,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", b.baseURL, opts.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	httpReq.Header.Set("X-Goog-Api-Key", b.apiKey)

	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: gemini generate request: %v", provider.ErrUpstreamUnavailable, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	return &candidateStream{
		body:    httpResp.Body,
		scanner: bufio.NewScanner(httpResp.Body),
	}, nil
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// candidateStream adapts the candidate-per-chunk SSE response. A safety
// block mid-stream surfaces as a normal finish event so the client sees a
// graceful end instead of a broken connection.
type candidateStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
	closed  bool
}

func (s *candidateStream) Recv(ctx context.Context) (stream.Event, error) {
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
				return stream.Event{}, fmt.Errorf("%w: read gemini stream: %v", provider.ErrUpstreamUnavailable, err)
			}
			return stream.Event{}, io.EOF
		}

		line := s.scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return stream.Event{}, fmt.Errorf("parse gemini stream chunk: %w", err)
		}

		if chunk.PromptFeedback.BlockReason != "" {
			s.done = true
			return stream.Event{FinishReason: "blocked: " + chunk.PromptFeedback.BlockReason}, nil
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		candidate := chunk.Candidates[0]
		if candidate.FinishReason == "SAFETY" {
			s.done = true
			return stream.Event{FinishReason: "blocked: " + candidate.FinishReason}, nil
		}

		var text strings.Builder
		for _, p := range candidate.Content.Parts {
			text.WriteString(p.Text)
		}
		if text.Len() == 0 {
			continue
		}
		return stream.Event{Text: text.String()}, nil
	}
}

func (s *candidateStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: status %d and failed to read body: %v", provider.ErrUpstreamUnavailable, resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("%w: gemini error (%s): %s", provider.ErrUpstreamUnavailable, apiErr.Error.Status, apiErr.Error.Message)
	}

	return fmt.Errorf("%w: status %d: %s", provider.ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
}
