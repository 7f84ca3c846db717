package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"raygate/internal/config"
	"raygate/internal/dispatch"
	"raygate/internal/metrics"
	"raygate/internal/models"
	"raygate/internal/provider"
	"raygate/internal/proxy"
	"raygate/internal/rewrite"
	"raygate/internal/session"
	"raygate/internal/stream"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Deps are the collaborators the server hands requests to.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Gate       *session.Gate
	Proxy      *proxy.Proxy
	Rewriter   *rewrite.Rewriter
	Metrics    *metrics.Metrics
}

type Server struct {
	cfg     config.Config
	deps    Deps
	app     *echo.Echo
	address string
}

// New constructs the HTTP gateway wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Dispatcher == nil || deps.Gate == nil || deps.Proxy == nil || deps.Rewriter == nil || deps.Metrics == nil {
		return nil, errors.New("server dependencies must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = gatewayErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			deps.Metrics.RecordRequest(c.Path(), strconv.Itoa(v.Status))
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the gateway and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port, s.cfg.Server.CertFile != "")
	slog.Info("starting server", "addr", s.address, "tls", s.cfg.Server.CertFile != "")

	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No write timeout: completion streams stay open as long as the
		// backend keeps producing.
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.Server.CertFile != "" {
			err = httpServer.ListenAndServeTLS(s.cfg.Server.CertFile, s.cfg.Server.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	s.app.POST("/api/v1/ai/chat_completions", s.handleChatCompletions)
	s.app.GET("/api/v1/me", s.handleProfile)
	s.app.GET("/api/v1/ai/models", s.handleModels)
	s.app.Any("/*", s.handlePassthrough)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	token := bearerToken(c.Request())
	if !s.deps.Gate.Authorize(token) {
		return c.NoContent(http.StatusUnauthorized)
	}

	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	upstream, err := s.deps.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	defer upstream.Close()

	return s.relayStream(c, upstream)
}

// relayStream copies the unified stream to the caller as SSE frames. Once
// the first frame is written the HTTP status is committed; later upstream
// failures can only end the stream.
func (s *Server) relayStream(c echo.Context, upstream stream.Stream) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	ctx := c.Request().Context()
	backend := s.deps.Dispatcher.BackendName()

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	for {
		ev, err := upstream.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				// Caller went away; stop pulling from the backend.
				slog.Debug("client disconnected mid-stream")
				return nil
			}
			// Status is already committed, the stream just ends here.
			slog.Error("upstream stream failed", "err", err)
			return nil
		}

		if err := stream.WriteEvent(writer, ev); err != nil {
			slog.Debug("write to client failed", "err", err)
			return nil
		}
		flusher.Flush()

		if ev.IsFinish() {
			s.deps.Metrics.RecordStreamEvent(backend, "finish")
			return nil
		}
		s.deps.Metrics.RecordStreamEvent(backend, "text")
	}
}

func (s *Server) handleProfile(c echo.Context) error {
	resp, err := s.deps.Proxy.Do(c.Request().Context(), c.Request())
	if err != nil {
		return toHTTPError(err)
	}

	body, err := proxy.ReadBody(resp)
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", provider.ErrUpstreamUnavailable, err))
	}

	if resp.StatusCode == http.StatusOK {
		rewritten, err := s.deps.Rewriter.Profile(bearerToken(c.Request()), body)
		if err != nil {
			slog.Warn("profile rewrite failed, passing through", "err", err)
		} else {
			body = rewritten
		}
	}

	return writeUpstream(c, resp, body)
}

func (s *Server) handleModels(c echo.Context) error {
	resp, err := s.deps.Proxy.Do(c.Request().Context(), c.Request())
	if err != nil {
		return toHTTPError(err)
	}

	body, err := proxy.ReadBody(resp)
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: %v", provider.ErrUpstreamUnavailable, err))
	}

	if resp.StatusCode == http.StatusOK {
		rewritten, err := s.deps.Rewriter.ModelList(body)
		if err != nil {
			slog.Warn("model list rewrite failed, passing through", "err", err)
		} else {
			body = rewritten
		}
	}

	return writeUpstream(c, resp, body)
}

func (s *Server) handlePassthrough(c echo.Context) error {
	resp, err := s.deps.Proxy.Do(c.Request().Context(), c.Request())
	if err != nil {
		return toHTTPError(err)
	}
	defer resp.Body.Close()

	proxy.CopyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		slog.Debug("pass-through body copy interrupted", "err", err)
	}
	return nil
}

func writeUpstream(c echo.Context, resp *http.Response, body []byte) error {
	proxy.CopyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)
	_, err := c.Response().Write(body)
	return err
}

func bearerToken(req *http.Request) string {
	auth := req.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return ""
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType, code string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	payload.Error.Code = code
	return c.JSON(status, payload)
}

func gatewayErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, provider.ErrUnknownModel) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "model_not_found",
		}
	}
	if errors.Is(err, provider.ErrUnsupportedProvider) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
			Code:    "provider_not_active",
		}
	}
	if errors.Is(err, provider.ErrUpstreamUnavailable) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider error",
			Type:    "upstream_error",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int, tls bool) {
	scheme := "http"
	if tls {
		scheme = "https"
	}
	fmt.Println()
	fmt.Println("raygate ready")
	fmt.Printf("Listening on %s://0.0.0.0:%d\n", scheme, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  POST /api/v1/ai/chat_completions")
	fmt.Println("  GET  /api/v1/me")
	fmt.Println("  GET  /api/v1/ai/models")
	fmt.Println("All other paths pass through to the upstream API.")
}
