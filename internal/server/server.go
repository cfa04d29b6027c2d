package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mate-gateway/internal/config"
	"mate-gateway/internal/emitter"
	"mate-gateway/internal/models"
	"mate-gateway/internal/normalize"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/translator"
	"mate-gateway/internal/transport"
)

const (
	maxBodyBytes        = 20 << 20 // 20 MiB, room for inline images
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

// Dispatcher executes conversation requests.
type Dispatcher interface {
	Ask(ctx context.Context, req models.ConversationRequest) (*models.Response, error)
	Stream(ctx context.Context, req models.ConversationRequest) (*normalize.Session, error)
	Providers() []provider.Adapter
}

type Server struct {
	cfg     config.Config
	router  Dispatcher
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, rt Dispatcher) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = jsonErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if rps := cfg.Server.RequestsPerSecond; rps > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/health" },
			Store:   middleware.NewRateLimiterMemoryStore(rate.Limit(rps)),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{
					Status:  http.StatusTooManyRequests,
					Message: "too many requests",
					Type:    "rate_limited",
				}
			},
		}))
	}

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  idleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	})
	return g.Wait()
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/providers", s.handleProviders)
	s.app.POST("/v1/ask", s.handleAsk)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type providerInfo struct {
	Name          string            `json:"name"`
	APIStyle      string            `json:"api_style"`
	Models        []string          `json:"models"`
	Aliases       map[string]string `json:"aliases,omitempty"`
	SupportsCache bool              `json:"supports_cache"`
}

func (s *Server) handleProviders(c echo.Context) error {
	adapters := s.router.Providers()
	out := make([]providerInfo, 0, len(adapters))
	for _, a := range adapters {
		info := providerInfo{
			Name:          a.Name(),
			APIStyle:      a.APIStyle(),
			Aliases:       a.Aliases(),
			SupportsCache: a.SupportsCache(),
		}
		for _, m := range a.ListModels() {
			info.Models = append(info.Models, m.ID)
		}
		out = append(out, info)
	}
	return c.JSON(http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleAsk(c echo.Context) error {
	var ask translator.AskRequest
	if err := decodeRequestBody(c, &ask); err != nil {
		return err
	}

	ctx := c.Request().Context()
	req := ask.ToConversation()

	if !req.Stream {
		resp, err := s.router.Ask(ctx, req)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}

	session, err := s.router.Stream(ctx, req)
	if err != nil {
		return toHTTPError(err)
	}
	defer session.Close()

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	n, err := emitter.Pump(ctx, session, emitter.NewStreamWriter(c.Response()))
	if err != nil {
		slog.Warn("stream ended early", "provider", req.Provider.Name, "items", n, "err", err)
	}
	return nil
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
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
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

func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type, reqErr.Code)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error", "")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error", "")
}

func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	switch {
	case errors.Is(err, models.ErrSchemaValidation):
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	case errors.Is(err, transport.ErrUpstreamTimeout):
		return requestError{
			Status:  http.StatusGatewayTimeout,
			Message: "upstream provider timed out",
			Type:    "upstream_timeout",
		}
	case errors.Is(err, transport.ErrUpstreamRateLimited):
		return requestError{
			Status:  http.StatusTooManyRequests,
			Message: "upstream provider is rate limiting requests",
			Type:    "rate_limited",
		}
	}

	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: httpErr.Error(),
			Type:    "upstream_error",
			Code:    fmt.Sprint(httpErr.Status),
		}
	}

	slog.Error("request failed", "err", err)
	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("mate-gateway ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/providers")
	fmt.Println("  POST /v1/ask")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/ask -H 'Content-Type: application/json' -d '{\"message\":\"hello\",\"provider\":{\"name\":\"claude\",\"model\":\"claude-3-haiku\"}}'\n\n", host, port)
}
