package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"mate-gateway/internal/config"
	"mate-gateway/internal/models"
	"mate-gateway/internal/normalize"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/provider/claude"
	"mate-gateway/internal/transport"
)

type fakeDispatcher struct {
	adapter  *claude.Provider
	resp     *models.Response
	err      error
	lines    []string
	received models.ConversationRequest
}

func (f *fakeDispatcher) Ask(_ context.Context, req models.ConversationRequest) (*models.Response, error) {
	f.received = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeDispatcher) Stream(_ context.Context, req models.ConversationRequest) (*normalize.Session, error) {
	f.received = req
	if f.err != nil {
		return nil, f.err
	}
	src := transport.NewLineStream(io.NopCloser(strings.NewReader(strings.Join(f.lines, "\n"))))
	return normalize.NewSession(f.adapter.Name(), src, f.adapter.NewStreamParser(), req.Tools), nil
}

func (f *fakeDispatcher) Providers() []provider.Adapter {
	return []provider.Adapter{f.adapter}
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080, WriteTimeout: time.Minute},
		Log:    config.LogConfig{Level: "info", Format: "text"},
		Providers: []config.ProviderConfig{{
			Name: "claude", APIStyle: config.APIStyleClaude, APIKey: "k", BaseURL: "https://api.anthropic.com",
			Models: []string{"claude-3-haiku"}, Aliases: map[string]string{"haiku": "claude-3-haiku"},
		}},
	}
}

func newTestServer(t *testing.T, d *fakeDispatcher) *Server {
	t.Helper()
	adapter, err := claude.New(testConfig().Providers[0])
	if err != nil {
		t.Fatalf("claude.New: %v", err)
	}
	d.adapter = adapter

	srv, err := New(testConfig(), d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.app.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(t, &fakeDispatcher{}), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}
	if _, err := uuid.Parse(rec.Header().Get(echo.HeaderXRequestID)); err != nil {
		t.Errorf("request id = %q: %v", rec.Header().Get(echo.HeaderXRequestID), err)
	}
}

func TestProviders(t *testing.T) {
	t.Parallel()

	rec := do(newTestServer(t, &fakeDispatcher{}), http.MethodGet, "/v1/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Providers []providerInfo `json:"providers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Providers) != 1 {
		t.Fatalf("providers = %+v", body.Providers)
	}
	p := body.Providers[0]
	if p.Name != "claude" || !p.SupportsCache || p.Aliases["haiku"] != "claude-3-haiku" || len(p.Models) != 1 {
		t.Errorf("provider = %+v", p)
	}
}

func TestAskNonStreaming(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{resp: &models.Response{Content: []models.ContentItem{models.TextItem("hi there")}}}
	srv := newTestServer(t, d)

	rec := do(srv, http.MethodPost, "/v1/ask", `{"message":"hello","provider":{"name":"claude","model":"haiku"},"max_tokens":50}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"content":[{"type":"text","text":"hi there"}],"cost_credits":null}` {
		t.Errorf("body = %s", got)
	}
	if d.received.MaxTokens != 50 || d.received.Provider.Model != "haiku" {
		t.Errorf("dispatched request = %+v", d.received)
	}
}

func TestAskStreaming(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{lines: []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`data: {"type":"message_stop"}`,
	}}
	srv := newTestServer(t, d)

	rec := do(srv, http.MethodPost, "/v1/ask", `{"message":"hello","provider":{"name":"claude","model":"haiku"},"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	want := `{"content":{"type":"text","text":"Hello"}}` + "\n\n" + `{"stream_end":true}` + "\n\n"
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestAskStreamingWithoutTerminatorStillEnds(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{lines: []string{
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut off"}}`,
		`data: {"type":`,
	}}
	rec := do(newTestServer(t, d), http.MethodPost, "/v1/ask", `{"message":"hello","provider":{"name":"claude","model":"haiku"},"stream":true}`)

	body := rec.Body.String()
	if strings.Count(body, `{"stream_end":true}`) != 1 || !strings.HasSuffix(body, `{"stream_end":true}`+"\n\n") {
		t.Errorf("body = %q, want a single trailing end frame", body)
	}
	if !strings.Contains(body, "cut off") {
		t.Errorf("body = %q, want buffered text flushed", body)
	}
}

func TestAskErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{models.Invalid("message", "must not be empty"), http.StatusBadRequest, "invalid_request_error"},
		{fmt.Errorf("ask: %w", transport.ErrUpstreamTimeout), http.StatusGatewayTimeout, "upstream_timeout"},
		{fmt.Errorf("ask: %w", transport.ErrUpstreamRateLimited), http.StatusTooManyRequests, "rate_limited"},
		{&transport.HTTPError{Provider: "claude", Status: 500, Message: "boom"}, http.StatusBadGateway, "upstream_error"},
	}

	for _, tt := range tests {
		srv := newTestServer(t, &fakeDispatcher{err: tt.err})
		for _, stream := range []string{"false", "true"} {
			rec := do(srv, http.MethodPost, "/v1/ask", `{"message":"hello","provider":{"name":"claude","model":"haiku"},"stream":`+stream+`}`)
			if rec.Code != tt.status {
				t.Errorf("%v (stream=%s): status = %d, want %d", tt.err, stream, rec.Code, tt.status)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Type != tt.typ {
				t.Errorf("%v (stream=%s): body = %s", tt.err, stream, rec.Body.String())
			}
		}
	}
}

func TestAskRejectsBadBodies(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeDispatcher{})
	for _, body := range []string{"", "{", `{"message":"a"} {"message":"b"}`, `{"message_history":[{"role":"user","content":[{"type":"audio"}]}]}`} {
		rec := do(srv, http.MethodPost, "/v1/ask", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestInboundRateLimit(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{}
	adapter, err := claude.New(testConfig().Providers[0])
	if err != nil {
		t.Fatalf("claude.New: %v", err)
	}
	d.adapter = adapter

	cfg := testConfig()
	cfg.Server.RequestsPerSecond = 1
	srv, err := New(cfg, d)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if rec := do(srv, http.MethodGet, "/v1/providers", ""); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do(srv, http.MethodGet, "/v1/providers", "")
	if rec.Code != http.StatusTooManyRequests || !strings.Contains(rec.Body.String(), "rate_limited") {
		t.Errorf("second request = %d %s", rec.Code, rec.Body.String())
	}
	for i := 0; i < 3; i++ {
		if rec := do(srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
			t.Errorf("health status = %d, want limiter skipped", rec.Code)
		}
	}
}
