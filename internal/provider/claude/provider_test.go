package claude

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/tidwall/gjson"

	"mate-gateway/internal/config"
	"mate-gateway/internal/models"
	"mate-gateway/internal/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(config.ProviderConfig{
		Name:     "claude",
		APIStyle: config.APIStyleClaude,
		APIKey:   "sk-test",
		BaseURL:  "https://api.anthropic.test/",
		Models:   []string{"claude-3-haiku"},
		Aliases:  map[string]string{"haiku": "claude-3-haiku"},
		Headers:  config.Headers{"X-Team": "mates"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestTranslateSingleMessage(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	msg := "What is AAPL trading at?"
	temp := 0.2
	req := models.ConversationRequest{
		System:        "You are a trading assistant.",
		Message:       &msg,
		Provider:      models.ProviderRef{Name: "claude", Model: "claude-3-haiku"},
		Temperature:   &temp,
		StopSequences: []string{"END"},
		Tools: []models.Tool{{
			Name:        "get_stock_price",
			Description: "Look up a ticker",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"ticker":{"type":"string"}},"required":["ticker"]}`),
		}},
		Stream: true,
	}

	out, err := p.Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if out.URL != "https://api.anthropic.test/v1/messages" {
		t.Errorf("url = %q", out.URL)
	}
	if out.Header.Get("x-api-key") != "sk-test" || out.Header.Get("anthropic-version") != apiVersion {
		t.Errorf("auth headers = %v", out.Header)
	}
	if out.Header.Get("X-Team") != "mates" || out.Header.Get("Accept") != contentTypeSSE {
		t.Errorf("extra headers = %v", out.Header)
	}

	body := gjson.ParseBytes(out.Body)
	checks := map[string]string{
		"model":                     "claude-3-haiku",
		"system":                    "You are a trading assistant.",
		"max_tokens":                "1024",
		"temperature":               "0.2",
		"stop_sequences.0":          "END",
		"stream":                    "true",
		"messages.0.role":           "user",
		"messages.0.content.0.type": "text",
		"messages.0.content.0.text": msg,
		"tools.0.name":              "get_stock_price",
		"tools.0.input_schema.type": "object",
		"tool_choice.type":          "auto",
	}
	for path, want := range checks {
		if got := body.Get(path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	if body.Get("tools.0.cache_control").Exists() {
		t.Error("cache_control set without cache flag")
	}
}

func TestTranslateHistoryWithToolsAndCache(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	req := models.ConversationRequest{
		System:   "sys",
		Provider: models.ProviderRef{Name: "claude", Model: "claude-3-haiku"},
		Cache:    true,
		Tools: []models.Tool{
			{Name: "a", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "b"},
		},
		History: []models.MessageItem{
			{Role: models.RoleUser, Content: []models.ContentBlock{
				{Type: models.BlockText, Text: "what is in this picture?"},
				{Type: models.BlockImage, MediaType: "image/png", Data: "iVBORw0KGgo="},
			}},
			{Role: models.RoleAssistant, Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ID: "toolu_1", Name: "a", Input: map[string]any{"q": "cat"}},
			}},
			{Role: models.RoleUser, Content: []models.ContentBlock{
				{Type: models.BlockToolResult, ToolUseID: "toolu_1", Content: "a cat"},
			}},
		},
	}

	out, err := p.Translate(req)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	body := gjson.ParseBytes(out.Body)

	checks := map[string]string{
		"system.0.type":                          "text",
		"system.0.text":                          "sys",
		"system.0.cache_control.type":            "ephemeral",
		"tools.1.cache_control.type":             "ephemeral",
		"tools.1.input_schema.type":              "object",
		"messages.0.content.1.type":              "image",
		"messages.0.content.1.source.type":       "base64",
		"messages.0.content.1.source.media_type": "image/png",
		"messages.1.content.0.type":              "tool_use",
		"messages.1.content.0.input.q":           "cat",
		"messages.2.content.0.type":              "tool_result",
		"messages.2.content.0.tool_use_id":       "toolu_1",
		"messages.2.content.0.content":           "a cat",
	}
	for path, want := range checks {
		if got := body.Get(path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	if body.Get("tools.0.cache_control").Exists() {
		t.Error("only the last tool carries cache_control")
	}
}

func TestTranslateRejectsUnknownToolResult(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	req := models.ConversationRequest{
		Provider: models.ProviderRef{Name: "claude", Model: "claude-3-haiku"},
		History: []models.MessageItem{{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{{Type: models.BlockToolResult, ToolUseID: "toolu_missing", Content: "x"}},
		}},
	}
	_, err := p.Translate(req)
	if !errors.Is(err, models.ErrToolResultLookup) || !errors.Is(err, models.ErrSchemaValidation) {
		t.Fatalf("err = %v, want tool result lookup error", err)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	body := []byte(`{
		"id":   "msg_1",
		"role": "assistant",
		"content": [
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_9", "name": "get_stock_price", "input": {"ticker": "AAPL"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`)

	res, err := p.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := []models.ContentItem{
		models.TextItem("Let me check."),
		models.ToolUseItem("toolu_9", "get_stock_price", map[string]any{"ticker": "AAPL"}),
	}
	if !reflect.DeepEqual(res.Content, want) {
		t.Errorf("content = %+v", res.Content)
	}
	if res.Usage.InputTokens != 12 || res.Usage.OutputTokens != 7 || res.StopReason != "tool_use" {
		t.Errorf("result = %+v", res)
	}
}

func TestStreamParser(t *testing.T) {
	t.Parallel()

	lines := []string{
		"event: message_start",
		`data: {"type":"message_start","message":{"id":"msg_1"}}`,
		"",
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`data: {"type":"ping"}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`data: {"type":"message_stop"}`,
	}

	parser := newTestProvider(t).NewStreamParser()
	var got []provider.Delta
	for _, line := range lines {
		deltas, err := parser.ParseLine(line)
		if err != nil {
			t.Fatalf("ParseLine(%q): %v", line, err)
		}
		got = append(got, deltas...)
	}

	want := []provider.Delta{
		{Kind: provider.DeltaText, Text: "Hello"},
		{Kind: provider.DeltaToolName, Text: "get_weather"},
		{Kind: provider.DeltaToolArgs, Text: `{"city":`},
		{Kind: provider.DeltaEnd},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("deltas = %+v, want %+v", got, want)
	}
}

func TestStreamParserErrors(t *testing.T) {
	t.Parallel()

	parser := &streamParser{}

	for _, line := range []string{`data: {"type":`, `data: {"type":"surprise"}`, "nonsense"} {
		if _, err := parser.ParseLine(line); !errors.Is(err, provider.ErrMalformedStreamChunk) {
			t.Errorf("ParseLine(%q) err = %v, want malformed", line, err)
		}
	}

	deltas, err := parser.ParseLine(`data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)
	if !errors.Is(err, provider.ErrStreamFailure) {
		t.Errorf("error event err = %v", err)
	}
	if len(deltas) != 1 || deltas[0].Kind != provider.DeltaEnd {
		t.Errorf("error event deltas = %+v, want End", deltas)
	}
}
