package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mate-gateway/internal/config"
	"mate-gateway/internal/models"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/transport"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeSSE   = "text/event-stream"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider implements the Anthropic Messages API protocol.
type Provider struct {
	name     string
	apiKey   string
	headers  map[string]string
	catalog  *provider.Catalog
	messages string
}

// New constructs a Claude provider adapter.
func New(cfg config.ProviderConfig) (*Provider, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.APIStyle != config.APIStyleClaude {
		return nil, fmt.Errorf("claude provider %q received unsupported api_style %q", cfg.Name, cfg.APIStyle)
	}

	catalog, err := provider.NewCatalog(cfg.Name, cfg.APIStyle, cfg.Models, cfg.Aliases)
	if err != nil {
		return nil, fmt.Errorf("claude provider %q: %w", cfg.Name, err)
	}

	return &Provider{
		name:     cfg.Name,
		apiKey:   cfg.APIKey,
		headers:  cfg.Headers,
		catalog:  catalog,
		messages: baseURL + "/v1/messages",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) APIStyle() string {
	return config.APIStyleClaude
}

// SupportsCache reports prompt caching support via cache_control blocks.
func (p *Provider) SupportsCache() bool {
	return true
}

func (p *Provider) ListModels() []models.Model {
	return p.catalog.Models()
}

// Aliases exposes the configured alias table.
func (p *Provider) Aliases() map[string]string {
	return p.catalog.Aliases()
}

func (p *Provider) ResolveModel(model string) (string, error) {
	return p.catalog.Resolve(model)
}

// Translate builds the Messages API call for req.
func (p *Provider) Translate(req models.ConversationRequest) (transport.Request, error) {
	payload, err := buildMessagePayload(req)
	if err != nil {
		return transport.Request{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transport.Request{}, fmt.Errorf("marshal payload: %w", err)
	}

	return transport.Request{
		Method: http.MethodPost,
		URL:    p.messages,
		Header: p.newHeader(req.Stream),
		Body:   body,
	}, nil
}

func (p *Provider) newHeader(stream bool) http.Header {
	header := make(http.Header)
	header.Set("Content-Type", contentTypeJSON)
	if stream {
		header.Set("Accept", contentTypeSSE)
	} else {
		header.Set("Accept", contentTypeJSON)
	}
	header.Set("x-api-key", p.apiKey)
	header.Set("anthropic-version", apiVersion)

	for k, v := range p.headers {
		header.Set(k, v)
	}
	return header
}

// NewStreamParser returns a parser for one streaming session.
func (p *Provider) NewStreamParser() provider.StreamParser {
	return &streamParser{}
}

type messagePayload struct {
	Model         string      `json:"model"`
	Messages      []message   `json:"messages"`
	System        any         `json:"system,omitempty"`
	MaxTokens     int         `json:"max_tokens"`
	Temperature   *float64    `json:"temperature,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Tools         []toolDecl  `json:"tools,omitempty"`
	ToolChoice    *toolChoice `json:"tool_choice,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Source       *imageSource    `json:"source,omitempty"`
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type toolDecl struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type toolChoice struct {
	Type string `json:"type"`
}

var ephemeral = &cacheControl{Type: "ephemeral"}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func buildMessagePayload(req models.ConversationRequest) (messagePayload, error) {
	history := req.Messages()
	if len(history) == 0 {
		return messagePayload{}, models.Invalid("message_history", "conversation must not be empty")
	}

	toolUses := provider.ToolUseIndex{}
	messages := make([]message, 0, len(history))
	for i, item := range history {
		blocks := make([]contentBlock, 0, len(item.Content))
		for _, block := range item.Content {
			converted, err := convertBlock(block, toolUses)
			if err != nil {
				return messagePayload{}, fmt.Errorf("message_history[%d]: %w", i, err)
			}
			blocks = append(blocks, converted)
		}
		messages = append(messages, message{Role: item.Role, Content: blocks})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	payload := messagePayload{
		Model:         req.Provider.Model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}

	if req.System != "" {
		if req.Cache {
			payload.System = []contentBlock{{Type: "text", Text: req.System, CacheControl: ephemeral}}
		} else {
			payload.System = req.System
		}
	}

	if len(req.Tools) > 0 {
		payload.Tools = make([]toolDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = emptySchema
			}
			payload.Tools = append(payload.Tools, toolDecl{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		if req.Cache {
			payload.Tools[len(payload.Tools)-1].CacheControl = ephemeral
		}
		payload.ToolChoice = &toolChoice{Type: "auto"}
	}

	return payload, nil
}

func convertBlock(block models.ContentBlock, toolUses provider.ToolUseIndex) (contentBlock, error) {
	switch block.Type {
	case models.BlockText:
		return contentBlock{Type: "text", Text: block.Text}, nil
	case models.BlockImage:
		return contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: block.MediaType,
				Data:      block.Data,
			},
		}, nil
	case models.BlockToolUse:
		input := block.Input
		if input == nil {
			input = map[string]any{}
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return contentBlock{}, fmt.Errorf("marshal tool_use input: %w", err)
		}
		toolUses.Record(block.ID, block.Name)
		return contentBlock{Type: "tool_use", ID: block.ID, Name: block.Name, Input: raw}, nil
	case models.BlockToolResult:
		if _, err := toolUses.Lookup(block.ToolUseID); err != nil {
			return contentBlock{}, err
		}
		return contentBlock{Type: "tool_result", ToolUseID: block.ToolUseID, Content: block.Content}, nil
	default:
		return contentBlock{}, models.Invalid("content.type", "unsupported content block %q", block.Type)
	}
}

type messageResponse struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Usage      usageBlock     `json:"usage"`
	StopReason string         `json:"stop_reason"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseResponse decodes a non-streaming Messages API response.
func (p *Provider) ParseResponse(body []byte) (*models.ProviderResult, error) {
	var resp messageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return resp.toResult()
}

func (r messageResponse) toResult() (*models.ProviderResult, error) {
	items := make([]models.ContentItem, 0, len(r.Content))
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				items = append(items, models.TextItem(block.Text))
			}
		case "tool_use":
			var input map[string]any
			if len(block.Input) > 0 {
				var err error
				if input, err = models.DecodeInput(block.Input); err != nil {
					return nil, fmt.Errorf("claude tool_use %s input: %w", block.Name, err)
				}
			}
			items = append(items, models.ToolUseItem(block.ID, block.Name, input))
		default:
			// thinking and other auxiliary blocks carry nothing for callers
		}
	}

	return &models.ProviderResult{
		Content: items,
		Usage: models.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
		},
		StopReason: r.StopReason,
	}, nil
}
