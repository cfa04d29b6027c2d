package openai

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
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// Provider implements the OpenAI-compatible chat completions protocol.
type Provider struct {
	name    string
	apiKey  string
	headers map[string]string
	catalog *provider.Catalog
	chatURL string
}

// New creates a new OpenAI provider adapter.
func New(cfg config.ProviderConfig) (*Provider, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}
	if cfg.APIStyle != config.APIStyleOpenAI {
		return nil, fmt.Errorf("openai provider %q received unsupported api_style %q", cfg.Name, cfg.APIStyle)
	}

	catalog, err := provider.NewCatalog(cfg.Name, cfg.APIStyle, cfg.Models, cfg.Aliases)
	if err != nil {
		return nil, fmt.Errorf("openai provider %q: %w", cfg.Name, err)
	}

	return &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		catalog: catalog,
		chatURL: baseURL + "/chat/completions",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) APIStyle() string {
	return config.APIStyleOpenAI
}

// SupportsCache is false: the chat completions API has no cache directive.
func (p *Provider) SupportsCache() bool {
	return false
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

// Translate builds the chat completions call for req.
func (p *Provider) Translate(req models.ConversationRequest) (transport.Request, error) {
	if req.Cache {
		return transport.Request{}, models.Invalid("cache", "provider %s does not support prompt caching", p.name)
	}

	payload, err := buildChatPayload(req)
	if err != nil {
		return transport.Request{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return transport.Request{}, fmt.Errorf("marshal payload: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", contentTypeJSON)
	if req.Stream {
		header.Set("Accept", contentTypeSSE)
	} else {
		header.Set("Accept", contentTypeJSON)
	}
	header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.headers {
		header.Set(k, v)
	}

	return transport.Request{
		Method: http.MethodPost,
		URL:    p.chatURL,
		Header: header,
		Body:   body,
	}, nil
}

// NewStreamParser returns a parser for one streaming session.
func (p *Provider) NewStreamParser() provider.StreamParser {
	return &streamParser{}
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Tools       []toolDecl      `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
}

type openAIMessage struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type toolDecl struct {
	Type     string       `json:"type"`
	Function functionDecl `json:"function"`
}

type functionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

func buildChatPayload(req models.ConversationRequest) (chatPayload, error) {
	history := req.Messages()
	if len(history) == 0 {
		return chatPayload{}, models.Invalid("message_history", "conversation must not be empty")
	}

	messages := make([]openAIMessage, 0, len(history)+1)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	toolUses := provider.ToolUseIndex{}
	for i, item := range history {
		converted, err := convertItem(item, toolUses)
		if err != nil {
			return chatPayload{}, fmt.Errorf("message_history[%d]: %w", i, err)
		}
		messages = append(messages, converted...)
	}

	payload := chatPayload{
		Model:       req.Provider.Model,
		Messages:    messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		Stop:        req.StopSequences,
	}
	if req.MaxTokens > 0 {
		v := req.MaxTokens
		payload.MaxTokens = &v
	}

	if len(req.Tools) > 0 {
		payload.Tools = make([]toolDecl, 0, len(req.Tools))
		for _, tool := range req.Tools {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = emptySchema
			}
			payload.Tools = append(payload.Tools, toolDecl{
				Type: "function",
				Function: functionDecl{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  schema,
				},
			})
		}
		payload.ToolChoice = "auto"
	}

	return payload, nil
}

// convertItem maps one history item onto chat messages. Tool results become
// separate tool-role messages placed ahead of any remaining user content.
func convertItem(item models.MessageItem, toolUses provider.ToolUseIndex) ([]openAIMessage, error) {
	var (
		out       []openAIMessage
		parts     []contentPart
		calls     []toolCall
		hasImages bool
	)

	for _, block := range item.Content {
		switch block.Type {
		case models.BlockText:
			parts = append(parts, contentPart{Type: "text", Text: block.Text})
		case models.BlockImage:
			hasImages = true
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + block.MediaType + ";base64," + block.Data},
			})
		case models.BlockToolUse:
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			args, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("marshal tool_use input: %w", err)
			}
			toolUses.Record(block.ID, block.Name)
			calls = append(calls, toolCall{
				ID:       block.ID,
				Type:     "function",
				Function: functionCall{Name: block.Name, Arguments: string(args)},
			})
		case models.BlockToolResult:
			if _, err := toolUses.Lookup(block.ToolUseID); err != nil {
				return nil, err
			}
			out = append(out, openAIMessage{Role: "tool", ToolCallID: block.ToolUseID, Content: block.Content})
		default:
			return nil, models.Invalid("content.type", "unsupported content block %q", block.Type)
		}
	}

	if len(parts) == 0 && len(calls) == 0 {
		return out, nil
	}

	msg := openAIMessage{Role: item.Role, ToolCalls: calls}
	switch {
	case hasImages:
		msg.Content = parts
	case len(parts) > 0:
		texts := make([]string, 0, len(parts))
		for _, part := range parts {
			texts = append(texts, part.Text)
		}
		msg.Content = strings.Join(texts, "\n")
	}
	return append(out, msg), nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int             `json:"index"`
	Message      responseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type responseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ParseResponse decodes a non-streaming chat completions response.
func (p *Provider) ParseResponse(body []byte) (*models.ProviderResult, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return resp.toResult()
}

func (r chatResponse) toResult() (*models.ProviderResult, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("openai response did not include choices")
	}

	choice := r.Choices[0]
	var items []models.ContentItem
	if choice.Message.Content != nil && *choice.Message.Content != "" {
		items = append(items, models.TextItem(*choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		var input map[string]any
		if args := strings.TrimSpace(call.Function.Arguments); args != "" {
			var err error
			if input, err = models.DecodeInput([]byte(args)); err != nil {
				return nil, fmt.Errorf("openai tool call %s arguments: %w", call.Function.Name, err)
			}
		}
		items = append(items, models.ToolUseItem(call.ID, call.Function.Name, input))
	}

	result := &models.ProviderResult{
		Content:    items,
		StopReason: choice.FinishReason,
	}
	if r.Usage != nil {
		result.Usage = models.Usage{
			InputTokens:  r.Usage.PromptTokens,
			OutputTokens: r.Usage.CompletionTokens,
		}
	}
	return result, nil
}
