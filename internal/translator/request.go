package translator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"mate-gateway/internal/models"
)

// AskRequest is the inbound JSON form of a conversation request.
type AskRequest struct {
	System        string
	Message       *string
	History       []Message
	HasHistory    bool
	Provider      models.ProviderRef
	Temperature   *float64
	MaxTokens     *int
	StopSequences []string
	Tools         []models.Tool
	Stream        bool
	Cache         bool
}

// Decode parses an inbound request body. Decoding failures are reported as
// schema validation errors.
func Decode(data []byte) (AskRequest, error) {
	var req AskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return AskRequest{}, asValidation(err)
	}
	return req, nil
}

// UnmarshalJSON accepts both stop_sequence and stop_sequences, either as a
// string or a list.
func (r *AskRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		System         string             `json:"system"`
		Message        *string            `json:"message"`
		MessageHistory json.RawMessage    `json:"message_history"`
		Provider       models.ProviderRef `json:"provider"`
		Temperature    *float64           `json:"temperature"`
		MaxTokens      *int               `json:"max_tokens"`
		StopSequence   json.RawMessage    `json:"stop_sequence"`
		StopSequences  json.RawMessage    `json:"stop_sequences"`
		Tools          []Tool             `json:"tools"`
		Stream         bool               `json:"stream"`
		Cache          bool               `json:"cache"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	stops, err := parseStops(raw.StopSequence)
	if err != nil {
		return err
	}
	if len(stops) == 0 {
		if stops, err = parseStops(raw.StopSequences); err != nil {
			return err
		}
	}

	if isPresent(raw.MessageHistory) {
		if err := json.Unmarshal(raw.MessageHistory, &r.History); err != nil {
			return asValidation(fmt.Errorf("message_history: %w", err))
		}
		r.HasHistory = true
	}

	r.System = raw.System
	r.Message = raw.Message
	r.Provider = models.ProviderRef{
		Name:  strings.TrimSpace(raw.Provider.Name),
		Model: strings.TrimSpace(raw.Provider.Model),
	}
	r.Temperature = raw.Temperature
	r.MaxTokens = raw.MaxTokens
	r.StopSequences = stops
	r.Stream = raw.Stream
	r.Cache = raw.Cache

	r.Tools = make([]models.Tool, 0, len(raw.Tools))
	for _, t := range raw.Tools {
		r.Tools = append(r.Tools, t.toModel())
	}

	return nil
}

// ToConversation converts the decoded request into the canonical form.
func (r AskRequest) ToConversation() models.ConversationRequest {
	req := models.ConversationRequest{
		System:        r.System,
		Message:       r.Message,
		Provider:      r.Provider,
		Temperature:   r.Temperature,
		StopSequences: r.StopSequences,
		Tools:         r.Tools,
		Stream:        r.Stream,
		Cache:         r.Cache,
	}
	if r.MaxTokens != nil {
		req.MaxTokens = *r.MaxTokens
	}
	if r.HasHistory {
		req.History = make([]models.MessageItem, 0, len(r.History))
		for _, m := range r.History {
			req.History = append(req.History, models.MessageItem{Role: m.Role, Content: m.Content})
		}
	}
	return req
}

// Message is one inbound history item. Content may be a plain string or a
// list of typed blocks.
type Message struct {
	Role    string
	Content []models.ContentBlock
}

// UnmarshalJSON normalises string content into a single text block.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	m.Role = strings.ToLower(strings.TrimSpace(raw.Role))
	m.Content = nil

	if !isPresent(raw.Content) {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		m.Content = []models.ContentBlock{{Type: models.BlockText, Text: text}}
		return nil
	}

	var blocks []Block
	if err := json.Unmarshal(raw.Content, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a list of blocks: %w", err)
	}
	m.Content = make([]models.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		m.Content = append(m.Content, models.ContentBlock(b))
	}
	return nil
}

// Block decodes one inbound content block.
type Block models.ContentBlock

// UnmarshalJSON accepts images either flat or under a "source" object and
// tool results either as a string or a list of text blocks.
func (b *Block) UnmarshalJSON(data []byte) error {
	type imageSource struct {
		Data      string `json:"data"`
		MediaType string `json:"media_type"`
	}
	type alias struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Data      string          `json:"data"`
		MediaType string          `json:"media_type"`
		Source    *imageSource    `json:"source"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}

	out := Block{Type: models.BlockType(strings.TrimSpace(raw.Type))}
	switch out.Type {
	case models.BlockText:
		out.Text = raw.Text
	case models.BlockImage:
		out.Data, out.MediaType = raw.Data, raw.MediaType
		if raw.Source != nil {
			out.Data, out.MediaType = raw.Source.Data, raw.Source.MediaType
		}
	case models.BlockToolUse:
		out.ID = strings.TrimSpace(raw.ID)
		out.Name = strings.TrimSpace(raw.Name)
		if isPresent(raw.Input) {
			var err error
			if out.Input, err = models.DecodeInput(raw.Input); err != nil {
				return fmt.Errorf("tool_use %q input must be a JSON object: %w", out.Name, err)
			}
		}
	case models.BlockToolResult:
		out.ToolUseID = strings.TrimSpace(raw.ToolUseID)
		content, err := toolResultText(raw.Content)
		if err != nil {
			return err
		}
		out.Content = content
	default:
		return fmt.Errorf("unsupported content block type %q", raw.Type)
	}

	*b = out
	return nil
}

// Tool decodes one inbound tool declaration.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

func (t Tool) toModel() models.Tool {
	tool := models.Tool{
		Name:        strings.TrimSpace(t.Name),
		Description: t.Description,
	}
	if isPresent(t.InputSchema) {
		tool.InputSchema = bytes.Clone(t.InputSchema)
	}
	if gjson.ValidBytes(tool.InputSchema) {
		schema := gjson.ParseBytes(tool.InputSchema)
		schema.Get("properties").ForEach(func(key, _ gjson.Result) bool {
			tool.Properties = append(tool.Properties, key.String())
			return true
		})
		for _, name := range schema.Get("required").Array() {
			tool.Required = append(tool.Required, name.String())
		}
	}
	return tool
}

func toolResultText(raw json.RawMessage) (string, error) {
	if !isPresent(raw) {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("tool_result content must be a string or a list of text blocks: %w", err)
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type != "" && p.Type != string(models.BlockText) {
			return "", fmt.Errorf("tool_result content block type %q is not supported", p.Type)
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n"), nil
}

func parseStops(raw json.RawMessage) ([]string, error) {
	if !isPresent(raw) {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("stop_sequence must be a string or a list of strings: %w", err)
	}
	return many, nil
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func asValidation(err error) error {
	return &models.ValidationError{Field: "body", Reason: err.Error()}
}
