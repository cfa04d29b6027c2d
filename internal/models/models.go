package models

import (
	"encoding/json"
	"fmt"
)

// Roles accepted in a message history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType discriminates the variants of a history ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a MessageItem's content. Only the fields of
// the variant named by Type are meaningful.
type ContentBlock struct {
	Type BlockType

	// text
	Text string

	// image
	MediaType string
	Data      string

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID string
	Content   string
}

// MessageItem is a single turn of a conversation history.
type MessageItem struct {
	Role    string
	Content []ContentBlock
}

// ProviderRef names the provider and model a request is dispatched to.
type ProviderRef struct {
	Name  string `json:"name"`
	Model string `json:"model"`
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema document exactly as the caller sent it.
	InputSchema json.RawMessage
	// Properties lists the property names declared by InputSchema.
	Properties []string
	Required   []string
}

// ConversationRequest is the provider-agnostic request accepted by the gateway.
type ConversationRequest struct {
	System string
	// Message is set for single-turn requests. Exactly one of Message and
	// History is non-nil.
	Message       *string
	History       []MessageItem
	Provider      ProviderRef
	Temperature   *float64
	MaxTokens     int
	StopSequences []string
	Tools         []Tool
	Stream        bool
	Cache         bool
}

// Messages returns the conversation as history items, synthesizing a single
// user turn for single-message requests.
func (r ConversationRequest) Messages() []MessageItem {
	if r.Message != nil {
		return []MessageItem{{
			Role:    RoleUser,
			Content: []ContentBlock{{Type: BlockText, Text: *r.Message}},
		}}
	}
	return r.History
}

// ItemType discriminates NormalizedContentItem variants.
type ItemType string

const (
	ItemText    ItemType = "text"
	ItemToolUse ItemType = "tool_use"
)

// ToolUse is a fully parsed tool invocation.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ContentItem is the normalized unit emitted to callers, both as a streamed
// event and as an element of an aggregated response.
type ContentItem struct {
	Type    ItemType
	Text    string
	ToolUse *ToolUse
}

// TextItem builds a text content item.
func TextItem(text string) ContentItem {
	return ContentItem{Type: ItemText, Text: text}
}

// ToolUseItem builds a tool_use content item.
func ToolUseItem(id, name string, input map[string]any) ContentItem {
	if input == nil {
		input = map[string]any{}
	}
	return ContentItem{Type: ItemToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// MarshalJSON renders the item in the outward wire shape.
func (c ContentItem) MarshalJSON() ([]byte, error) {
	switch c.Type {
	case ItemText:
		return json.Marshal(struct {
			Type ItemType `json:"type"`
			Text string   `json:"text"`
		}{Type: ItemText, Text: c.Text})
	case ItemToolUse:
		if c.ToolUse == nil {
			return nil, fmt.Errorf("tool_use content item has no tool use")
		}
		return json.Marshal(struct {
			Type    ItemType `json:"type"`
			ToolUse *ToolUse `json:"tool_use"`
		}{Type: ItemToolUse, ToolUse: c.ToolUse})
	default:
		return nil, fmt.Errorf("unknown content item type %q", c.Type)
	}
}

// UnmarshalJSON decodes the outward wire shape.
func (c *ContentItem) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type    ItemType `json:"type"`
		Text    string   `json:"text"`
		ToolUse *struct {
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"tool_use"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Type {
	case ItemText:
		*c = TextItem(raw.Text)
	case ItemToolUse:
		if raw.ToolUse == nil {
			return fmt.Errorf("tool_use content item has no tool use")
		}
		var input map[string]any
		if len(raw.ToolUse.Input) > 0 {
			var err error
			if input, err = DecodeInput(raw.ToolUse.Input); err != nil {
				return fmt.Errorf("tool_use input: %w", err)
			}
		}
		*c = ToolUseItem(raw.ToolUse.ID, raw.ToolUse.Name, input)
	default:
		return fmt.Errorf("unknown content item type %q", raw.Type)
	}
	return nil
}

// Usage records token accounting information reported by a provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ProviderResult is a decoded non-streaming provider response.
type ProviderResult struct {
	Content    []ContentItem
	Usage      Usage
	StopReason string
}

// Response is the aggregated non-streaming output.
type Response struct {
	Content     []ContentItem `json:"content"`
	CostCredits *int          `json:"cost_credits"`
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	APIStyle string
}
