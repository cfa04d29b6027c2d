package translator

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"mate-gateway/internal/models"
)

const (
	maxTemperature = 2.0
	maxToolName    = 64
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var supportedMediaTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// Validate checks a conversation request before any provider sees it. Every
// failure matches models.ErrSchemaValidation.
func Validate(req models.ConversationRequest) error {
	if req.Provider.Name == "" {
		return models.Invalid("provider.name", "must be provided")
	}
	if req.Provider.Model == "" {
		return models.Invalid("provider.model", "must be provided")
	}

	switch {
	case req.Message != nil && req.History != nil:
		return models.Invalid("message", "exactly one of message and message_history may be set")
	case req.Message == nil && req.History == nil:
		return models.Invalid("message", "one of message and message_history is required")
	case req.Message != nil && strings.TrimSpace(*req.Message) == "":
		return models.Invalid("message", "must not be empty")
	case req.Message == nil && len(req.History) == 0:
		return models.Invalid("message_history", "must not be empty")
	}

	if err := validateHistory(req.History); err != nil {
		return err
	}

	if req.MaxTokens < 0 {
		return models.Invalid("max_tokens", "must not be negative, got %d", req.MaxTokens)
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > maxTemperature) {
		return models.Invalid("temperature", "must be between 0 and %g, got %g", maxTemperature, *t)
	}
	for i, stop := range req.StopSequences {
		if stop == "" {
			return models.Invalid(fmt.Sprintf("stop_sequence[%d]", i), "must not be empty")
		}
	}

	return validateTools(req.Tools)
}

func validateHistory(history []models.MessageItem) error {
	for i, item := range history {
		field := fmt.Sprintf("message_history[%d]", i)
		switch item.Role {
		case models.RoleUser, models.RoleAssistant:
		default:
			return models.Invalid(field+".role", "must be %q or %q, got %q", models.RoleUser, models.RoleAssistant, item.Role)
		}
		if len(item.Content) == 0 {
			return models.Invalid(field+".content", "must not be empty")
		}
		for j, block := range item.Content {
			if err := validateBlock(fmt.Sprintf("%s.content[%d]", field, j), item.Role, block); err != nil {
				return err
			}
		}
	}

	if n := len(history); n > 0 && history[n-1].Role == models.RoleAssistant && !hasSubstance(history[n-1].Content) {
		return models.Invalid(fmt.Sprintf("message_history[%d].content", n-1), "final assistant message must not be empty")
	}
	return nil
}

func validateBlock(field, role string, block models.ContentBlock) error {
	switch block.Type {
	case models.BlockText:
		return nil
	case models.BlockImage:
		if block.Data == "" {
			return models.Invalid(field+".data", "image data must be provided")
		}
		if _, ok := supportedMediaTypes[block.MediaType]; !ok {
			return models.Invalid(field+".media_type", "unsupported image media type %q", block.MediaType)
		}
	case models.BlockToolUse:
		if role != models.RoleAssistant {
			return models.Invalid(field, "tool_use blocks are only allowed in assistant messages")
		}
		if block.ID == "" || block.Name == "" {
			return models.Invalid(field, "tool_use blocks need an id and a name")
		}
	case models.BlockToolResult:
		if role != models.RoleUser {
			return models.Invalid(field, "tool_result blocks are only allowed in user messages")
		}
		if block.ToolUseID == "" {
			return models.Invalid(field+".tool_use_id", "must be provided")
		}
	default:
		return models.Invalid(field+".type", "unsupported content block %q", block.Type)
	}
	return nil
}

func hasSubstance(blocks []models.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type != models.BlockText || strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

func validateTools(tools []models.Tool) error {
	seen := make(map[string]struct{}, len(tools))
	for i, tool := range tools {
		field := fmt.Sprintf("tools[%d]", i)
		if tool.Name == "" {
			return models.Invalid(field+".name", "must be provided")
		}
		if len(tool.Name) > maxToolName || !toolNamePattern.MatchString(tool.Name) {
			return models.Invalid(field+".name", "%q must match %s and be at most %d characters", tool.Name, toolNamePattern, maxToolName)
		}
		if _, dup := seen[tool.Name]; dup {
			return models.Invalid(field+".name", "duplicate tool name %q", tool.Name)
		}
		seen[tool.Name] = struct{}{}

		if err := validateSchema(tool); err != nil {
			return models.Invalid(field+".input_schema", "%v", err)
		}
	}
	return nil
}

// validateSchema compiles the tool's input schema and requires an object type.
func validateSchema(tool models.Tool) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	if !gjson.ValidBytes(tool.InputSchema) {
		return fmt.Errorf("not valid JSON")
	}
	if typ := gjson.GetBytes(tool.InputSchema, "type").String(); typ != "object" {
		return fmt.Errorf("type must be \"object\", got %q", typ)
	}

	url := "mem://tools/" + tool.Name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(tool.InputSchema)); err != nil {
		return err
	}
	if _, err := compiler.Compile(url); err != nil {
		return err
	}
	return nil
}
