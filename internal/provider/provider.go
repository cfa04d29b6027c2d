package provider

import (
	"errors"
	"fmt"
	"strings"

	"mate-gateway/internal/models"
	"mate-gateway/internal/transport"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnknownModel indicates the requested model is not offered by the provider.
var ErrUnknownModel = errors.New("unknown model")

// ErrMalformedStreamChunk marks a stream line that could not be interpreted.
// Sessions log and skip such lines.
var ErrMalformedStreamChunk = errors.New("malformed stream chunk")

// ErrStreamFailure marks an error event reported by the provider mid-stream.
var ErrStreamFailure = errors.New("provider reported a stream error")

// DeltaKind discriminates the provider-independent stream events.
type DeltaKind int

const (
	DeltaText DeltaKind = iota + 1
	DeltaToolName
	DeltaToolArgs
	DeltaEnd
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaText:
		return "text"
	case DeltaToolName:
		return "tool_name"
	case DeltaToolArgs:
		return "tool_args"
	case DeltaEnd:
		return "end"
	default:
		return fmt.Sprintf("delta(%d)", int(k))
	}
}

// Delta is one event decoded from a provider stream.
type Delta struct {
	Kind DeltaKind
	Text string
}

// StreamParser decodes provider stream lines into deltas. A parser holds
// per-session state and must not be shared between sessions.
type StreamParser interface {
	ParseLine(line string) ([]Delta, error)
}

// Adapter translates between the gateway's request model and one provider's
// wire protocol.
type Adapter interface {
	Name() string
	APIStyle() string
	SupportsCache() bool
	ListModels() []models.Model
	Aliases() map[string]string
	// ResolveModel maps an alias onto a configured model id.
	ResolveModel(model string) (string, error)
	Translate(req models.ConversationRequest) (transport.Request, error)
	ParseResponse(body []byte) (*models.ProviderResult, error)
	NewStreamParser() StreamParser
}

// Malformed wraps ErrMalformedStreamChunk with the offending line.
func Malformed(line, format string, args ...any) error {
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Errorf("%w: %s: %q", ErrMalformedStreamChunk, fmt.Sprintf(format, args...), line)
}

// DataPayload extracts the payload of an SSE "data:" line. Framing lines
// (blank lines, comments, event/id/retry fields) report ok=false with a nil
// error; any other line is malformed.
func DataPayload(line string) (payload string, ok bool, err error) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
		return "", false, nil
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", false, Malformed(line, "line is not an SSE field")
	}
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		return value, true, nil
	case "event", "id", "retry":
		return "", false, nil
	default:
		return "", false, Malformed(line, "unexpected SSE field %q", field)
	}
}

// ToolUseIndex records the tool_use ids seen so far in a history, so that
// tool_result blocks can be checked against earlier calls.
type ToolUseIndex map[string]string

// Record notes a tool_use block.
func (idx ToolUseIndex) Record(id, name string) {
	idx[id] = name
}

// Lookup returns the tool name for id, or a validation error wrapping
// models.ErrToolResultLookup.
func (idx ToolUseIndex) Lookup(id string) (string, error) {
	name, ok := idx[id]
	if !ok {
		return "", &models.ValidationError{
			Field:  "tool_result.tool_use_id",
			Reason: fmt.Sprintf("no earlier tool_use with id %q", id),
			Err:    models.ErrToolResultLookup,
		}
	}
	return name, nil
}
