package toolcall

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mate-gateway/internal/models"
)

// ErrToolResolution indicates a tool call whose arguments never became a
// parseable JSON object with a resolvable tool name before the stream ended.
var ErrToolResolution = errors.New("tool call could not be resolved")

// Accumulator reassembles streamed tool-call argument fragments into complete
// tool invocations. It tracks one call at a time.
type Accumulator struct {
	tools []models.Tool
	newID func() string

	args        strings.Builder
	pendingName string
}

// New returns an Accumulator resolving unnamed calls against tools, in
// declaration order.
func New(tools []models.Tool) *Accumulator {
	return &Accumulator{
		tools: tools,
		newID: newToolUseID,
	}
}

func newToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Active reports whether a tool call is in progress.
func (a *Accumulator) Active() bool {
	return a.pendingName != "" || a.args.Len() > 0
}

// Name records an explicit tool name for the call in progress. A previous
// named call that received no arguments at all is emitted with an empty input.
// A different name arriving while arguments are still incomplete replaces the
// pending call and drops its partial arguments; interleaved calls are not
// tracked separately.
func (a *Accumulator) Name(name string) (models.ContentItem, bool) {
	name = strings.TrimSpace(name)
	if name == "" || name == a.pendingName {
		return models.ContentItem{}, false
	}

	var (
		item models.ContentItem
		ok   bool
	)
	if a.pendingName != "" {
		if strings.TrimSpace(a.args.String()) == "" {
			item, ok = a.emit(a.pendingName, map[string]any{})
		}
		a.args.Reset()
	}
	a.pendingName = name
	return item, ok
}

// AppendArgs adds an argument fragment and emits the tool call as soon as the
// accumulated text parses as a JSON object and a tool name is known.
func (a *Accumulator) AppendArgs(fragment string) (models.ContentItem, bool) {
	a.args.WriteString(fragment)

	input, ok := parseObject(a.args.String())
	if !ok {
		return models.ContentItem{}, false
	}

	name := a.pendingName
	if name == "" {
		name = a.matchSchema(input)
	}
	if name == "" {
		return models.ContentItem{}, false
	}
	return a.emit(name, input)
}

// Finish ends the session. A named call that never received arguments is
// emitted with an empty input; leftover unparsed arguments are abandoned and
// reported as ErrToolResolution.
func (a *Accumulator) Finish() (models.ContentItem, bool, error) {
	pending := strings.TrimSpace(a.args.String())
	switch {
	case pending == "" && a.pendingName != "":
		item, ok := a.emit(a.pendingName, map[string]any{})
		return item, ok, nil
	case pending != "":
		name := a.pendingName
		a.reset()
		if name == "" {
			name = "<unnamed>"
		}
		return models.ContentItem{}, false, fmt.Errorf("%w: %s with %d bytes of arguments", ErrToolResolution, name, len(pending))
	default:
		return models.ContentItem{}, false, nil
	}
}

func (a *Accumulator) emit(name string, input map[string]any) (models.ContentItem, bool) {
	item := models.ToolUseItem(a.newID(), name, input)
	a.reset()
	return item, true
}

func (a *Accumulator) reset() {
	a.args.Reset()
	a.pendingName = ""
}

// matchSchema picks the first declared tool whose schema properties are all
// present in input. Tools sharing property names resolve to the earliest one.
func (a *Accumulator) matchSchema(input map[string]any) string {
	for _, tool := range a.tools {
		if hasAllKeys(input, tool.Properties) {
			return tool.Name
		}
	}
	return ""
}

func hasAllKeys(input map[string]any, keys []string) bool {
	for _, key := range keys {
		if _, ok := input[key]; !ok {
			return false
		}
	}
	return true
}

func parseObject(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '{' {
		return nil, false
	}
	input, err := models.DecodeInput([]byte(raw))
	if err != nil || input == nil {
		return nil, false
	}
	return input, true
}

// MissingRequired lists the required properties of the declared tool named by
// use that its input lacks. Undeclared tools report nothing.
func MissingRequired(tools []models.Tool, use *models.ToolUse) []string {
	if use == nil {
		return nil
	}
	for _, tool := range tools {
		if tool.Name != use.Name {
			continue
		}
		var missing []string
		for _, key := range tool.Required {
			if _, ok := use.Input[key]; !ok {
				missing = append(missing, key)
			}
		}
		return missing
	}
	return nil
}
