package openai

import (
	"fmt"

	"github.com/tidwall/gjson"

	"mate-gateway/internal/provider"
)

const doneMarker = "[DONE]"

// streamParser decodes chat completion chunks. Only the first tool call of
// each chunk is tracked.
type streamParser struct{}

func (p *streamParser) ParseLine(line string) ([]provider.Delta, error) {
	payload, ok, err := provider.DataPayload(line)
	if err != nil || !ok {
		return nil, err
	}
	if payload == doneMarker {
		return []provider.Delta{{Kind: provider.DeltaEnd}}, nil
	}
	if !gjson.Valid(payload) {
		return nil, provider.Malformed(line, "data is not valid JSON")
	}

	chunk := gjson.Parse(payload)
	if apiErr := chunk.Get("error"); apiErr.Exists() {
		return []provider.Delta{{Kind: provider.DeltaEnd}}, fmt.Errorf("%w: %s: %s",
			provider.ErrStreamFailure,
			apiErr.Get("type").String(),
			apiErr.Get("message").String(),
		)
	}

	choices := chunk.Get("choices")
	if !choices.IsArray() {
		return nil, provider.Malformed(line, "chunk has no choices")
	}

	delta := chunk.Get("choices.0.delta")
	var out []provider.Delta
	if content := delta.Get("content"); content.Type == gjson.String && content.Str != "" {
		out = append(out, provider.Delta{Kind: provider.DeltaText, Text: content.Str})
	}

	fn := delta.Get("tool_calls.0.function")
	if name := fn.Get("name").String(); name != "" {
		out = append(out, provider.Delta{Kind: provider.DeltaToolName, Text: name})
	}
	if args := fn.Get("arguments").String(); args != "" {
		out = append(out, provider.Delta{Kind: provider.DeltaToolArgs, Text: args})
	}
	return out, nil
}
