package claude

import (
	"fmt"

	"github.com/tidwall/gjson"

	"mate-gateway/internal/provider"
)

// streamParser decodes Messages API server-sent events.
type streamParser struct{}

func (p *streamParser) ParseLine(line string) ([]provider.Delta, error) {
	payload, ok, err := provider.DataPayload(line)
	if err != nil || !ok {
		return nil, err
	}
	if !gjson.Valid(payload) {
		return nil, provider.Malformed(line, "data is not valid JSON")
	}

	event := gjson.Parse(payload)
	switch typ := event.Get("type").String(); typ {
	case "content_block_start":
		block := event.Get("content_block")
		switch block.Get("type").String() {
		case "tool_use":
			return []provider.Delta{{Kind: provider.DeltaToolName, Text: block.Get("name").String()}}, nil
		case "text":
			if text := block.Get("text").String(); text != "" {
				return []provider.Delta{{Kind: provider.DeltaText, Text: text}}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []provider.Delta{{Kind: provider.DeltaText, Text: delta.Get("text").String()}}, nil
		case "input_json_delta":
			return []provider.Delta{{Kind: provider.DeltaToolArgs, Text: delta.Get("partial_json").String()}}, nil
		}
		return nil, nil

	case "message_stop":
		return []provider.Delta{{Kind: provider.DeltaEnd}}, nil

	case "error":
		return []provider.Delta{{Kind: provider.DeltaEnd}}, fmt.Errorf("%w: %s: %s",
			provider.ErrStreamFailure,
			event.Get("error.type").String(),
			event.Get("error.message").String(),
		)

	case "message_start", "message_delta", "content_block_stop", "ping":
		return nil, nil

	default:
		return nil, provider.Malformed(line, "unknown event type %q", typ)
	}
}
