package normalize

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"mate-gateway/internal/models"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/segment"
	"mate-gateway/internal/toolcall"
)

// LineSource yields raw stream lines. Next returns io.EOF at the end.
type LineSource interface {
	Next() (string, error)
	Close() error
}

// Session turns one provider stream into normalized content items, in the
// order the underlying events arrived.
type Session struct {
	provider string
	src      LineSource
	parser   provider.StreamParser
	tools    *toolcall.Accumulator
	declared []models.Tool

	text    segment.Segmenter
	pending []models.ContentItem
	done    bool
}

// NewSession wires a line source to a provider parser. tools are the
// declarations offered in the request, used to name unnamed tool calls.
func NewSession(providerName string, src LineSource, parser provider.StreamParser, tools []models.Tool) *Session {
	return &Session{
		provider: providerName,
		src:      src,
		parser:   parser,
		tools:    toolcall.New(tools),
		declared: tools,
	}
}

// Next returns the next content item, or false once the stream has ended.
// A dropped connection ends the stream as if the provider had finished it.
func (s *Session) Next() (models.ContentItem, bool) {
	for len(s.pending) == 0 {
		if s.done {
			return models.ContentItem{}, false
		}
		s.pull()
	}

	item := s.pending[0]
	s.pending = s.pending[1:]
	return item, true
}

// Close releases the upstream connection.
func (s *Session) Close() error {
	s.done = true
	s.pending = nil
	return s.src.Close()
}

func (s *Session) pull() {
	line, err := s.src.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Warn("provider stream interrupted", "provider", s.provider, "err", err)
		}
		s.finish()
		return
	}

	deltas, err := s.parser.ParseLine(line)
	if err != nil {
		slog.Warn("skipping stream chunk", "provider", s.provider, "err", err)
	}
	for _, d := range deltas {
		if s.done {
			return
		}
		s.apply(d)
	}
}

func (s *Session) apply(d provider.Delta) {
	switch d.Kind {
	case provider.DeltaText:
		for _, chunk := range s.text.Write(d.Text) {
			s.pending = append(s.pending, models.TextItem(chunk))
		}

	case provider.DeltaToolName:
		s.flushBeforeTool()
		if item, ok := s.tools.Name(d.Text); ok {
			s.pushTool(item)
		}

	case provider.DeltaToolArgs:
		if !s.tools.Active() {
			s.flushBeforeTool()
		}
		if item, ok := s.tools.AppendArgs(d.Text); ok {
			s.pushTool(item)
		}

	case provider.DeltaEnd:
		s.finish()
	}
}

// finish flushes buffered text and any completable tool call, then marks the
// session done. It runs at most once.
func (s *Session) finish() {
	if s.done {
		return
	}
	s.done = true

	s.flushText()
	item, ok, err := s.tools.Finish()
	if err != nil {
		slog.Warn("dropping unresolved tool call", "provider", s.provider, "err", err)
	}
	if ok {
		s.pushTool(item)
	}
}

func (s *Session) pushTool(item models.ContentItem) {
	if missing := toolcall.MissingRequired(s.declared, item.ToolUse); len(missing) > 0 {
		slog.Warn("tool call lacks required arguments", "provider", s.provider, "tool", item.ToolUse.Name, "missing", missing)
	}
	s.pending = append(s.pending, item)
}

// flushBeforeTool emits held text ahead of a tool call, unless the text is
// inside an open code fence; fenced text stays held until the fence closes or
// the stream ends, even though the tool call is emitted first.
func (s *Session) flushBeforeTool() {
	if s.text.InFence() {
		return
	}
	s.flushText()
}

func (s *Session) flushText() {
	tail := strings.TrimSpace(s.text.Flush())
	if tail != "" {
		s.pending = append(s.pending, models.TextItem(tail))
	}
}
