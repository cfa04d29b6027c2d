package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"mate-gateway/internal/models"
)

const frameSeparator = "\n\n"

var endFrame = []byte(`{"stream_end":true}` + frameSeparator)

// ItemSource yields normalized content items until it reports false.
type ItemSource interface {
	Next() (models.ContentItem, bool)
}

// StreamWriter frames content items for a streaming caller. Every frame is a
// JSON object followed by a blank line.
type StreamWriter struct {
	w       io.Writer
	flusher http.Flusher
	ended   bool
}

// NewStreamWriter wraps w. Frames are flushed immediately when w implements
// http.Flusher.
func NewStreamWriter(w io.Writer) *StreamWriter {
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{w: w, flusher: flusher}
}

type contentFrame struct {
	Content models.ContentItem `json:"content"`
}

// WriteItem writes one {"content": item} frame.
func (s *StreamWriter) WriteItem(item models.ContentItem) error {
	if s.ended {
		return fmt.Errorf("stream already ended")
	}
	data, err := json.Marshal(contentFrame{Content: item})
	if err != nil {
		return fmt.Errorf("encode content frame: %w", err)
	}
	return s.write(append(data, frameSeparator...))
}

// End writes the terminal {"stream_end": true} frame. Only the first call
// writes anything.
func (s *StreamWriter) End() error {
	if s.ended {
		return nil
	}
	s.ended = true
	return s.write(endFrame)
}

func (s *StreamWriter) write(frame []byte) error {
	if _, err := s.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Pump copies items from src to w until src is exhausted, the context is
// cancelled or a write fails. The end frame is always attempted.
func Pump(ctx context.Context, src ItemSource, w *StreamWriter) (int, error) {
	count := 0
	defer w.End()

	for ctx.Err() == nil {
		item, ok := src.Next()
		if !ok {
			return count, w.End()
		}
		if err := w.WriteItem(item); err != nil {
			return count, err
		}
		count++
	}
	return count, ctx.Err()
}

// Collect assembles the non-streaming response body.
func Collect(items []models.ContentItem, costCredits *int) models.Response {
	if items == nil {
		items = []models.ContentItem{}
	}
	return models.Response{Content: items, CostCredits: costCredits}
}
